package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSegmentPath(t *testing.T) {
	now := time.Date(2025, 8, 1, 14, 38, 0, 0, time.UTC)

	p, err := SegmentPath(now, ".MP3")
	if err != nil {
		t.Fatalf("SegmentPath: %v", err)
	}
	if !strings.HasPrefix(p, "speech_segments/2025/08/01/14/speech_segment_") {
		t.Errorf("unexpected path %q", p)
	}
	if !strings.HasSuffix(p, ".mp3") {
		t.Errorf("expected lower case .mp3 suffix, got %q", p)
	}

	other, _ := SegmentPath(now, "mp3")
	if other == p {
		t.Error("Expected unique names for consecutive calls")
	}
}

func TestLocalStorePutOpen(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	name := "speech_segments/2025/08/01/14/a.wav"
	if err := store.Put(ctx, name, strings.NewReader("fake audio content")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(ctx, name)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	rc, err := store.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "fake audio content" {
		t.Errorf("content = %q", data)
	}
}

func TestLocalStoreMissing(t *testing.T) {
	ctx := context.Background()
	store, _ := NewLocalStore(t.TempDir())

	if _, err := store.Open(ctx, "nope.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open error = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(ctx, "nope.mp3")
	if err != nil || ok {
		t.Errorf("Exists = %v, %v; want false, nil", ok, err)
	}
	if err := store.Delete(ctx, "nope.mp3"); err != nil {
		t.Errorf("Delete of missing blob: %v", err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	if err := store.Put(context.Background(), "../escape.wav", strings.NewReader("x")); err == nil {
		t.Error("Expected error for path outside root")
	}
}
