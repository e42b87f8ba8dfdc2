package transcriber

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewProvider(t *testing.T) {
	testCases := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{Name: "openai", APIKey: "k"}, "openai", false},
		{Config{APIKey: "k"}, "openai", false},
		{Config{Name: "openai"}, "", true},
		{Config{Name: "vosk", URL: "ws://localhost:2700"}, "vosk", false},
		{Config{Name: "vosk"}, "", true},
		{Config{Name: "assemblyai"}, "", true},
	}
	for _, tc := range testCases {
		p, err := New(tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Errorf("New(%+v) expected error", tc.cfg)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%+v): %v", tc.cfg, err)
			continue
		}
		if p.Name() != tc.want {
			t.Errorf("Name() = %s, want %s", p.Name(), tc.want)
		}
	}
}

func TestOpenAIClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "speech_segment_1.mp3" || string(data) != "fake audio content" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"This is a test transcription"}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{URL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	res, err := client.Transcribe(context.Background(), "speech_segments/2025/speech_segment_1.mp3", strings.NewReader("fake audio content"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.Successful() || res.Text != "This is a test transcription" {
		t.Errorf("result = %+v", res)
	}
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal Server Error"}`))
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(Config{URL: srv.URL, APIKey: "secret"})
	res, err := client.Transcribe(context.Background(), "a.wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Transcribe returned transport error: %v", err)
	}
	if res.Successful() {
		t.Fatal("Expected unsuccessful result")
	}
	if res.StatusCode != http.StatusInternalServerError || !strings.Contains(string(res.Body), "Internal Server Error") {
		t.Errorf("result = %d %s", res.StatusCode, res.Body)
	}
	if !errors.Is(res.Err(), ErrProvider) {
		t.Errorf("Err() = %v, want ErrProvider", res.Err())
	}
}

func TestOpenAIClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, _ := NewOpenAIClient(Config{URL: srv.URL, APIKey: "secret", Timeout: 50 * time.Millisecond})
	if _, err := client.Transcribe(context.Background(), "a.wav", strings.NewReader("x")); err == nil {
		t.Error("Expected timeout error")
	}
}

// voskSession records what a fake Vosk server received
type voskSession struct {
	mu     sync.Mutex
	dials  int
	config string
	audio  []byte
}

func (s *voskSession) snapshot() (int, string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials, s.config, append([]byte(nil), s.audio...)
}

// fakeVosk mimics the Vosk server protocol: config, audio frames, eof.
func fakeVosk(t *testing.T) (*httptest.Server, *voskSession) {
	session := &voskSession{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		session.mu.Lock()
		session.dials++
		session.mu.Unlock()

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				session.mu.Lock()
				session.audio = append(session.audio, msg...)
				session.mu.Unlock()
				conn.WriteMessage(websocket.TextMessage, []byte(`{"partial":"hel"}`))
				continue
			}
			if strings.Contains(string(msg), "config") {
				session.mu.Lock()
				session.config = string(msg)
				session.mu.Unlock()
				continue
			}
			if strings.Contains(string(msg), "eof") {
				session.mu.Lock()
				got := len(session.audio)
				session.mu.Unlock()
				if got > 0 {
					conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`))
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	return srv, session
}

// wavFile builds a canonical 44-byte-header PCM WAV
func wavFile(sampleRate, channels, bits int, pcm []byte) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("RIFF")
	binary.Write(&b, le, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, uint16(1))
	binary.Write(&b, le, uint16(channels))
	binary.Write(&b, le, uint32(sampleRate))
	binary.Write(&b, le, uint32(sampleRate*channels*bits/8))
	binary.Write(&b, le, uint16(channels*bits/8))
	binary.Write(&b, le, uint16(bits))
	b.WriteString("data")
	binary.Write(&b, le, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func voskURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestVoskClientTranscribe(t *testing.T) {
	srv, session := fakeVosk(t)
	defer srv.Close()

	client, err := NewVoskClient(Config{URL: voskURL(srv), SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewVoskClient: %v", err)
	}
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 10000)
	res, err := client.Transcribe(context.Background(), "a.wav", bytes.NewReader(wavFile(8000, 1, 16, pcm)))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !res.Successful() || res.Text != "hello" {
		t.Errorf("result = %+v", res)
	}

	_, config, audio := session.snapshot()
	if !strings.Contains(config, `"sample_rate": 8000`) {
		t.Errorf("config = %s, want the WAV header's rate", config)
	}
	if !bytes.Equal(audio, pcm) {
		t.Errorf("server received %d bytes, want the %d PCM bytes without the header", len(audio), len(pcm))
	}
}

func TestVoskClientRejectsNonPCMAudio(t *testing.T) {
	testCases := []struct {
		name  string
		audio []byte
	}{
		{"webm", append([]byte{0x1a, 0x45, 0xdf, 0xa3}, bytes.Repeat([]byte{0x42}, 4000)...)},
		{"mp3", append([]byte("ID3\x03\x00"), bytes.Repeat([]byte{0xff, 0xfb}, 2000)...)},
		{"stereo wav", wavFile(16000, 2, 16, make([]byte, 4000))},
		{"8-bit wav", wavFile(16000, 1, 8, make([]byte, 4000))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, session := fakeVosk(t)
			defer srv.Close()

			client, _ := NewVoskClient(Config{URL: voskURL(srv)})
			res, err := client.Transcribe(context.Background(), "segment", bytes.NewReader(tc.audio))
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if res.Successful() || res.StatusCode != http.StatusUnsupportedMediaType {
				t.Errorf("result = %d %s, want 415", res.StatusCode, res.Body)
			}
			if dials, _, _ := session.snapshot(); dials != 0 {
				t.Errorf("server contacted %d times for undecodable audio", dials)
			}
		})
	}
}

func TestVoskClientHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewVoskClient(Config{URL: voskURL(srv)})
	res, err := client.Transcribe(context.Background(), "a.wav", bytes.NewReader(wavFile(16000, 1, 16, make([]byte, 320))))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Successful() || res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("result = %+v", res)
	}
}
