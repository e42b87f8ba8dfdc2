package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
)

// voskChunkSize is the amount of audio sent per websocket frame
const voskChunkSize = 8000

// VoskClient transcribes a whole file in one Vosk server websocket session.
// Vosk only understands raw 16-bit mono PCM, so the file must be a PCM WAV;
// its data chunk is streamed at the sample rate from its header.
type VoskClient struct {
	url        string
	sampleRate int
	timeout    time.Duration
	dialer     *websocket.Dialer
}

type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func NewVoskClient(cfg Config) (*VoskClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Vosk server URL is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &VoskClient{
		url:        cfg.URL,
		sampleRate: cfg.SampleRate,
		timeout:    cfg.Timeout,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (vc *VoskClient) Name() string {
	return "vosk"
}

// pcmAudio is the PCM payload of a WAV file
type pcmAudio struct {
	data       io.Reader
	sampleRate int
}

// unsupportedAudio is the provider answer for input Vosk cannot decode
func unsupportedAudio(filename, reason string) *Result {
	body, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("%s: %s", filename, reason)})
	return &Result{StatusCode: http.StatusUnsupportedMediaType, Body: body}
}

// readPCM locates the data chunk of a 16-bit mono PCM WAV. For any other
// container or encoding pcm is nil and reason says why.
func readPCM(audio io.Reader) (pcm *pcmAudio, reason string, err error) {
	rs, isSeeker := audio.(io.ReadSeeker)
	if !isSeeker {
		raw, err := io.ReadAll(audio)
		if err != nil {
			return nil, "", fmt.Errorf("read audio: %w", err)
		}
		rs = bytes.NewReader(raw)
	}

	d := wav.NewDecoder(rs)
	d.ReadInfo()
	if err := d.Err(); err != nil || d.NumChans == 0 {
		return nil, "not a WAV file", nil
	}
	switch {
	case d.WavAudioFormat != 1:
		return nil, fmt.Sprintf("WAV encoding %d is not PCM", d.WavAudioFormat), nil
	case d.NumChans != 1:
		return nil, fmt.Sprintf("%d channels, want mono", d.NumChans), nil
	case d.BitDepth != 16:
		return nil, fmt.Sprintf("%d-bit samples, want 16-bit", d.BitDepth), nil
	}
	if err := d.FwdToPCM(); err != nil || d.PCMChunk == nil {
		return nil, "WAV file has no data chunk", nil
	}
	return &pcmAudio{
		data:       io.LimitReader(d.PCMChunk, int64(d.PCMChunk.Size)),
		sampleRate: int(d.SampleRate),
	}, "", nil
}

func (vc *VoskClient) Transcribe(ctx context.Context, filename string, audio io.Reader) (*Result, error) {
	pcm, reason, err := readPCM(audio)
	if err != nil {
		return nil, err
	}
	if pcm == nil {
		return unsupportedAudio(filename, reason), nil
	}
	sampleRate := pcm.sampleRate
	if sampleRate <= 0 {
		sampleRate = vc.sampleRate
	}

	ctx, cancel := context.WithTimeout(ctx, vc.timeout)
	defer cancel()

	conn, resp, err := vc.dialer.DialContext(ctx, vc.url, nil)
	if err != nil {
		// A handshake rejection is a provider answer, not a transport failure
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			resp.Body.Close()
			return &Result{StatusCode: resp.StatusCode, Body: body}, nil
		}
		return nil, fmt.Errorf("failed to connect to Vosk server: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	// Close the connection if ctx ends first so blocked reads return
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	texts := make(chan []string, 1)
	readErr := make(chan error, 1)
	go func() {
		var finals []string
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					texts <- finals
					return
				}
				readErr <- err
				return
			}
			var result voskResult
			if err := json.Unmarshal(message, &result); err != nil {
				readErr <- fmt.Errorf("failed to parse Vosk result: %w", err)
				return
			}
			if result.Text != "" {
				finals = append(finals, result.Text)
			}
		}
	}()

	config := fmt.Sprintf(`{"config": {"sample_rate": %d}}`, sampleRate)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(config)); err != nil {
		return nil, fmt.Errorf("failed to send config to Vosk: %w", err)
	}

	buf := make([]byte, voskChunkSize)
	for {
		n, err := pcm.data.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return nil, fmt.Errorf("failed to send audio to Vosk: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
	}

	// EOF makes Vosk flush the final result and close the session
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`)); err != nil {
		return nil, fmt.Errorf("failed to send EOF to Vosk: %w", err)
	}

	select {
	case finals := <-texts:
		text := strings.Join(finals, " ")
		body, _ := json.Marshal(voskResult{Text: text})
		return &Result{StatusCode: http.StatusOK, Text: text, Body: body}, nil
	case err := <-readErr:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("vosk session: %w", err)
	}
}
