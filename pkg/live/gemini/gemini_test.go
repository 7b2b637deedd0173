package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/veridian-labs/aria/pkg/live"
	"github.com/veridian-labs/aria/pkg/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connectReady connects and blocks until the endpoint acknowledges setup.
func connectReady(t *testing.T, p *gemini.Provider, cfg live.SessionConfig, h live.Handlers) live.Session {
	t.Helper()

	ready := make(chan struct{}, 1)
	prev := h.OnSetupComplete
	h.OnSetupComplete = func() {
		if prev != nil {
			prev()
		}
		ready <- struct{}{}
	}

	sess, err := p.Connect(context.Background(), cfg, h)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup acknowledgement")
	}
	return sess
}

// ── Constructor tests ──────────────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p == nil {
		t.Fatal("New returned nil")
	}
}

// ── TestConnect ────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
			RealtimeInputConfig      *struct {
				AutomaticActivityDetection *struct {
					StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity"`
					SilenceDurationMs        int    `json:"silenceDurationMs"`
				} `json:"automaticActivityDetection"`
			} `json:"realtimeInputConfig"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := live.SessionConfig{
		Model:               "custom-live-model",
		ResponseModality:    live.ModalityAudio,
		Voice:               "Aoede",
		SystemInstruction:   "You are a helpful guide.",
		InputTranscription:  true,
		OutputTranscription: true,
		VAD: live.VADConfig{
			Enabled:           true,
			StartSensitivity:  "high",
			SilenceDurationMs: 800,
		},
	}
	connectReady(t, newProvider(srv), cfg, live.Handlers{})

	select {
	case msg := <-received:
		if want := "models/custom-live-model"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
			t.Errorf("responseModalities = %v; want [AUDIO]", got)
		}
		if msg.Setup.GenerationConfig.SpeechConfig == nil {
			t.Fatal("speechConfig is nil")
		}
		if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Aoede" {
			t.Errorf("voiceName = %q; want Aoede", got)
		}
		if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != "You are a helpful guide." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if msg.Setup.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription should be present")
		}
		if msg.Setup.OutputAudioTranscription == nil {
			t.Error("outputAudioTranscription should be present")
		}
		ad := msg.Setup.RealtimeInputConfig.AutomaticActivityDetection
		if ad == nil {
			t.Fatal("automaticActivityDetection is nil")
		}
		if ad.StartOfSpeechSensitivity != "START_SENSITIVITY_HIGH" {
			t.Errorf("startOfSpeechSensitivity = %q", ad.StartOfSpeechSensitivity)
		}
		if ad.SilenceDurationMs != 800 {
			t.Errorf("silenceDurationMs = %d; want 800", ad.SilenceDurationMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	connectReady(t, p, live.SessionConfig{}, live.Handlers{})

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	_, err := newProvider(srv).Connect(ctx, live.SessionConfig{}, live.Handlers{})
	if err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
	var lerr *live.Error
	if !errors.As(err, &lerr) || lerr.Kind != live.ErrConnection {
		t.Errorf("error = %v; want *live.Error with ErrConnection", err)
	}
}

// ── TestSendAudio ──────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{})

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_BeforeSetupComplete_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge setup.
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, live.Handlers{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{1, 2}); err == nil {
		t.Fatal("SendAudio before setup acknowledgement should return an error")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := sess.SendAudio([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
	var lerr *live.Error
	if !errors.As(err, &lerr) || lerr.Kind != live.ErrClosed {
		t.Errorf("error = %v; want *live.Error with ErrClosed", err)
	}
}

// ── TestSendText ───────────────────────────────────────────────────────────────

func TestSendText_SendsRealtimeInput(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			Text string `json:"text"`
		} `json:"realtimeInput"`
	}

	textMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		textMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{})

	if err := sess.SendText("hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-textMsg:
		if msg.RealtimeInput.Text != "hello there" {
			t.Errorf("text = %q; want %q", msg.RealtimeInput.Text, "hello there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text message")
	}
}

// ── Inbound dispatch tests ─────────────────────────────────────────────────────

func TestOnAudio_DeliversDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{
							"inlineData": map[string]any{
								"mimeType": "audio/pcm;rate=24000",
								"data":     encoded,
							},
						},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	audioCh := make(chan []byte, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnAudio: func(pcm []byte) { audioCh <- pcm },
	})

	select {
	case chunk := <-audioCh:
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestOnText_DeliversModelText(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"text": "Hello there!"},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	textCh := make(chan string, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnText: func(text string) { textCh <- text },
	})

	select {
	case text := <-textCh:
		if text != "Hello there!" {
			t.Errorf("text = %q; want %q", text, "Hello there!")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model text")
	}
}

func TestTranscriptions_Delivered(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "what time is it"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "It is noon."},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	inCh := make(chan string, 1)
	outCh := make(chan string, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnInputTranscription:  func(text string) { inCh <- text },
		OnOutputTranscription: func(text string) { outCh <- text },
	})

	select {
	case text := <-inCh:
		if text != "what time is it" {
			t.Errorf("input transcription = %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input transcription")
	}

	select {
	case text := <-outCh:
		if text != "It is noon." {
			t.Errorf("output transcription = %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for output transcription")
	}
}

func TestInterrupted_FiresBeforeTurnAudio(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		// Interruption and trailing audio arrive in the same frame.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": encoded}},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	events := make(chan string, 2)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnInterrupted: func() { events <- "interrupted" },
		OnAudio:       func([]byte) { events <- "audio" },
	})

	for i, want := range []string{"interrupted", "audio"} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("event[%d] = %q; want %q", i, got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
}

func TestTurnComplete_Delivered(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	done := make(chan struct{}, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnTurnComplete: func() { done <- struct{}{} },
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for turn complete")
	}
}

func TestUsageMetadata_Delivered(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"usageMetadata": map[string]any{
				"promptTokenCount":   120,
				"responseTokenCount": 45,
				"totalTokenCount":    165,
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	usageCh := make(chan live.Usage, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnUsage: func(u live.Usage) { usageCh <- u },
	})

	select {
	case u := <-usageCh:
		if u.PromptTokens != 120 || u.ResponseTokens != 45 || u.TotalTokens != 165 {
			t.Errorf("usage = %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for usage metadata")
	}
}

func TestMalformedFrame_ReportsProtocolError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))

		<-conn.CloseRead(context.Background()).Done()
	})

	errCh := make(chan error, 1)
	connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnError: func(err error) { errCh <- err },
	})

	select {
	case err := <-errCh:
		var lerr *live.Error
		if !errors.As(err, &lerr) || lerr.Kind != live.ErrProtocol {
			t.Errorf("error = %v; want *live.Error with ErrProtocol", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for protocol error")
	}
}

// ── TestClose ──────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	closeCount := make(chan string, 2)
	sess := connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{
		OnClose: func(reason string) { closeCount <- reason },
	})

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}

	select {
	case <-closeCount:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close callback")
	}
	select {
	case reason := <-closeCount:
		t.Errorf("OnClose fired twice (second reason %q)", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

// ── TestConcurrentSendAudio ────────────────────────────────────────────────────

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		for {
			_, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
		}
	})

	sess := connectReady(t, newProvider(srv), live.SessionConfig{}, live.Handlers{})

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = sess.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})
			}
		})
	}
	wg.Wait()
}
