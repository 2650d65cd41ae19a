package room

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
)

func TestSendStartInterruptionClearsBuffer(t *testing.T) {
	tr := New(Config{})
	c := &conn{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.sessions["sess-1"] = c
	tr.mu.Unlock()

	cf := frames.NewControlFrame("sess-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{
		frames.MetaSessionID: "sess-1",
	})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-c.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		evt, _ := payload["event"].(string)
		if evt != "clear" {
			t.Fatalf("expected clear event, got %q", evt)
		}
	default:
		t.Fatalf("expected clear event to be enqueued")
	}
}

func TestSendAudioEncodesMediaEvent(t *testing.T) {
	tr := New(Config{})
	c := &conn{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.sessions["sess-1"] = c
	tr.mu.Unlock()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	af := frames.NewAudioFrame("sess-1", time.Now().UnixNano(), pcm, 16000, 1, map[string]string{
		frames.MetaSessionID: "sess-1",
	})
	if err := tr.Send(af); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-c.sendCh:
		var payload struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload.Event != "media" {
			t.Fatalf("expected media event, got %q", payload.Event)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Media.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Fatalf("payload mismatch")
		}
	default:
		t.Fatalf("expected media event to be enqueued")
	}
}

func TestSendFallbackEmitsSilence(t *testing.T) {
	tr := New(Config{})
	c := &conn{sendCh: make(chan []byte, 16)}
	tr.mu.Lock()
	tr.sessions["sess-1"] = c
	tr.mu.Unlock()

	cf := frames.NewControlFrame("sess-1", time.Now().UnixNano(), frames.ControlFallback, map[string]string{
		frames.MetaSessionID: "sess-1",
	})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}
	if len(c.sendCh) != 5 {
		t.Fatalf("expected 5 silence frames, got %d", len(c.sendCh))
	}
}

func TestAPIKeyRequired(t *testing.T) {
	tr := New(Config{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/rtc", nil)
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	if !tr.authorized(httptest.NewRequest(http.MethodGet, "http://example.com/rtc?api_key=secret", nil)) {
		t.Fatalf("expected query api key to authorize")
	}
	good := httptest.NewRequest(http.MethodGet, "http://example.com/rtc", nil)
	good.Header.Set("X-Api-Key", "secret")
	if !tr.authorized(good) {
		t.Fatalf("expected header api key to authorize")
	}
}

func TestDrainingRejectsNewConnections(t *testing.T) {
	tr := New(Config{})
	tr.draining.Store(true)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/rtc", nil)
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestMetaForSessionCarriesRoomAndParticipant(t *testing.T) {
	tr := New(Config{})
	tr.mu.Lock()
	tr.rooms["sess-1"] = "lobby"
	tr.participants["sess-1"] = "harun"
	tr.traceIDs["sess-1"] = "trace-1"
	tr.mu.Unlock()

	meta := tr.metaForSession("sess-1")
	if meta[frames.MetaRoom] != "lobby" {
		t.Fatalf("expected room lobby, got %q", meta[frames.MetaRoom])
	}
	if meta[frames.MetaParticipant] != "harun" {
		t.Fatalf("expected participant harun, got %q", meta[frames.MetaParticipant])
	}
	if meta[frames.MetaTraceID] != "trace-1" {
		t.Fatalf("expected trace id trace-1, got %q", meta[frames.MetaTraceID])
	}
}

func TestNormalizeEndReason(t *testing.T) {
	cases := map[string]string{
		"":                 "completed",
		"hangup":           "completed",
		"kicked":           "removed",
		"transport_closed": "failed",
		"weird":            "unknown",
	}
	for in, want := range cases {
		if got := normalizeEndReason(in); got != want {
			t.Fatalf("normalizeEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}
