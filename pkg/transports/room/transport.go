package room

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/sona/pkg/frames"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	APIKey         string   `mapstructure:"api_key"`
	RTCPath        string   `mapstructure:"rtc_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Channels       int      `mapstructure:"channels"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.RTCPath == "" {
		c.RTCPath = "/rtc"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves a websocket endpoint that room participants connect to.
// Each connection carries JSON events: a join handshake, base64 PCM media,
// and a leave notice. Inbound events become frames on Recv; outbound audio
// frames are written back to the participant's socket as media events.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu           sync.Mutex
	sessions     map[string]*conn
	rooms        map[string]string
	participants map[string]string
	traceIDs     map[string]string
	occupants    map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:       make(chan frames.Frame, 512),
		sessions:     make(map[string]*conn),
		rooms:        make(map[string]string),
		participants: make(map[string]string),
		traceIDs:     make(map[string]string),
		occupants:    make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "room" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"rtc_url": t.rtcURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.RTCPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("room_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.sessions {
		_ = c.close()
	}
	t.sessions = make(map[string]*conn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !t.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var sessionID string
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "join":
			if evt.Join == nil || evt.Join.Room == "" {
				continue
			}
			sessionID = uuid.NewString()
			traceID := uuid.NewString()
			oldSession, oldConn := t.attach(sessionID, evt.Join.Room, evt.Join.Participant, traceID, ws)
			if oldConn != nil {
				_ = oldConn.close()
			}
			meta := map[string]string{
				frames.MetaSessionID:   sessionID,
				frames.MetaRoom:        evt.Join.Room,
				frames.MetaTraceID:     traceID,
				frames.MetaParticipant: evt.Join.Participant,
				frames.MetaSource:      "transport",
			}
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_start", meta))
			if oldSession != "" {
				reconnectMeta := t.metaForSession(sessionID)
				reconnectMeta[frames.MetaOldSessionID] = oldSession
				nonBlockingSend(t.recvCh, frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_reconnect", reconnectMeta))
			}
			_ = t.sendJoined(sessionID)
		case "media":
			if evt.Media == nil || sessionID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForSession(sessionID)
			meta[frames.MetaEncoding] = "linear16"
			meta[frames.MetaFormat] = "pcm_16000_1ch_16bit"
			af := frames.NewAudioFrame(sessionID, time.Now().UnixNano(), payload, t.cfg.SampleRate, t.cfg.Channels, meta)
			nonBlockingSend(t.recvCh, af)
		case "text":
			if evt.Text == nil || sessionID == "" || evt.Text.Content == "" {
				continue
			}
			meta := t.metaForSession(sessionID)
			meta[frames.MetaSource] = "stt"
			meta[frames.MetaIsFinal] = "true"
			nonBlockingSend(t.recvCh, frames.NewTextFrame(sessionID, time.Now().UnixNano(), evt.Text.Content, meta))
		case "leave":
			if sessionID == "" {
				return
			}
			meta := t.metaForSession(sessionID)
			reason := "completed"
			if evt.Leave != nil && evt.Leave.Reason != "" {
				reason = normalizeEndReason(evt.Leave.Reason)
			}
			meta[frames.MetaEndReason] = reason
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_end", meta))
			t.detach(sessionID)
			return
		}
	}
	if sessionID != "" {
		meta := t.metaForSession(sessionID)
		meta[frames.MetaEndReason] = normalizeEndReason("transport_closed")
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(sessionID, time.Now().UnixNano(), "session_end", meta))
		t.detach(sessionID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		sessionID := cf.Meta()[frames.MetaSessionID]
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendFallback(sessionID)
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.clearBuffer(sessionID)
		default:
			return nil
		}
	}
	if f.Kind() == frames.KindText {
		tf := f.(frames.TextFrame)
		sessionID := tf.Meta()[frames.MetaSessionID]
		c := t.session(sessionID)
		if c == nil {
			return nil
		}
		return c.enqueue(map[string]any{
			"event":     "transcript",
			"sessionId": sessionID,
			"text":      tf.Text(),
		})
	}
	if f.Kind() != frames.KindAudio {
		return nil
	}
	af := f.(frames.AudioFrame)
	sessionID := af.Meta()[frames.MetaSessionID]
	c := t.session(sessionID)
	if c == nil {
		return nil
	}
	payload := base64.StdEncoding.EncodeToString(af.RawPayload())
	msg := map[string]any{
		"event":     "media",
		"sessionId": sessionID,
		"media": map[string]any{
			"payload": payload,
		},
	}
	return c.enqueue(msg)
}

func (t *Transport) authorized(r *http.Request) bool {
	if t.cfg.APIKey == "" {
		return true
	}
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key == t.cfg.APIKey
}

func (t *Transport) rtcURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.RTCPath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.RTCPath
}

func (t *Transport) attach(sessionID, roomName, participant, traceID string, ws *websocket.Conn) (string, *conn) {
	c := &conn{
		ws:     ws,
		sendCh: make(chan []byte, 256),
	}
	occupantKey := roomName + "/" + participant
	var oldSession string
	var oldConn *conn
	t.mu.Lock()
	if existing := t.occupants[occupantKey]; existing != "" && existing != sessionID {
		oldSession = existing
		oldConn = t.sessions[existing]
		delete(t.sessions, existing)
		delete(t.rooms, existing)
		delete(t.participants, existing)
		delete(t.traceIDs, existing)
	}
	t.occupants[occupantKey] = sessionID
	t.sessions[sessionID] = c
	t.rooms[sessionID] = roomName
	t.participants[sessionID] = participant
	t.traceIDs[sessionID] = traceID
	t.mu.Unlock()
	go c.loop()
	return oldSession, oldConn
}

func (t *Transport) detach(sessionID string) {
	t.mu.Lock()
	c := t.sessions[sessionID]
	roomName := t.rooms[sessionID]
	participant := t.participants[sessionID]
	delete(t.sessions, sessionID)
	delete(t.rooms, sessionID)
	delete(t.participants, sessionID)
	delete(t.traceIDs, sessionID)
	occupantKey := roomName + "/" + participant
	if t.occupants[occupantKey] == sessionID {
		delete(t.occupants, occupantKey)
	}
	t.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}

func (t *Transport) session(sessionID string) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

func (t *Transport) metaForSession(sessionID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaSessionID: sessionID}
	if v := t.rooms[sessionID]; v != "" {
		meta[frames.MetaRoom] = v
	}
	if v := t.traceIDs[sessionID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.participants[sessionID]; v != "" {
		meta[frames.MetaParticipant] = v
	}
	return meta
}

func (t *Transport) sendJoined(sessionID string) error {
	c := t.session(sessionID)
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"event":     "joined",
		"sessionId": sessionID,
	})
}

func (t *Transport) clearBuffer(sessionID string) error {
	c := t.session(sessionID)
	if c == nil {
		return nil
	}
	return c.enqueue(map[string]any{
		"event":     "clear",
		"sessionId": sessionID,
	})
}

func (t *Transport) sendFallback(sessionID string) error {
	c := t.session(sessionID)
	if c == nil {
		return nil
	}
	for _, chunk := range fallbackPCMFrames() {
		payload := base64.StdEncoding.EncodeToString(chunk)
		msg := map[string]any{
			"event":     "media",
			"sessionId": sessionID,
			"media": map[string]any{
				"payload": payload,
			},
		}
		_ = c.enqueue(msg)
	}
	return nil
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "completed", "left", "hangup", "user_left":
		return "completed"
	case "kicked", "moderated":
		return "removed"
	case "failed", "error", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type conn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (c *conn) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *conn) loop() {
	for msg := range c.sendCh {
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *conn) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	return c.ws.Close()
}

type JoinEvent struct {
	Room        string `json:"room"`
	Participant string `json:"participant"`
}

type MediaEvent struct {
	Payload string `json:"payload"`
}

type TextEvent struct {
	Content string `json:"content"`
}

type LeaveEvent struct {
	Reason string `json:"reason"`
}

type Event struct {
	Event string      `json:"event"`
	Join  *JoinEvent  `json:"join,omitempty"`
	Media *MediaEvent `json:"media,omitempty"`
	Text  *TextEvent  `json:"text,omitempty"`
	Leave *LeaveEvent `json:"leave,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var fallbackPCMOnce sync.Once
var fallbackPCM [][]byte

// 16-bit silence, 20ms frames at 16kHz mono.
func fallbackPCMFrames() [][]byte {
	fallbackPCMOnce.Do(func() {
		silence := bytes.Repeat([]byte{0x00}, 640*5)
		for i := 0; i < len(silence); i += 640 {
			fallbackPCM = append(fallbackPCM, silence[i:i+640])
		}
	})
	return fallbackPCM
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
