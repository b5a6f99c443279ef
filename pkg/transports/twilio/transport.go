// Package twilio is the telephony transport over Twilio media streams.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/errorsx"
	"github.com/sonara-ai/sonara/pkg/frames"
)

// Twilio media streams always run mulaw at 8kHz mono.
const streamSampleRate = 8000

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio media streams to the frame pipeline.
// Inbound mulaw payloads are transcoded to linear16 before they enter
// the pipeline; outbound PCM16 reply frames are transcoded back.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu          sync.Mutex
	calls       map[string]*wsSession // call id -> socket
	streamIDs   map[string]string     // call id -> stream sid
	traceIDs    map[string]string
	fromNumbers map[string]string

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
		recvCh:      make(chan frames.Frame, 512),
		calls:       make(map[string]*wsSession),
		streamIDs:   make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicHTTPURL(t.cfg.VoicePath),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
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
			slog.Error("twilio_transport_server_error", "error", err.Error())
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
	for _, sess := range t.calls {
		_ = sess.close()
	}
	t.calls = make(map[string]*wsSession)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP is the media stream websocket endpoint.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var callID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			callID = evt.Start.CallSID
			traceID := uuid.NewString()
			t.attach(callID, evt.Start.StreamID, traceID, evt.Start.From, conn)
			meta := t.metaForCall(callID)
			meta[frames.MetaSource] = "transport"
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallStart, meta))
		case "media":
			if evt.Media == nil || callID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForCall(callID)
			meta[frames.MetaEncoding] = "linear16"
			pcm := audio.DecodeMuLaw(payload)
			// Media frames die at classification, so they ride pooled
			// buffers the worker hands back after segmentation.
			nonBlockingSend(t.recvCh, frames.NewAudioFrameFromPool(callID, time.Now().UnixNano(), pcm, streamSampleRate, 1, meta))
		case "stop":
			reason := "completed"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			t.emitCallEnd(callID, reason)
			t.detach(callID)
			return
		}
	}
	if callID != "" {
		t.emitCallEnd(callID, "failed")
		t.detach(callID)
	}
}

// Send transcodes reply audio to mulaw and forwards it to the call's
// media stream. Cancel/flush control frames clear Twilio's playback
// buffer.
func (t *Transport) Send(f frames.Frame) error {
	callID := f.Meta()[frames.MetaCallID]
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlCancel, frames.ControlFlush:
			return t.clearBuffer(callID)
		default:
			return nil
		}
	}
	if f.Kind() != frames.KindAudio {
		return nil
	}
	af := f.(frames.AudioFrame)

	t.mu.Lock()
	sess := t.calls[callID]
	streamID := t.streamIDs[callID]
	t.mu.Unlock()
	if sess == nil || streamID == "" {
		return errorsx.Wrap(errors.New("twilio: no live stream for call"), errorsx.ReasonTransportSend)
	}

	mulaw := audio.EncodeMuLaw(af.RawPayload())
	msg := map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(mulaw),
		},
	}
	return sess.enqueue(msg)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<Response><Connect><Stream url="` + t.websocketURL(r) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// handleStatusCallback turns terminal call statuses into call_end
// frames, covering calls that drop without a clean stream stop.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if callID == "" || reason == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.emitCallEnd(callID, reason)
	t.detach(callID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) emitCallEnd(callID, reason string) {
	if callID == "" {
		return
	}
	meta := t.metaForCall(callID)
	meta[frames.MetaCallEndReason] = reason
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
}

func (t *Transport) attach(callID, streamID, traceID, from string, conn *websocket.Conn) {
	sess := &wsSession{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	t.mu.Lock()
	if old := t.calls[callID]; old != nil {
		_ = old.close()
	}
	t.calls[callID] = sess
	t.streamIDs[callID] = streamID
	t.traceIDs[callID] = traceID
	if from != "" {
		t.fromNumbers[callID] = from
	}
	t.mu.Unlock()
	go sess.loop()
}

func (t *Transport) detach(callID string) {
	t.mu.Lock()
	sess := t.calls[callID]
	delete(t.calls, callID)
	delete(t.streamIDs, callID)
	delete(t.traceIDs, callID)
	delete(t.fromNumbers, callID)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) metaForCall(callID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{}
	if v := t.streamIDs[callID]; v != "" {
		meta[frames.MetaStreamID] = v
	}
	if v := t.traceIDs[callID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[callID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

func (t *Transport) clearBuffer(callID string) error {
	t.mu.Lock()
	sess := t.calls[callID]
	streamID := t.streamIDs[callID]
	t.mu.Unlock()
	if sess == nil || streamID == "" {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
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
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
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

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// wsSession serializes outbound writes onto one media stream socket.
// The mutex covers the closed flag and the channel send so a Send
// racing detach never hits a closed channel.
type wsSession struct {
	conn   *websocket.Conn
	sendCh chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *wsSession) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Wrap(errors.New("twilio: stream closed"), errorsx.ReasonTransportSend)
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *wsSession) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *wsSession) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// StreamEvent is the Twilio media stream websocket message envelope.
type StreamEvent struct {
	Event string      `json:"event"`
	Start *StartEvent `json:"start,omitempty"`
	Media *MediaEvent `json:"media,omitempty"`
	Stop  *StopEvent  `json:"stop,omitempty"`
}

type StartEvent struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type MediaEvent struct {
	Payload string `json:"payload"`
}

type StopEvent struct {
	Reason string `json:"reason"`
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
