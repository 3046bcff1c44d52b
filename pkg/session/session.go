// Package session owns the duplex connection to the voice-agent gateway: the
// start handshake, media exchange, and the reconnect state machine.
//
// A Session moves between three states:
//
//	disconnected → connecting → connected → disconnected (and back)
//
// with an additional reconnecting flag while an automatic retry is pending.
// All failures after Connect returns are reported through state transitions
// and log entries, never as synchronous errors — the channel is asynchronous
// and so is its failure surface.
//
// Audio leaves through [Session.SendFrame] and arrives through the OnMedia
// callback. Frames offered before the channel is open and the handshake has
// assigned a stream id are counted and dropped; there is deliberately no
// pre-connect outbound buffer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicehalo/agentline/pkg/audio"
)

// Default tuning values, overridable via [Config].
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultSettleDelay       = 1 * time.Second
	DefaultCaptureRetryDelay = 3 * time.Second
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxReconnects     = 5
)

// State is the logical connection state of a [Session].
type State int

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the channel is open and media may flow.
	StateConnected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is the minimal duplex channel a Session operates on. The production
// implementation wraps a *websocket.Conn; tests supply fakes.
type Conn interface {
	// Read returns the next complete message. On closure it returns an error
	// from which a close status can be derived via websocket.CloseStatus.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one complete text message.
	Write(ctx context.Context, data []byte) error

	// Close closes the channel with the given status code.
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes a Conn to the gateway. Overridable for tests.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial is the production DialFunc using coder/websocket.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}
	return wsConn{c}, nil
}

type wsConn struct{ c *websocket.Conn }

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// Config holds the immutable parameters of a Session.
type Config struct {
	// GatewayURL is the WebSocket endpoint of the voice-agent gateway.
	GatewayURL string

	// AccountSid, From and To populate the start handshake.
	AccountSid string
	From       string
	To         string

	// Extra is embedded base64-encoded in the handshake.
	Extra ExtraData

	// ConnectTimeout bounds channel establishment. Default 10s.
	ConnectTimeout time.Duration

	// SettleDelay is how long after the channel opens before capture is asked
	// to start. Default 1s.
	SettleDelay time.Duration

	// CaptureRetryDelay is when the capture start is re-checked and retried
	// if it did not succeed. Default 3s.
	CaptureRetryDelay time.Duration

	// InitialBackoff is the first automatic reconnect delay; it doubles each
	// attempt up to MaxBackoff. Defaults 1s / 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxReconnects is the number of automatic reconnect attempts before the
	// session goes terminal. Default 5.
	MaxReconnects int

	// Dial overrides the transport dialer. Default [Dial].
	Dial DialFunc
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.CaptureRetryDelay <= 0 {
		c.CaptureRetryDelay = DefaultCaptureRetryDelay
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Dial == nil {
		c.Dial = Dial
	}
}

// Stats is a snapshot of outbound frame accounting.
type Stats struct {
	// FramesSent counts media messages written to an open channel.
	FramesSent int64

	// FramesDroppedNotReady counts frames offered while the channel was not
	// open or the stream id was not yet assigned. Dropping here is the
	// contract, not a defect.
	FramesDroppedNotReady int64
}

// Session is one end-to-end voice-call attempt. Create with [New], register
// callbacks, then call [Session.Connect]. A Session must not be shared
// between calls; construct a fresh one per call and discard it afterwards.
//
// All exported methods are safe for concurrent use.
type Session struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      Conn
	ctx       context.Context // lifetime of the current call, set by Connect
	streamSid string

	manualClose  bool
	reconnecting bool
	attempt      int
	nextDelay    time.Duration
	lastReason   string

	// gen invalidates callbacks from a previous connection: timers and read
	// loops capture the generation they belong to and bail when it changes.
	gen uint64

	reconnectTimer *time.Timer
	settleTimer    *time.Timer
	retryTimer     *time.Timer

	captureStarted bool
	startCapture   func() error

	onState     func(State)
	onMedia     func(audio.Frame)
	onPeerError func(string)

	framesSent    atomic.Int64
	framesDropped atomic.Int64
}

// New creates a Session in the disconnected state.
func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:       cfg,
		nextDelay: cfg.InitialBackoff,
	}
}

// OnState registers cb for logical state changes. Subsequent calls replace
// the previous registration. The callback runs on internal goroutines and
// must not block.
func (s *Session) OnState(cb func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = cb
}

// OnMedia registers cb for decoded inbound audio frames, invoked in arrival
// order.
func (s *Session) OnMedia(cb func(audio.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMedia = cb
}

// OnPeerError registers cb for peer-reported error events. These are
// informational and never terminate the transport.
func (s *Session) OnPeerError(cb func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeerError = cb
}

// OnCaptureStart registers the function invoked after the settle delay to
// begin audio capture. It is retried once at the capture-retry delay if the
// first invocation returned an error.
func (s *Session) OnCaptureStart(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCapture = fn
}

// State returns the current logical connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnecting reports whether an automatic retry is pending or in flight.
func (s *Session) Reconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// StreamSid returns the current stream identifier, empty before the first
// successful connect.
func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// ReconnectAttempt returns the number of consecutive automatic reconnect
// attempts made since the last healthy connection.
func (s *Session) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// NextReconnectDelay returns the backoff delay the next automatic attempt
// will wait.
func (s *Session) NextReconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelay
}

// LastDisconnectReason returns a human-readable reason for the most recent
// disconnect, empty while the session has not yet failed.
func (s *Session) LastDisconnectReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// Stats returns a snapshot of outbound frame accounting.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:            s.framesSent.Load(),
		FramesDroppedNotReady: s.framesDropped.Load(),
	}
}

// Connect begins establishing the channel. Only valid from the disconnected
// state. The method registers the work and returns immediately; the outcome
// is observable via OnState, [Session.State] and
// [Session.LastDisconnectReason]. ctx governs the lifetime of the whole call
// including automatic reconnects.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.reconnecting {
		s.mu.Unlock()
		return ErrNotDisconnected
	}
	s.ctx = ctx
	s.manualClose = false
	s.attempt = 0
	s.nextDelay = s.cfg.InitialBackoff
	s.lastReason = ""
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyState(StateConnecting)
	go s.attemptConnect()
	return nil
}

// Disconnect manually tears the session down: a best-effort stop message, a
// normal closure, and cancellation of every pending timer. No automatic
// reconnect follows a manual disconnect. Safe to call repeatedly and at any
// time.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected && !s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.manualClose = true
	s.reconnecting = false
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	sid := s.streamSid
	s.state = StateDisconnected
	s.lastReason = "manual disconnect"
	s.captureStarted = false
	s.mu.Unlock()

	if conn != nil {
		if data, err := json.Marshal(envelope{Event: eventStop, StreamSid: sid}); err == nil {
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = conn.Write(wctx, data)
			cancel()
		}
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	slog.Info("session disconnected", "stream_sid", sid)
	s.notifyState(StateDisconnected)
	return nil
}

// ManualReconnect resets the attempt counter and backoff, force-closes any
// stale channel, and dials again. Always available regardless of the current
// backoff state.
func (s *Session) ManualReconnect() {
	s.mu.Lock()
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	s.manualClose = false
	s.reconnecting = false
	s.attempt = 0
	s.nextDelay = s.cfg.InitialBackoff
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.captureStarted = false
	s.state = StateConnecting
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "manual reconnect")
	}

	slog.Info("manual reconnect requested")
	s.notifyState(StateConnecting)
	go s.attemptConnect()
}

// SendFrame offers one captured frame for transmission. When the channel is
// open and the handshake has assigned a stream id, the frame is encoded and
// written; otherwise it is counted and dropped. The return value reports
// whether the frame was written.
func (s *Session) SendFrame(frame audio.Frame) bool {
	s.mu.Lock()
	conn := s.conn
	sid := s.streamSid
	ready := s.state == StateConnected && conn != nil && sid != ""
	ctx := s.ctx
	s.mu.Unlock()

	if !ready {
		s.framesDropped.Add(1)
		return false
	}

	msg := envelope{
		Event:     eventMedia,
		StreamSid: sid,
		Media:     &mediaPayload{Payload: audio.EncodeFrame(audio.FrameToFloat32(frame))},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.framesDropped.Add(1)
		slog.Debug("media encode failed", "err", err)
		return false
	}
	if err := conn.Write(ctx, data); err != nil {
		// The read loop will observe the closure and drive reconnection.
		s.framesDropped.Add(1)
		slog.Debug("media write failed", "err", err)
		return false
	}
	s.framesSent.Add(1)
	return true
}

// ── connection establishment ──────────────────────────────────────────────────

func (s *Session) attemptConnect() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.cfg.Dial(dialCtx, s.cfg.GatewayURL)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// The call itself was cancelled; do not retry.
			s.mu.Lock()
			s.state = StateDisconnected
			s.reconnecting = false
			s.lastReason = "call cancelled"
			s.stopTimersLocked()
			s.mu.Unlock()
			s.notifyState(StateDisconnected)
			return
		}
		reason := fmt.Sprintf("connect failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ErrConnectionTimeout.Error()
		}
		slog.Warn("session connect failed", "url", s.cfg.GatewayURL, "err", err)
		s.handleFailure(reason)
		return
	}

	s.mu.Lock()
	if s.manualClose || ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		return
	}
	s.conn = conn
	s.state = StateConnected
	s.reconnecting = false
	s.attempt = 0
	s.nextDelay = s.cfg.InitialBackoff
	s.streamSid = uuid.NewString()
	s.captureStarted = false
	s.gen++
	gen := s.gen
	sid := s.streamSid

	// Capture starts after a short settle; a second delayed check retries it
	// in case the first attempt failed (device warm-up and the like).
	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() { s.tryStartCapture(gen, false) })
	s.retryTimer = time.AfterFunc(s.cfg.CaptureRetryDelay, func() { s.tryStartCapture(gen, true) })
	s.mu.Unlock()

	slog.Info("session connected", "stream_sid", sid)
	s.notifyState(StateConnected)

	if err := s.sendStart(ctx, conn, sid); err != nil {
		slog.Warn("start handshake failed", "err", err)
	}

	go s.readLoop(ctx, conn, gen)
}

// sendStart writes the handshake message carrying caller/callee identifiers
// and the opaque extra data blob.
func (s *Session) sendStart(ctx context.Context, conn Conn, sid string) error {
	extra, err := s.cfg.Extra.encode()
	if err != nil {
		return err
	}
	msg := envelope{
		Event:     eventStart,
		StreamSid: sid,
		Start: &startPayload{
			AccountSid: s.cfg.AccountSid,
			StreamSid:  sid,
			From:       s.cfg.From,
			To:         s.cfg.To,
			ExtraData:  extra,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal start: %w", err)
	}
	return conn.Write(ctx, data)
}

func (s *Session) tryStartCapture(gen uint64, isRetry bool) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected || s.startCapture == nil {
		s.mu.Unlock()
		return
	}
	if isRetry && s.captureStarted {
		s.mu.Unlock()
		return
	}
	fn := s.startCapture
	s.mu.Unlock()

	if err := fn(); err != nil {
		slog.Warn("capture start failed", "retry", isRetry, "err", err)
		return
	}

	s.mu.Lock()
	if s.gen == gen {
		s.captureStarted = true
	}
	s.mu.Unlock()
}

// ── inbound path ──────────────────────────────────────────────────────────────

func (s *Session) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.handleClosed(gen, err)
			return
		}
		s.dispatch(gen, data)
	}
}

// dispatch handles one inbound message. Malformed payloads and unrecognised
// events are logged and dropped; nothing inbound can crash the session.
func (s *Session) dispatch(gen uint64, data []byte) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	onMedia := s.onMedia
	onPeerError := s.onPeerError
	s.mu.Unlock()

	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed gateway message dropped", "err", err)
		return
	}

	switch msg.Event {
	case eventConnected:
		slog.Debug("gateway acknowledged session")

	case eventStart:
		sid := msg.StreamSid
		if sid == "" && msg.Start != nil {
			sid = msg.Start.StreamSid
		}
		if sid == "" {
			slog.Warn("start event without stream id dropped")
			return
		}
		s.mu.Lock()
		if s.gen == gen {
			s.streamSid = sid
		}
		s.mu.Unlock()
		slog.Debug("gateway assigned stream id", "stream_sid", sid)

	case eventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			slog.Warn("media event without payload dropped")
			return
		}
		samples, err := audio.DecodePayload(msg.Media.Payload)
		if err != nil {
			slog.Warn("undecodable media payload dropped", "err", err)
			return
		}
		if onMedia != nil {
			onMedia(audio.Frame{Samples: audio.Float32ToSamples(samples), CapturedAt: time.Now()})
		}

	case eventStop:
		// Informational: the peer ended its side. Local teardown stays with
		// the caller.
		slog.Info("gateway signalled stop")

	case eventError:
		slog.Warn("gateway reported error", "message", msg.Message)
		if onPeerError != nil {
			onPeerError(msg.Message)
		}

	default:
		slog.Debug("ignoring unrecognised gateway event", "event", msg.Event)
	}
}

// ── closure and reconnection ──────────────────────────────────────────────────

// handleClosed classifies a read-loop exit. Normal and going-away closures
// end the session quietly; anything else feeds the reconnect policy.
func (s *Session) handleClosed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.manualClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		s.mu.Lock()
		s.state = StateDisconnected
		s.conn = nil
		s.lastReason = fmt.Sprintf("closed by peer (%v)", status)
		s.stopTimersLocked()
		s.mu.Unlock()
		slog.Info("session closed by peer", "status", status)
		s.notifyState(StateDisconnected)
		return
	}

	reason := fmt.Sprintf("abnormal closure: %v", err)
	slog.Warn("session lost", "err", err)
	s.handleFailure(reason)
}

// handleFailure records the failure and either schedules the next automatic
// reconnect attempt or goes terminal when attempts are exhausted.
func (s *Session) handleFailure(reason string) {
	s.mu.Lock()
	if s.manualClose {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusInternalError, "reconnecting")
		s.conn = nil
	}
	s.stopTimersLocked()
	s.state = StateDisconnected
	s.lastReason = reason

	if s.attempt >= s.cfg.MaxReconnects {
		s.reconnecting = false
		s.lastReason = fmt.Sprintf("%s; %s", reason, ErrMaxReconnectExceeded)
		s.mu.Unlock()
		slog.Error("giving up on automatic reconnection",
			"attempts", s.cfg.MaxReconnects,
			"reason", reason,
		)
		s.notifyState(StateDisconnected)
		return
	}

	s.attempt++
	delay := s.cfg.InitialBackoff << (s.attempt - 1)
	if delay > s.cfg.MaxBackoff {
		delay = s.cfg.MaxBackoff
	}
	s.nextDelay = delay
	s.reconnecting = true
	gen := s.gen
	attempt := s.attempt
	s.reconnectTimer = time.AfterFunc(delay, func() { s.fireReconnect(gen) })
	s.mu.Unlock()

	slog.Info("scheduling reconnect",
		"attempt", attempt,
		"max_attempts", s.cfg.MaxReconnects,
		"delay", delay,
	)
	s.notifyState(StateDisconnected)
}

func (s *Session) fireReconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.manualClose || !s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyState(StateConnecting)
	s.attemptConnect()
}

// stopTimersLocked cancels every pending timer. Caller holds s.mu.
func (s *Session) stopTimersLocked() {
	for _, t := range []*time.Timer{s.reconnectTimer, s.settleTimer, s.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.reconnectTimer, s.settleTimer, s.retryTimer = nil, nil, nil
}

func (s *Session) notifyState(state State) {
	s.mu.Lock()
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}
