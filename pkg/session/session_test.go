package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicehalo/agentline/pkg/audio"
)

// fakeConn is an in-memory Conn: writes are recorded, reads are fed from the
// inbound channel, and failRead injects a read error to simulate closure.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	code   websocket.StatusCode

	inbound  chan []byte
	readErr  chan error
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

// failWrites makes every subsequent Write return err.
func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) write(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

// failRead makes the next Read return err, as a closed channel would.
func (c *fakeConn) failRead(err error) { c.readErr <- err }

// push delivers an inbound gateway message.
func (c *fakeConn) push(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	c.inbound <- data
}

// fakeDialer scripts dial outcomes: each dial consumes the next entry of
// conns, or fails when the entry is nil or the list is exhausted.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i >= len(d.conns) || d.conns[i] == nil {
		return nil, errors.New("gateway unreachable")
	}
	return d.conns[i], nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConfig(d *fakeDialer) Config {
	return Config{
		GatewayURL:        "wss://gateway.test/stream",
		AccountSid:        "AC123",
		From:              "client-1",
		To:                "+15550100",
		Extra:             ExtraData{AgentID: "agent-9", AgentName: "Concierge", ClientID: "client-1", CallDirection: "outbound"},
		SettleDelay:       5 * time.Millisecond,
		CaptureRetryDelay: 25 * time.Millisecond,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		MaxReconnects:     5,
		Dial:              d.dial,
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func mediaEnvelope(samples []float32) envelope {
	return envelope{
		Event: eventMedia,
		Media: &mediaPayload{Payload: audio.EncodeFrame(samples)},
	}
}

func TestSession_ConnectSendsHandshake(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)
	waitCond(t, func() bool { return conn.writeCount() >= 1 })

	var msg envelope
	if err := json.Unmarshal(conn.write(0), &msg); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if msg.Event != eventStart {
		t.Errorf("event = %q, want %q", msg.Event, eventStart)
	}
	if msg.Start == nil {
		t.Fatal("handshake has no start payload")
	}
	if msg.Start.AccountSid != "AC123" {
		t.Errorf("accountSid = %q, want AC123", msg.Start.AccountSid)
	}
	if msg.Start.From != "client-1" || msg.Start.To != "+15550100" {
		t.Errorf("from/to = %q/%q", msg.Start.From, msg.Start.To)
	}
	if msg.Start.StreamSid == "" || msg.Start.StreamSid != s.StreamSid() {
		t.Errorf("streamSid = %q, session has %q", msg.Start.StreamSid, s.StreamSid())
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Start.ExtraData)
	if err != nil {
		t.Fatalf("extraData is not base64: %v", err)
	}
	var extra ExtraData
	if err := json.Unmarshal(raw, &extra); err != nil {
		t.Fatalf("extraData is not JSON: %v", err)
	}
	if extra.AgentID != "agent-9" || extra.CallDirection != "outbound" {
		t.Errorf("extra = %+v", extra)
	}
}

func TestSession_ConnectOnlyFromDisconnected(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	if err := s.Connect(context.Background()); !errors.Is(err, ErrNotDisconnected) {
		t.Errorf("second Connect err = %v, want ErrNotDisconnected", err)
	}
}

func TestSession_SendFrame(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	frame := audio.Frame{Samples: make([]int16, audio.FrameSamples)}

	// Before connect: dropped, not queued.
	if s.SendFrame(frame) {
		t.Error("SendFrame succeeded before connect")
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)
	waitCond(t, func() bool { return conn.writeCount() >= 1 }) // handshake

	if !s.SendFrame(frame) {
		t.Fatal("SendFrame failed while connected")
	}

	var msg envelope
	if err := json.Unmarshal(conn.write(1), &msg); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if msg.Event != eventMedia {
		t.Errorf("event = %q, want %q", msg.Event, eventMedia)
	}
	if msg.StreamSid != s.StreamSid() {
		t.Errorf("streamSid = %q, want %q", msg.StreamSid, s.StreamSid())
	}
	if msg.Media == nil {
		t.Fatal("media message has no payload")
	}
	samples, err := audio.DecodePayload(msg.Media.Payload)
	if err != nil {
		t.Fatalf("payload undecodable: %v", err)
	}
	if len(samples) != audio.FrameSamples {
		t.Errorf("payload has %d samples, want %d", len(samples), audio.FrameSamples)
	}

	stats := s.Stats()
	if stats.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", stats.FramesSent)
	}
	if stats.FramesDroppedNotReady != 1 {
		t.Errorf("FramesDroppedNotReady = %d, want 1", stats.FramesDroppedNotReady)
	}
}

func TestSession_SendFrameCountsWriteFailures(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)
	waitCond(t, func() bool { return conn.writeCount() >= 1 }) // handshake

	conn.failWrites(errors.New("broken pipe"))

	frame := audio.Frame{Samples: make([]int16, audio.FrameSamples)}
	if s.SendFrame(frame) {
		t.Error("SendFrame succeeded over a broken conn")
	}

	// Every offered frame lands in exactly one counter.
	stats := s.Stats()
	if stats.FramesSent != 0 {
		t.Errorf("FramesSent = %d, want 0", stats.FramesSent)
	}
	if stats.FramesDroppedNotReady != 1 {
		t.Errorf("FramesDroppedNotReady = %d, want 1", stats.FramesDroppedNotReady)
	}
}

func TestSession_InboundMedia(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	frames := make(chan audio.Frame, 4)
	s.OnMedia(func(f audio.Frame) { frames <- f })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	in := make([]float32, audio.FrameSamples)
	for i := range in {
		in[i] = 0.5
	}
	conn.push(t, mediaEnvelope(in))

	select {
	case f := <-frames:
		if len(f.Samples) != audio.FrameSamples {
			t.Errorf("frame has %d samples, want %d", len(f.Samples), audio.FrameSamples)
		}
		if f.Samples[0] != 16384 {
			t.Errorf("sample 0 = %d, want 16384", f.Samples[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no media frame delivered")
	}
}

func TestSession_ToleratesUnknownAndMalformedMessages(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	frames := make(chan audio.Frame, 4)
	s.OnMedia(func(f audio.Frame) { frames <- f })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	// Unknown event, malformed JSON, media without payload: all must be
	// swallowed without dropping the connection.
	conn.push(t, envelope{Event: "ping"})
	conn.inbound <- []byte("{not json")
	conn.push(t, envelope{Event: eventMedia})

	// A good frame after the garbage still arrives.
	conn.push(t, mediaEnvelope(make([]float32, audio.FrameSamples)))

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("media frame after garbage never arrived")
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}
}

func TestSession_PeerErrorIsInformational(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	peerErrs := make(chan string, 1)
	s.OnPeerError(func(msg string) { peerErrs <- msg })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	conn.push(t, envelope{Event: eventError, Message: "agent overloaded"})

	select {
	case msg := <-peerErrs:
		if msg != "agent overloaded" {
			t.Errorf("peer error = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer error never delivered")
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected after peer error", s.State())
	}
}

func TestSession_StartEventUpdatesStreamSid(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	conn.push(t, envelope{Event: eventStart, StreamSid: "gateway-sid-42"})
	waitCond(t, func() bool { return s.StreamSid() == "gateway-sid-42" })
}

func TestSession_NormalClosureEndsQuietly(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	conn.failRead(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "done"})
	waitState(t, s, StateDisconnected)

	// No reconnect follows a clean peer close.
	time.Sleep(20 * time.Millisecond)
	if s.Reconnecting() {
		t.Error("Reconnecting = true after normal closure")
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

func TestSession_BackoffDoublesThenGivesUp(t *testing.T) {
	t.Parallel()

	// Connect once, then every redial fails.
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	cfg := testConfig(d)
	cfg.MaxReconnects = 3
	s := New(cfg)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	conn.failRead(errors.New("connection reset"))

	// First failure schedules attempt 1 at the initial backoff.
	waitCond(t, func() bool { return s.Reconnecting() })
	if got := s.ReconnectAttempt(); got != 1 {
		t.Errorf("attempt = %d, want 1", got)
	}
	if got := s.NextReconnectDelay(); got != cfg.InitialBackoff {
		t.Errorf("delay = %v, want %v", got, cfg.InitialBackoff)
	}

	// Attempts 2 and 3 double the delay; the failure after attempt 3 goes
	// terminal.
	waitCond(t, func() bool { return s.ReconnectAttempt() == 2 })
	if got := s.NextReconnectDelay(); got != 2*cfg.InitialBackoff {
		t.Errorf("delay after attempt 2 = %v, want %v", got, 2*cfg.InitialBackoff)
	}

	waitCond(t, func() bool { return !s.Reconnecting() && s.State() == StateDisconnected && s.ReconnectAttempt() == 3 })

	reason := s.LastDisconnectReason()
	if want := ErrMaxReconnectExceeded.Error(); !strings.Contains(reason, want) {
		t.Errorf("reason = %q, want it to mention %q", reason, want)
	}

	// 1 initial dial + 3 reconnect attempts.
	if d.dialCount() != 4 {
		t.Errorf("dials = %d, want 4", d.dialCount())
	}

	// Terminal, not dead: a manual reconnect resets the counters and dials
	// again immediately.
	s.ManualReconnect()
	waitCond(t, func() bool { return s.ReconnectAttempt() < cfg.MaxReconnects })
	waitCond(t, func() bool { return d.dialCount() >= 5 })
	if got := s.NextReconnectDelay(); got > 2*cfg.InitialBackoff {
		t.Errorf("delay after manual reconnect = %v, want reset near %v", got, cfg.InitialBackoff)
	}
}

func TestSession_BackoffDelayIsCapped(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{} // every dial fails
	cfg := testConfig(d)
	cfg.InitialBackoff = 4 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	cfg.MaxReconnects = 5
	s := New(cfg)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// 4ms, 8ms, then capped at 10ms for attempts 3..5.
	waitCond(t, func() bool { return s.ReconnectAttempt() >= 3 })
	waitCond(t, func() bool { return s.NextReconnectDelay() == cfg.MaxBackoff })
}

func TestSession_DisconnectSendsStopAndIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)
	waitCond(t, func() bool { return conn.writeCount() >= 1 })

	sid := s.StreamSid()
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}

	var stop envelope
	if err := json.Unmarshal(conn.write(conn.writeCount()-1), &stop); err != nil {
		t.Fatalf("unmarshal stop: %v", err)
	}
	if stop.Event != eventStop {
		t.Errorf("last write event = %q, want %q", stop.Event, eventStop)
	}
	if stop.StreamSid != sid {
		t.Errorf("stop streamSid = %q, want %q", stop.StreamSid, sid)
	}

	conn.mu.Lock()
	closed, code := conn.closed, conn.code
	conn.mu.Unlock()
	if !closed || code != websocket.StatusNormalClosure {
		t.Errorf("conn closed=%v code=%v, want normal closure", closed, code)
	}

	// No reconnect after a manual disconnect.
	time.Sleep(20 * time.Millisecond)
	if s.Reconnecting() || d.dialCount() != 1 {
		t.Errorf("reconnecting=%v dials=%d after manual disconnect", s.Reconnecting(), d.dialCount())
	}
}

func TestSession_CaptureStartsAfterSettle(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	var calls atomic.Int32
	s.OnCaptureStart(func() error {
		calls.Add(1)
		return nil
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	waitCond(t, func() bool { return calls.Load() == 1 })

	// The retry check sees capture running and stays quiet.
	time.Sleep(40 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("capture start calls = %d, want 1", got)
	}
}

func TestSession_CaptureRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	s := New(testConfig(d))

	var calls atomic.Int32
	s.OnCaptureStart(func() error {
		if calls.Add(1) == 1 {
			return errors.New("device warming up")
		}
		return nil
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)

	waitCond(t, func() bool { return calls.Load() == 2 })
}

func TestSession_ReconnectRecoversMediaFlow(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	s := New(testConfig(d))

	frames := make(chan audio.Frame, 4)
	s.OnMedia(func(f audio.Frame) { frames <- f })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, StateConnected)
	firstSid := s.StreamSid()

	first.failRead(errors.New("connection reset"))

	// The automatic reconnect lands on the second conn with a new sid.
	waitCond(t, func() bool { return s.State() == StateConnected && d.dialCount() == 2 })
	if s.StreamSid() == firstSid {
		t.Error("stream sid not refreshed across reconnect")
	}
	if s.ReconnectAttempt() != 0 {
		t.Errorf("attempt = %d after successful reconnect, want 0", s.ReconnectAttempt())
	}

	second.push(t, mediaEnvelope(make([]float32, audio.FrameSamples)))
	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("media after reconnect never arrived")
	}

	// A stale message on the old conn must not reach callbacks.
	select {
	case f := <-frames:
		t.Fatalf("unexpected extra frame (%d samples)", len(f.Samples))
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_ContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{} // every dial fails
	s := New(testConfig(d))

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitCond(t, func() bool { return s.ReconnectAttempt() >= 1 })

	cancel()
	waitCond(t, func() bool { return s.State() == StateDisconnected && !s.Reconnecting() })

	dials := d.dialCount()
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != dials {
		t.Errorf("dials kept growing after cancel: %d -> %d", dials, d.dialCount())
	}
}

func TestExtraData_Encode(t *testing.T) {
	t.Parallel()

	e := ExtraData{AgentID: "a1", AgentName: "Helper", ClientID: "c1", CallDirection: "inbound"}
	blob, err := e.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("not base64: %v", err)
	}

	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	// The wire field names are fixed, including the capitalised direction key.
	for _, key := range []string{"agentId", "agentName", "clientId", "CallDirection"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing wire key %q in %v", key, m)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		State(99):         "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
