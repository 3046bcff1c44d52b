// Package controller wires one voice call together: the capture pipeline,
// the transport session, the playback scheduler, and the speech-activity
// monitor. A Controller owns all four for the lifetime of a single call and
// tears them down together — the microphone source, the output sink, the
// socket and every timer belong to exactly one Controller, so two instances
// never share state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicehalo/agentline/internal/observe"
	"github.com/voicehalo/agentline/pkg/audio"
	"github.com/voicehalo/agentline/pkg/playback"
	"github.com/voicehalo/agentline/pkg/session"
	"github.com/voicehalo/agentline/pkg/vad"
)

// errCallEnded cancels the run group when the session ends terminally. It is
// the group's shutdown signal, not a failure, and never escapes Run.
var errCallEnded = errors.New("call ended")

// Config assembles the collaborators of one call.
type Config struct {
	// Session configures the transport session (gateway URL, handshake
	// identifiers, reconnect policy).
	Session session.Config

	// Source is the capture input device.
	Source audio.Source

	// Sink receives scheduled agent audio. Nil discards playback.
	Sink playback.Sink

	// Metrics overrides the metric instruments. Nil uses
	// observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Status is a point-in-time snapshot of the call for display.
type Status struct {
	Connection       session.State
	Reconnecting     bool
	ReconnectAttempt int
	ReconnectDelay   time.Duration
	DisconnectReason string
	Speech           vad.SpeechState
	FramesSent       int64
	FramesDropped    int64
	QueueLen         int
}

// Controller runs one call end to end. Create with [New], then call
// [Controller.Run]; Run blocks until the call ends and releases everything
// the controller acquired. A Controller is single-use.
type Controller struct {
	sess     *session.Session
	pipeline *audio.Pipeline
	queue    *playback.Queue
	sched    *playback.Scheduler
	monitor  *vad.Monitor
	metrics  *observe.Metrics

	mu          sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	terminal    chan struct{} // closed when the session ends for good
	termOnce    sync.Once
	closeOnce   sync.Once
	lastAttempt int
	dialedAt    time.Time
	wasOpen     bool
}

// New creates a controller and wires its collaborators. No resource is
// acquired until [Controller.Run].
func New(cfg Config) *Controller {
	sink := cfg.Sink
	if sink == nil {
		sink = playback.Discard{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	queue := playback.NewQueue(playback.DefaultCapacity)
	c := &Controller{
		sess:     session.New(cfg.Session),
		pipeline: audio.NewPipeline(cfg.Source),
		queue:    queue,
		sched:    playback.NewScheduler(queue, sink),
		monitor:  vad.NewMonitor(),
		metrics:  metrics,
		terminal: make(chan struct{}),
	}

	c.sched.OnIdle(c.monitor.PlaybackIdle)

	c.sess.OnMedia(func(f audio.Frame) {
		metrics.FramesReceived.Add(context.Background(), 1)
		c.sched.Enqueue(f)
		c.monitor.MediaArrived()
	})
	c.sess.OnPeerError(func(msg string) {
		metrics.PeerErrors.Add(context.Background(), 1)
		slog.Warn("gateway error surfaced to user", "message", msg)
	})
	c.sess.OnCaptureStart(func() error {
		c.mu.Lock()
		ctx := c.runCtx
		c.mu.Unlock()
		if ctx == nil {
			return fmt.Errorf("controller: capture start before run")
		}
		return c.pipeline.Start(ctx)
	})
	c.sess.OnState(c.observeState)

	return c
}

// Session exposes the underlying session for manual reconnect affordances.
func (c *Controller) Session() *session.Session { return c.sess }

// Status returns a snapshot of the call for display.
func (c *Controller) Status() Status {
	stats := c.sess.Stats()
	return Status{
		Connection:       c.sess.State(),
		Reconnecting:     c.sess.Reconnecting(),
		ReconnectAttempt: c.sess.ReconnectAttempt(),
		ReconnectDelay:   c.sess.NextReconnectDelay(),
		DisconnectReason: c.sess.LastDisconnectReason(),
		Speech:           c.monitor.State(),
		FramesSent:       stats.FramesSent,
		FramesDropped:    stats.FramesDroppedNotReady,
		QueueLen:         c.queue.Len(),
	}
}

// Run connects the session and pumps captured audio until ctx is cancelled
// or the session ends terminally (manual disconnect, peer closure, or
// reconnect exhaustion). All resources are released before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx = runCtx
	c.cancel = cancel
	c.dialedAt = time.Now()
	c.mu.Unlock()
	defer c.Close()

	ctx, span := observe.StartSpan(runCtx, "call")
	defer span.End()

	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.Background(), -1)

	if err := c.sess.Connect(runCtx); err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.sendLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-c.terminal:
			return errCallEnded
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errCallEnded) {
		err = nil
	}
	observe.FailSpan(span, err)
	return err
}

// Close releases everything the controller owns: capture device, transport,
// playback timers, and monitor timers. Safe to call repeatedly; Run calls it
// on exit.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if err := c.pipeline.Stop(); err != nil {
			slog.Warn("capture stop failed", "err", err)
		}
		_ = c.sess.Disconnect()
		c.sched.Close()
		c.monitor.Close()
		c.flushDropCounters()

		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// sendLoop forwards captured frames to the session in capture order and
// feeds the speech monitor. It never blocks on the transport: a not-ready
// session drops the frame by contract.
func (c *Controller) sendLoop(ctx context.Context) error {
	frames := c.pipeline.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			c.monitor.ObserveEnergy(vad.Energy(f.Samples))
			if c.sess.SendFrame(f) {
				c.metrics.FramesSent.Add(ctx, 1)
			} else {
				c.metrics.RecordFrameDrop(ctx, "not_ready", 1)
			}
		}
	}
}

// observeState tracks session transitions for metrics and decides when the
// call is over for good.
func (c *Controller) observeState(st session.State) {
	ctx := context.Background()

	c.mu.Lock()
	switch st {
	case session.StateConnected:
		if !c.wasOpen {
			c.wasOpen = true
			c.metrics.HandshakeDuration.Record(ctx, time.Since(c.dialedAt).Seconds())
		}
	case session.StateDisconnected:
		if attempt := c.sess.ReconnectAttempt(); attempt > c.lastAttempt {
			c.metrics.ReconnectAttempts.Add(ctx, int64(attempt-c.lastAttempt))
			c.lastAttempt = attempt
		}
	}
	c.mu.Unlock()

	slog.Debug("session state", "state", st.String())

	if st == session.StateDisconnected && !c.sess.Reconnecting() {
		c.termOnce.Do(func() { close(c.terminal) })
	}
}

// flushDropCounters publishes the counters that are sampled rather than
// incremented inline.
func (c *Controller) flushDropCounters() {
	ctx := context.Background()
	if n := c.queue.Dropped(); n > 0 {
		c.metrics.RecordFrameDrop(ctx, "queue_overflow", n)
	}
	if n := c.pipeline.Dropped(); n > 0 {
		c.metrics.RecordFrameDrop(ctx, "capture_backpressure", n)
	}
	if n := c.sched.Starts(); n > 0 {
		c.metrics.PlaybackStarts.Add(ctx, n)
	}
}
