// Command agentline places a live voice call to an AI agent from the
// terminal: it resolves the agent in the directory, opens a media-stream
// session to the gateway, streams a local PCM input as the microphone, and
// records the agent's audio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicehalo/agentline/internal/config"
	"github.com/voicehalo/agentline/internal/controller"
	"github.com/voicehalo/agentline/internal/directory"
	"github.com/voicehalo/agentline/internal/health"
	"github.com/voicehalo/agentline/internal/observe"
	"github.com/voicehalo/agentline/pkg/audio/pcmstream"
	"github.com/voicehalo/agentline/pkg/playback"
	"github.com/voicehalo/agentline/pkg/session"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	agentID := flag.String("agent", "", "id of the agent to call (required)")
	direction := flag.String("direction", "outbound", "call direction reported in the handshake")
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "agentline: -agent is required")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agentline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agentline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("agentline starting",
		"version", version,
		"config", *configPath,
		"gateway", cfg.Gateway.URL,
		"agent", *agentID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.Config{
		ServiceName:    "agentline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Agent directory lookup ────────────────────────────────────────────────
	var dir *directory.Client
	agent := &directory.Agent{ID: *agentID, AgentName: *agentID, AccountSid: cfg.Gateway.AccountSid}
	if cfg.Directory.BaseURL != "" {
		dir, err = directory.New(cfg.Directory.BaseURL,
			directory.WithAPIKey(cfg.Directory.APIKey),
			directory.WithTimeout(cfg.Directory.Timeout),
		)
		if err != nil {
			slog.Error("failed to create directory client", "err", err)
			return 1
		}
		agent, err = dir.Agent(ctx, *agentID)
		if err != nil {
			slog.Error("failed to resolve agent", "agent", *agentID, "err", err)
			return 1
		}
		slog.Info("agent resolved",
			"name", agent.AgentName,
			"category", agent.Category,
			"language", agent.Language,
		)
	}

	// ── Diagnostics listener (optional) ───────────────────────────────────────
	if cfg.Diagnostics.ListenAddr != "" {
		go serveDiagnostics(ctx, cfg.Diagnostics.ListenAddr, dir)
	}

	// ── Audio endpoints ───────────────────────────────────────────────────────
	input, err := openInput(cfg.Audio.InputPCM)
	if err != nil {
		slog.Error("failed to open capture input", "err", err)
		return 1
	}
	if closer, ok := input.(io.Closer); ok {
		defer closer.Close()
	}

	var sink playback.Sink = playback.Discard{}
	if cfg.Audio.OutputPCM != "" {
		out, err := os.Create(cfg.Audio.OutputPCM)
		if err != nil {
			slog.Error("failed to create playback output", "path", cfg.Audio.OutputPCM, "err", err)
			return 1
		}
		defer out.Close()
		sink = playback.NewWriterSink(out)
	}

	// ── Place the call ────────────────────────────────────────────────────────
	accountSid := agent.AccountSid
	if accountSid == "" {
		accountSid = cfg.Gateway.AccountSid
	}
	ctl := controller.New(controller.Config{
		Session: session.Config{
			GatewayURL: cfg.Gateway.URL,
			AccountSid: accountSid,
			From:       cfg.Client.ID,
			To:         agent.CallerID,
			Extra: session.ExtraData{
				AgentID:       agent.ID,
				AgentName:     agent.AgentName,
				ClientID:      cfg.Client.ID,
				CallDirection: *direction,
			},
			ConnectTimeout: cfg.Gateway.ConnectTimeout,
			MaxReconnects:  cfg.Gateway.MaxReconnects,
			InitialBackoff: cfg.Gateway.InitialBackoff,
			MaxBackoff:     cfg.Gateway.MaxBackoff,
		},
		Source: pcmstream.New(input, cfg.Audio.InputSampleRate),
		Sink:   sink,
	})

	go reportStatus(ctx, ctl)

	slog.Info("call starting — press Ctrl+C to hang up")
	if err := ctl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("call error", "err", err)
		return 1
	}

	if reason := ctl.Status().DisconnectReason; reason != "" {
		slog.Info("call ended", "reason", reason)
	} else {
		slog.Info("call ended")
	}
	return 0
}

// openInput resolves the configured capture path: "-" means stdin.
func openInput(path string) (io.Reader, error) {
	if path == "" || path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	return f, nil
}

// reportStatus periodically logs a one-line call summary so the operator can
// follow the conversation state from the terminal.
func reportStatus(ctx context.Context, ctl *controller.Controller) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var last controller.Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := ctl.Status()
		if st == last {
			continue
		}
		last = st
		slog.Info("call status",
			"connection", st.Connection.String(),
			"speech", st.Speech.String(),
			"sent", st.FramesSent,
			"dropped", st.FramesDropped,
			"queue", st.QueueLen,
			"reconnecting", st.Reconnecting,
		)
		if st.Reconnecting {
			slog.Info("reconnect pending",
				"attempt", st.ReconnectAttempt,
				"next_delay", st.ReconnectDelay,
			)
		}
	}
}

// serveDiagnostics runs the /metrics, /healthz and /readyz listener until
// ctx is cancelled.
func serveDiagnostics(ctx context.Context, addr string, dir *directory.Client) {
	checkers := []health.Checker{}
	if dir != nil {
		checkers = append(checkers, health.Checker{Name: "directory", Check: dir.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Instrument(observe.DefaultMetrics(), mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("diagnostics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("diagnostics server error", "err", err)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
