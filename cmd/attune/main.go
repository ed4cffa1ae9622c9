// Command attune is a terminal voice client for speech-to-speech AI models.
// It captures microphone audio through an energy-based VAD gate, streams it
// to a remote speech model, and plays the synthesised replies with barge-in
// interruption, printing the conversation transcript as it goes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/attune-voice/attune/internal/capture"
	"github.com/attune-voice/attune/internal/client"
	"github.com/attune-voice/attune/internal/config"
	"github.com/attune-voice/attune/internal/observe"
	"github.com/attune-voice/attune/internal/tools"
	"github.com/attune-voice/attune/internal/transcript"
	"github.com/attune-voice/attune/pkg/audio/miniaudio"
	"github.com/attune-voice/attune/pkg/transport"
	"github.com/attune-voice/attune/pkg/transport/gemini"
	"github.com/attune-voice/attune/pkg/transport/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "attune.yaml", "path to the YAML configuration file")
	muted := flag.Bool("muted", false, "start with the microphone muted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attune: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("attune starting", "version", version, "provider", cfg.Provider.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	engine, err := miniaudio.NewEngine()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer engine.Close()

	dialer, err := buildDialer(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	var toolHandler client.ToolHandler
	var toolDefs []transport.ToolDefinition
	if cfg.Tools.WorkspaceDir != "" {
		exec, err := tools.NewExecutor(tools.Config{
			BaseDir:   cfg.Tools.WorkspaceDir,
			AllowExec: cfg.Tools.AllowExec,
		})
		if err != nil {
			slog.Error("failed to set up tools", "err", err)
			return 1
		}
		toolHandler = exec
		toolDefs = exec.Definitions()
		slog.Info("tools enabled", "workspace", cfg.Tools.WorkspaceDir, "exec", cfg.Tools.AllowExec)
	}

	c, err := client.New(client.Config{
		Dialer:  dialer,
		Devices: &miniaudioDevices{engine: engine},
		Session: transport.SessionConfig{
			SampleRate:   16000,
			Voice:        cfg.Provider.Voice,
			Instructions: cfg.Provider.Instructions,
			Tools:        toolDefs,
		},
		Capture: capture.Config{
			SilenceThreshold: cfg.Capture.SilenceThreshold,
			HangoverFrames:   cfg.Capture.HangoverFrames,
			PreRoll:          time.Duration(cfg.Capture.PreRollMs) * time.Millisecond,
			FrameDuration:    time.Duration(cfg.Capture.FrameMs) * time.Millisecond,
		},
		Lead:          time.Duration(cfg.Playback.LeadMs) * time.Millisecond,
		MeterInterval: time.Duration(cfg.Meter.IntervalMs) * time.Millisecond,
		Tools:         toolHandler,
		OnTurn:        printTurn,
		OnError: func(err error) {
			slog.Warn("session error", "err", err)
		},
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to build client", "err", err)
		return 1
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = c.Connect(connectCtx)
	cancel()
	if err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}
	defer c.Disconnect()

	c.SetMuted(*muted)
	c.SetOutputVolume(cfg.Playback.Volume)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.ListenAddr != "" {
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux()}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(closeCtx)
		})
	}

	slog.Info("connected — speak, press Ctrl+C to hang up")
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping")
	if err := c.Disconnect(); err != nil {
		slog.Warn("disconnect error", "err", err)
	}
	if err := g.Wait(); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// printTurn writes one finalized conversation turn to stdout.
func printTurn(t transcript.Turn) {
	fmt.Printf("[%s] %s: %s\n", t.At.Format("15:04:05"), t.Speaker, t.Text)
}

// newLogger builds a text slog handler on stderr at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// buildDialer constructs the transport dialer for the configured provider.
func buildDialer(cfg config.ProviderConfig) (transport.Dialer, error) {
	switch cfg.Name {
	case config.ProviderGeminiLive:
		var opts []gemini.Option
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.NewDialer(cfg.APIKey, opts...), nil
	case config.ProviderOpenAIRealtime:
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewDialer(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// miniaudioDevices adapts the miniaudio engine to the client's device
// contract, classifying acquisition errors into the client taxonomy.
type miniaudioDevices struct {
	engine *miniaudio.Engine
}

func (d *miniaudioDevices) OpenCapture(onStop func()) (capture.Device, error) {
	s, err := d.engine.OpenCapture(0, onStop)
	if err != nil {
		return nil, classify("capture", err)
	}
	return s, nil
}

func (d *miniaudioDevices) OpenPlayback(sampleRate int, render func(out []float32)) (client.PlaybackDevice, error) {
	s, err := d.engine.OpenPlayback(sampleRate, render)
	if err != nil {
		return nil, classify("playback", err)
	}
	return s, nil
}

func classify(device string, err error) error {
	if errors.Is(err, miniaudio.ErrAccessDenied) {
		return &client.PermissionError{Device: device, Err: err}
	}
	return &client.HardwareError{Device: device, Err: err}
}
