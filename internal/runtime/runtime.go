// Package runtime assembles the murmeld daemon: telemetry, the message bus,
// the history store, capture and recording, model management, transcription,
// and the control bridge that exposes everything over the bus.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmelabs/murmel-core/internal/bus"
	"github.com/murmelabs/murmel-core/internal/capture"
	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/control"
	"github.com/murmelabs/murmel-core/internal/engine"
	"github.com/murmelabs/murmel-core/internal/models"
	"github.com/murmelabs/murmel-core/internal/natsserver"
	"github.com/murmelabs/murmel-core/internal/recorder"
	"github.com/murmelabs/murmel-core/internal/store"
	"github.com/murmelabs/murmel-core/internal/transcribe"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	ctl           *control.Service
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the components up in dependency order and blocks until ctx is
// cancelled. Teardown runs in reverse order so the control bridge drains
// before the broker goes away.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if srv != nil {
		defer srv.Shutdown()
	}

	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}()

	mgr := models.New(ctx, r.cfg.Models, r.logger)
	defer mgr.Close()
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start model manager: %w", err)
	}

	eng, err := engine.New(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	rec := recorder.New(ctx, r.cfg.Recorder, capture.Config{
		SampleRate: r.cfg.Capture.SampleRate,
		Channels:   r.cfg.Capture.Channels,
		BlockSize:  r.cfg.Capture.BlockSize,
	}, newCaptureDevice(r.cfg.Capture), r.logger)
	defer rec.Close()

	orch := transcribe.New(ctx, r.cfg.Transcribe, r.cfg.Engine, eng, mgr, st, r.logger)
	defer orch.Close()

	ctl := control.NewService(ctx, r.cfg.Recorder, busClient, rec, mgr, orch, st, r.logger)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}
	defer ctl.Close()
	r.ctl = ctl

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", eng.Name()),
		slog.String("capture", r.cfg.Capture.Mode),
		slog.Bool("history", st.Persistent()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// newCaptureDevice selects the audio source. Validation already rejected
// unknown modes.
func newCaptureDevice(cfg config.CaptureConfig) capture.Device {
	if cfg.Mode == "file" {
		return &capture.FileDevice{Path: cfg.File, Loop: cfg.Loop}
	}
	return &capture.SynthDevice{
		Frequency:  cfg.SynthFrequency,
		Amplitude:  cfg.SynthAmplitude,
		NoiseFloor: cfg.SynthNoiseFloor,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.ctl != nil && r.ctl.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
