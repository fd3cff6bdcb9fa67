package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stagecheck/internal/artifact"
	"stagecheck/internal/campaign"
	"stagecheck/internal/config"
	"stagecheck/internal/design"
	"stagecheck/internal/engine"
	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
	"stagecheck/internal/tracing"
)

// Process exit codes. A completed run maps its verdict onto 0 or 3-5.
const (
	exitOK          = 0
	exitError       = 1
	exitConfigError = 2
	exitPartial     = 3
	exitFailed      = 4
	exitAborted     = 5
)

// verdictError carries a non-success verdict out of RunE so main can pick
// the exit code. The report has already been printed.
type verdictError struct {
	verdict campaign.Verdict
}

func (e *verdictError) Error() string {
	return fmt.Sprintf("campaign verdict: %s", e.verdict)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var v *verdictError
	if errors.As(err, &v) {
		switch v.verdict {
		case campaign.VerdictPartial:
			return exitPartial
		case campaign.VerdictFailed:
			return exitFailed
		case campaign.VerdictAborted:
			return exitAborted
		}
		return exitOK
	}
	var cfgErr *campaign.ConfigError
	var tagErr *property.ConfigError
	if errors.As(err, &cfgErr) || errors.As(err, &tagErr) {
		return exitConfigError
	}
	return exitError
}

func verdictErr(v campaign.Verdict) error {
	if v == campaign.VerdictSucceeded {
		return nil
	}
	return &verdictError{verdict: v}
}

// session bundles everything a command needs inside one workspace.
type session struct {
	ws    string
	cfg   *config.Config
	store artifact.Store
	snaps *snapshot.Manager
	orch  *campaign.Orchestrator
	spans *tracing.Provider

	events  chan campaign.Event
	drained chan struct{}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return os.Getwd()
}

// openSession loads the workspace configuration and wires the store,
// snapshot manager, engine adapter and orchestrator. With withEvents set,
// run events are drained into the logger until Close.
func openSession(withEvents bool, maxParallel int) (*session, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	cfg, err := config.Load(config.DefaultPath(ws))
	if err != nil {
		return nil, err
	}
	if maxParallel > 0 {
		cfg.Scheduler.MaxParallelEngines = maxParallel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log unavailable", zap.Error(err))
	}

	store, err := openStore(cfg, ws)
	if err != nil {
		return nil, err
	}

	adapter, err := engine.FromConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	snaps := snapshot.NewManager(store, &design.Elaborator{BaseDir: ws}, design.Simulator{})
	ocfg := campaign.ConfigFrom(cfg)
	s := &session{ws: ws, cfg: cfg, store: store, snaps: snaps}
	if cfg.Tracing.Enabled {
		s.spans, err = tracing.Setup(cfg.TracesDir(ws), cfg.Version)
		if err != nil {
			logger.Warn("Span export unavailable", zap.Error(err))
		}
	}
	if withEvents {
		s.events = make(chan campaign.Event, 256)
		s.drained = make(chan struct{})
		ocfg.EventChan = s.events
		go func() {
			defer close(s.drained)
			for ev := range s.events {
				logEvent(ev)
			}
		}()
	}
	s.orch = campaign.New(snaps, adapter, ocfg)

	logger.Debug("Session opened",
		zap.String("workspace", ws),
		zap.String("store", cfg.Store.Backend),
		zap.String("engine", cfg.Engine.Backend),
		zap.Int("max_parallel", ocfg.MaxParallel))

	return s, nil
}

func openStore(cfg *config.Config, ws string) (artifact.Store, error) {
	if cfg.Store.Backend == "memory" {
		return artifact.NewMemoryStore(), nil
	}
	store, err := artifact.OpenSQLite(cfg.StorePath(ws))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return store, nil
}

func (s *session) Close() {
	if s.events != nil {
		close(s.events)
		<-s.drained
	}
	if s.spans != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.spans.Shutdown(ctx); err != nil {
			logger.Warn("Flushing spans", zap.Error(err))
		}
		cancel()
	}
	if err := s.store.Close(); err != nil {
		logger.Warn("Closing artifact store", zap.Error(err))
	}
	logging.CloseAudit()
	logging.CloseAll()
}

// commandContext applies --timeout and cancels on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
