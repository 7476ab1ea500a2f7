// Package services assembles the long-lived, process-wide dependencies
// that ServerManager is wired against: the ThreadManager, the
// QueueManager, and (optionally) the diagnostics Sidecar. It replaces the
// package-level singleton pattern with a single context struct built once
// in main and passed down by reference.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/lanternops/deskrelay/internal/config"
	"github.com/lanternops/deskrelay/internal/diagnostics"
	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/queuemanager"
	"github.com/lanternops/deskrelay/internal/threadmanager"
)

var log = logging.L("services")

// Services is the top-level dependency context. Diagnostics is nil
// whenever Config.DiagnosticsEnabled is false.
type Services struct {
	ThreadManager *threadmanager.Manager
	QueueManager  *queuemanager.Manager
	Diagnostics   *diagnostics.Sidecar
}

// New builds the Services context from cfg. The ThreadManager and
// QueueManager are always constructed; the diagnostics Sidecar is built
// (but not started) only when cfg.DiagnosticsEnabled.
func New(cfg *config.Config, tmEvents threadmanager.Events, qmEvents queuemanager.Events) (*Services, error) {
	tm := threadmanager.New(tmEvents)
	qm := queuemanager.New(cfg.CaptureQueueCap, cfg.ProcessedQueueCap, qmEvents)

	svc := &Services{
		ThreadManager: tm,
		QueueManager:  qm,
	}

	if !cfg.DiagnosticsEnabled {
		return svc, nil
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("services: build diagnostics sink: %w", err)
	}

	interval := time.Duration(cfg.DiagnosticsIntervalSecond) * time.Second
	svc.Diagnostics = diagnostics.New(tm, qm, sink, interval, true)
	return svc, nil
}

func buildSink(cfg *config.Config) (diagnostics.Sink, error) {
	switch cfg.DiagnosticsProvider {
	case "", "local":
		return diagnostics.NewLocalSink(cfg.DiagnosticsLocalPath)
	case "s3":
		return diagnostics.NewS3Sink(context.Background(), cfg.DiagnosticsS3Bucket, cfg.DiagnosticsS3Region, "")
	default:
		return nil, fmt.Errorf("services: unknown diagnostics provider %q", cfg.DiagnosticsProvider)
	}
}

// Start brings up background services: the QueueManager's stats timer and,
// if configured, the diagnostics sidecar. Call once after construction.
func (s *Services) Start(ctx context.Context) {
	s.QueueManager.StartStats()
	if s.Diagnostics != nil {
		log.Info("starting diagnostics sidecar")
		s.Diagnostics.Start(ctx)
	}
}

// Shutdown stops background services in the reverse order Start brought
// them up.
func (s *Services) Shutdown() {
	if s.Diagnostics != nil {
		s.Diagnostics.Stop()
	}
	s.QueueManager.StopStats()
}
