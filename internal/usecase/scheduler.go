package usecase

import (
	"context"
	"log/slog"
	"time"

	"StoryRadar/internal/cluster"
	"StoryRadar/internal/ports"
)

// Scheduler wires the interval drivers with the pipeline and the window
// sweep. Ingestion and sweeping run on independent cadences.
type Scheduler struct {
	runDriver   ports.Scheduler
	sweepDriver ports.Scheduler
	pipeline    *Pipeline
	window      *cluster.Window
	logger      *slog.Logger
}

// NewScheduler returns a helper to start/stop the recurring jobs.
func NewScheduler(runDriver, sweepDriver ports.Scheduler, pipeline *Pipeline, window *cluster.Window, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runDriver:   runDriver,
		sweepDriver: sweepDriver,
		pipeline:    pipeline,
		window:      window,
		logger:      logger,
	}
}

// Start registers the pipeline run and the window sweep with their drivers.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.runDriver != nil && s.pipeline != nil {
		job := func(trigger time.Time) {
			if _, err := s.pipeline.ProcessDay(ctx, trigger); err != nil {
				s.logger.Error("scheduled run failed", "error", err)
			}
		}
		if err := s.runDriver.Start(ctx, job); err != nil {
			return err
		}
	}

	if s.sweepDriver != nil && s.window != nil {
		job := func(trigger time.Time) {
			if _, _, err := s.window.Sweep(ctx, trigger); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err)
			}
		}
		if err := s.sweepDriver.Start(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully tears down the underlying drivers.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.runDriver != nil {
		if err := s.runDriver.Stop(ctx); err != nil {
			return err
		}
	}
	if s.sweepDriver != nil {
		return s.sweepDriver.Stop(ctx)
	}
	return nil
}
