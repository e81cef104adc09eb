package core

// scheduler.go runs a source on a fixed interval.
//
// The poller is long-running and context-aware for graceful shutdown. A
// failed run is logged and the poller keeps going; the next tick retries,
// which is safe because ingestion is idempotent.

import (
	"context"
	"log/slog"
	"time"
)

// PollConfig holds configuration for the source poller.
type PollConfig struct {
	Interval time.Duration // How often to run (default: 15m)
}

// DefaultPollInterval is used when PollConfig.Interval is not positive.
const DefaultPollInterval = 15 * time.Minute

// StartPoller runs src immediately, then every Interval, until ctx is
// cancelled.
func (s *Service) StartPoller(ctx context.Context, src Source, cfg PollConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	slog.Info("source poller started",
		"source", sourceLabel(src),
		"interval", cfg.Interval.String(),
	)

	s.runPoll(ctx, src)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("source poller stopped", "source", sourceLabel(src))
			return
		case <-ticker.C:
			s.runPoll(ctx, src)
		}
	}
}

// runPoll performs one scheduled run.
func (s *Service) runPoll(ctx context.Context, src Source) {
	start := time.Now()

	result, err := s.Run(ctx, src)
	if err != nil && !IsCritical(err) {
		// Busy or cancelled: nothing was attempted, the next tick retries.
		slog.Warn("scheduled ingestion skipped",
			"source", sourceLabel(src),
			"error", err,
		)
		return
	}
	if err != nil {
		slog.Error("scheduled ingestion failed",
			"source", sourceLabel(src),
			"run_id", result.RunID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	slog.Info("scheduled ingestion completed",
		"source", result.Source,
		"run_id", result.RunID,
		"customers_ingested", result.CustomersIngested,
		"offers_ingested", result.OffersIngested,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
