// Package cron runs the scheduled ingestion worker behind the watch command.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fxbharat/fxbharat/internal/alerting"
	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/fx"
	"github.com/fxbharat/fxbharat/internal/metrics"
	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
)

const jobName = "watch_ingest"

// pollInterval is how often the control loop re-checks the schedule.
const pollInterval = 10 * time.Second

// backfillFloor bounds the first scheduled backfill for sources without a
// checkpoint.
var backfillFloor = storage.RBIMinAvailableDate

// Config selects what a watch worker refreshes and when.
type Config struct {
	// Schedule is a standard cron expression or plain integer seconds.
	Schedule string
	// Sources are the rate source tags to refresh; empty means every
	// registered source.
	Sources []string
	// Metals are the LME series to refresh; empty means every registered
	// series.
	Metals []string
}

// Worker drives scheduled ingestion runs.
type Worker struct {
	svc      *fx.Service
	alerter  *alerting.Alerter
	log      *slog.Logger
	schedule string
	sources  []string
	metals   []storage.Metal
	failures int
}

// New builds a worker. Source tags and metal names are resolved here so a bad
// config fails at startup, not on the first scheduled run.
func New(svc *fx.Service, alerter *alerting.Alerter, log *slog.Logger, cfg Config) (*Worker, error) {
	tags := cfg.Sources
	if len(tags) == 0 {
		tags = sources.List()
	}
	resolved := make([]string, 0, len(tags))
	for _, tag := range tags {
		parsed, err := fx.ParseSource(tag)
		if err != nil {
			return nil, err
		}
		if parsed == "" {
			continue
		}
		resolved = append(resolved, parsed)
	}

	var metals []storage.Metal
	if len(cfg.Metals) == 0 {
		metals = sources.ListMetals()
	} else {
		for _, name := range cfg.Metals {
			m, err := storage.ParseMetal(name)
			if err != nil {
				return nil, err
			}
			metals = append(metals, m)
		}
	}

	return &Worker{
		svc:      svc,
		alerter:  alerter,
		log:      log.With("component", "watch"),
		schedule: cfg.Schedule,
		sources:  resolved,
		metals:   metals,
	}, nil
}

// Run blocks, executing one ingestion cycle immediately and then on the
// configured schedule until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.log.Info("watch worker starting",
		"schedule", w.schedule, "sources", w.sources, "metals", metalNames(w.metals))

	next := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().Before(next) {
				continue
			}
			w.RunOnce(ctx)
			next = nextRunAfter(w.schedule, time.Now())
		}
	}
}

// RunOnce executes one ingestion cycle: every configured rate source, then
// every configured metal series. All refreshes are attempted even when an
// earlier one fails; the first error is returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	runID := uuid.NewString()
	started := time.Now()
	log := w.log.With("run_id", runID)
	log.Info("ingestion run starting")

	var runErr error
	for _, tag := range w.sources {
		if err := w.refreshSource(ctx, log, tag); err != nil && runErr == nil {
			runErr = err
		}
	}
	for _, metal := range w.metals {
		if err := w.refreshMetal(ctx, log, metal); err != nil && runErr == nil {
			runErr = err
		}
	}

	metrics.UpdateJobMetrics(jobName, started, runErr)

	if runErr != nil {
		w.failures++
		log.Error("ingestion run failed", "consecutive_failures", w.failures, "error", runErr)
		alert := alerting.RunAlert{
			Job:                 jobName,
			RunID:               runID,
			Error:               runErr.Error(),
			ConsecutiveFailures: w.failures,
			Duration:            time.Since(started),
			Timestamp:           started,
		}
		if err := w.alerter.SendRunAlert(ctx, alert); err != nil {
			log.Error("alert delivery failed", "error", err)
		}
		return runErr
	}

	w.failures = 0
	log.Info("ingestion run completed", "duration", time.Since(started))
	return nil
}

// refreshSource seeds one rate source from the day after its checkpoint
// through yesterday. Sources that can pull today's artifact do so first, so
// the sheet is on disk once its date becomes seedable.
func (w *Worker) refreshSource(ctx context.Context, log *slog.Logger, tag string) error {
	src, ok := sources.Get(tag)
	if !ok {
		return fmt.Errorf("no source registered for %q", tag)
	}

	if dl, ok := src.(interface {
		DownloadLatest(context.Context) (string, error)
	}); ok {
		if path, err := dl.DownloadLatest(ctx); err != nil {
			log.Warn("artifact download failed", "source", tag, "error", err)
		} else {
			log.Debug("artifact downloaded", "source", tag, "path", path)
		}
	}

	window, ok, err := w.seedWindow(ctx, tag)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("source already up to date", "source", tag)
		return nil
	}

	res, err := w.svc.Seed(ctx, window.Start, window.End, tag, fx.SeedOptions{})
	if err != nil {
		log.Error("seed failed", "source", tag, "error", err)
		return err
	}
	log.Info("source refreshed", "source", tag, "inserted", res.Inserted, "updated", res.Updated)
	return nil
}

func (w *Worker) refreshMetal(ctx context.Context, log *slog.Logger, metal storage.Metal) error {
	res, err := w.svc.SeedMetals(ctx, metal, fx.SeedOptions{})
	if err != nil {
		log.Error("metal refresh failed", "metal", metal, "error", err)
		return err
	}
	log.Info("metal series refreshed", "metal", metal, "inserted", res.Inserted, "updated", res.Updated)
	return nil
}

// seedWindow computes the next seedable range for a source: the day after its
// checkpoint (or the backfill floor) through yesterday. ok is false when the
// source is already caught up.
func (w *Worker) seedWindow(ctx context.Context, tag string) (dates.Range, bool, error) {
	yesterday := dates.Today().AddDate(0, 0, -1)
	start := dates.Day(backfillFloor)

	cp, err := w.svc.Backend().Checkpoint(ctx, tag)
	if err != nil {
		return dates.Range{}, false, fmt.Errorf("checkpoint %s: %w", tag, err)
	}
	if cp != nil {
		start = dates.Day(cp.LastIngested).AddDate(0, 0, 1)
	}
	if start.After(yesterday) {
		return dates.Range{}, false, nil
	}
	return dates.Range{Start: start, End: yesterday}, true, nil
}

// nextRunAfter resolves the schedule setting against the last run time:
// plain integer seconds, then a standard cron expression, then a five minute
// fallback.
func nextRunAfter(setting string, after time.Time) time.Time {
	if v, err := strconv.Atoi(setting); err == nil && v > 0 {
		return after.Add(time.Duration(v) * time.Second)
	}
	if sched, err := cron.ParseStandard(setting); err == nil {
		return sched.Next(after)
	}
	return after.Add(5 * time.Minute)
}

func metalNames(metals []storage.Metal) []string {
	names := make([]string, 0, len(metals))
	for _, m := range metals {
		names = append(names, string(m))
	}
	return names
}
