package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/notification"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobName is the scheduled_jobs row the worker maintains.
const JobName = "rate_pipeline"

// pipelineKey keeps replicas from running the same tick concurrently.
const pipelineKey = "worker:" + JobName

type Config struct {
	// Schedule is an interval in integer seconds or a standard cron
	// expression.
	Schedule  string
	Utilities []string
	// PollInterval is how often the loop checks whether a run is due.
	PollInterval time.Duration
}

// Worker runs the write path on a schedule: detect rate transitions per
// utility type, recalculate unsent events, then drain and deliver
// notifications.
type Worker struct {
	store      storage.Storage
	detector   *recalc.Detector
	job        *recalc.Job
	dispatcher *notification.Dispatcher
	locker     lock.Locker
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
}

func NewWorker(store storage.Storage, detector *recalc.Detector, job *recalc.Job, dispatcher *notification.Dispatcher, locker lock.Locker, clk clock.Clock, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Schedule == "" {
		cfg.Schedule = "60"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Worker{
		store:      store,
		detector:   detector,
		job:        job,
		dispatcher: dispatcher,
		locker:     locker,
		clock:      clk,
		cfg:        cfg,
		logger:     logger.Named("worker"),
	}
}

// NextRun returns when the job should next run after lastRun. setting is
// integer seconds or a cron expression; anything else falls back to five
// minutes.
func NextRun(setting string, lastRun time.Time) time.Time {
	if v, err := strconv.Atoi(setting); err == nil && v > 0 {
		return lastRun.Add(time.Duration(v) * time.Second)
	}
	if sched, err := cron.ParseStandard(setting); err == nil {
		return sched.Next(lastRun)
	}
	return lastRun.Add(5 * time.Minute)
}

// ValidSchedule reports whether setting is understood by NextRun without
// falling back.
func ValidSchedule(setting string) bool {
	if v, err := strconv.Atoi(setting); err == nil {
		return v > 0
	}
	_, err := cron.ParseStandard(setting)
	return err == nil
}

// Run ticks until ctx ends. The first run starts immediately.
func (w *Worker) Run(ctx context.Context) error {
	if !ValidSchedule(w.cfg.Schedule) {
		w.logger.Warn("invalid schedule, using 5m interval", zap.String("schedule", w.cfg.Schedule))
	}
	w.logger.Info("worker starting",
		zap.String("schedule", w.cfg.Schedule),
		zap.Strings("utilities", w.cfg.Utilities),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	nextRun := w.clock.Now()
	for {
		if !w.clock.Now().Before(nextRun) {
			if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("pipeline run failed", zap.Error(err))
			}
			nextRun = NextRun(w.cfg.Schedule, w.clock.Now())
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs the pipeline once if no other replica holds the pipeline claim.
func (w *Worker) Tick(ctx context.Context) error {
	started := w.clock.Now()

	claim, ok, err := w.locker.TryAcquire(ctx, pipelineKey)
	if err != nil {
		metrics.UpdateJobMetrics(JobName, started, err)
		return fmt.Errorf("acquire pipeline claim: %w", err)
	}
	if !ok {
		w.logger.Info("pipeline claim held by another worker, skipping run")
		return nil
	}

	var runErr error
	func() {
		defer func() {
			if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("release pipeline claim failed", zap.Error(err))
			}
		}()
		runErr = w.runPipeline(ctx)
	}()

	metrics.UpdateJobMetrics(JobName, started, runErr)
	dur := w.clock.Now().Sub(started)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := w.store.UpdateScheduledJob(context.WithoutCancel(ctx), JobName, started, dur, runErr == nil, errMsg); err != nil {
		w.logger.Warn("update scheduled_jobs failed", zap.Error(err))
	}

	if runErr != nil {
		w.logger.Warn("pipeline run completed with errors", zap.Duration("duration", dur), zap.Error(runErr))
	} else {
		w.logger.Info("pipeline run completed", zap.Duration("duration", dur))
	}
	return runErr
}

func (w *Worker) runPipeline(ctx context.Context) error {
	var errs []error

	for _, u := range w.cfg.Utilities {
		if _, err := w.detector.Detect(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("detect %s: %w", u, err))
		}
	}

	results, err := w.job.ResumeUnsent(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	var clean []string
	for _, r := range results {
		if rerr := r.Err(); rerr != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", r.EventID, rerr))
			continue
		}
		clean = append(clean, r.EventID)
	}

	if _, err := w.dispatcher.Drain(ctx); err != nil {
		errs = append(errs, err)
	} else if err := w.dispatcher.CompleteEvents(ctx, clean); err != nil {
		errs = append(errs, err)
	}

	// Delivery failures are retried per notification and never fail the run.
	if res, err := w.dispatcher.Deliver(ctx); err != nil {
		errs = append(errs, err)
	} else if res.Failed > 0 {
		w.logger.Warn("some notifications were not delivered", zap.Int("failed", res.Failed), zap.Int("sent", res.Sent))
	}

	return errors.Join(errs...)
}
