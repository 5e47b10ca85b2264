package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/clock/system"
	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/metrics"
)

// State is the local view of a monitored export job.
type State string

// Monitor states. Completed, Failed, Cancelled and TimedOut are final.
const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// ErrEmptyAssetID is returned by Export when no asset id is given.
var ErrEmptyAssetID = errors.New("asset id is empty")

// Config controls polling.
type Config struct {
	// PollInterval is the wait between status checks (default 10s).
	PollInterval time.Duration
	// Timeout stops polling once elapsed (default 600s). Reaching it does not
	// fail or cancel the remote job.
	Timeout time.Duration
}

// Result describes how monitoring ended.
type Result struct {
	Job     JobHandle
	State   State
	Polls   int
	Elapsed time.Duration
}

// Monitor submits export jobs and waits for them to settle.
type Monitor struct {
	exporter Exporter
	cfg      Config
	clock    harvest.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(c harvest.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSleep overrides the wait between polls.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) { m.sleep = fn }
}

// NewMonitor builds a Monitor around exporter.
func NewMonitor(exporter Exporter, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 600 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		exporter: exporter,
		cfg:      cfg,
		clock:    system.New(),
		sleep:    sleepContext,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Export normalizes property names, submits fc as assetID and waits for the
// job to settle.
func (m *Monitor) Export(ctx context.Context, assetID string, fc *geojson.FeatureCollection) (Result, error) {
	if m.exporter == nil {
		return Result{}, ErrNoExporter
	}
	if strings.TrimSpace(assetID) == "" {
		return Result{}, ErrEmptyAssetID
	}
	job, err := m.exporter.Submit(ctx, assetID, NormalizeProperties(fc))
	if err != nil {
		return Result{}, fmt.Errorf("submit export %s: %w", assetID, err)
	}
	m.logger.Info("export submitted", zap.String("job_id", job.ID), zap.String("asset_id", assetID))
	return m.Wait(ctx, job)
}

// Wait polls job until it reaches a terminal remote state or the timeout
// elapses. Context cancellation stops polling and returns ctx.Err() with the
// last known state; the remote job is left alone.
func (m *Monitor) Wait(ctx context.Context, job JobHandle) (Result, error) {
	if m.exporter == nil {
		return Result{}, ErrNoExporter
	}
	res := Result{Job: job, State: StateSubmitted}
	start := m.clock.Now()
	logger := m.logger.With(zap.String("job_id", job.ID))

	for {
		res.State = StatePolling
		remote, err := m.exporter.Status(ctx, job)
		res.Polls++
		res.Elapsed = m.clock.Now().Sub(start)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn("export status check failed", zap.Error(err))
		} else {
			logger.Info("export status", zap.String("state", string(remote)), zap.Int("poll", res.Polls))
			if remote.Terminal() {
				res.State = finalState(remote)
				metrics.ObserveExportJob(string(res.State))
				logger.Info("export finished",
					zap.String("state", string(res.State)),
					zap.Duration("elapsed", res.Elapsed),
				)
				return res, nil
			}
		}

		if res.Elapsed > m.cfg.Timeout {
			res.State = StateTimedOut
			metrics.ObserveExportJob(string(res.State))
			logger.Warn("export monitoring timed out; job may still complete",
				zap.Duration("elapsed", res.Elapsed),
			)
			return res, nil
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return res, err
		}
	}
}

func finalState(remote JobState) State {
	switch remote {
	case JobCompleted:
		return StateCompleted
	case JobFailed:
		return StateFailed
	default:
		return StateCancelled
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
