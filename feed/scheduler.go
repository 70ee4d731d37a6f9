package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

// ErrRunInProgress is returned by RunOnce while another batch is running.
var ErrRunInProgress = errors.New("feed run already in progress")

// Ingester is the slice of points.Affiliates the scheduler needs.
type Ingester interface {
	IngestBatch(ctx context.Context, rows []points.IngestInput) ([]points.IngestResult, points.BatchSummary, error)
}

// Scheduler runs feed ingestion on a cron spec. Runs never overlap.
type Scheduler struct {
	Source     Source
	Ingester   Ingester
	Logger     *zap.Logger
	Spec       string        // cron spec, e.g. "@every 5m" or "*/10 * * * *"
	RunTimeout time.Duration // per-run deadline

	runMu sync.Mutex
	mu    sync.Mutex
	cron  *cron.Cron
}

// NewScheduler creates a scheduler with a 10 minute run timeout.
func NewScheduler(src Source, ing Ingester, spec string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Source:     src,
		Ingester:   ing,
		Logger:     logger.Named("feed"),
		Spec:       spec,
		RunTimeout: 10 * time.Minute,
	}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.Logger})))
	if _, err := c.AddFunc(s.Spec, s.tick); err != nil {
		return fmt.Errorf("invalid feed schedule %q: %w", s.Spec, err)
	}
	c.Start()
	s.cron = c
	s.Logger.Info("feed scheduler started", zap.String("schedule", s.Spec))
	return nil
}

// Stop halts the cron loop and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Logger.Info("feed scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
		s.Logger.Error("feed run failed", zap.Error(err))
	}
}

// RunOnce fetches one batch and ingests it.
func (s *Scheduler) RunOnce(ctx context.Context) (points.BatchSummary, error) {
	if !s.runMu.TryLock() {
		return points.BatchSummary{}, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	start := time.Now()
	rows, err := s.Source.Fetch(ctx)
	if err != nil {
		return points.BatchSummary{}, err
	}
	if len(rows) == 0 {
		s.Logger.Debug("feed empty")
		return points.BatchSummary{}, nil
	}

	results, sum, err := s.Ingester.IngestBatch(ctx, rows)
	for _, r := range results {
		if r.Outcome == points.IngestFailed {
			s.Logger.Warn("feed row rejected",
				zap.String("external_id", r.ExternalID),
				zap.String("code", points.Code(r.Err)),
				zap.Error(r.Err))
		}
	}
	s.Logger.Info("feed run complete",
		zap.Int("rows", len(rows)),
		zap.Int("created", sum.Created),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", time.Since(start)))
	return sum, err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
