package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/steward/pkg/schema"
)

// DefaultSchedule runs a scan every five minutes.
const DefaultSchedule = "@every 5m"

// Scanning is the operation the scheduler triggers. Satisfied by *Scanner.
type Scanning interface {
	Scan(ctx context.Context, opts ScanOptions) (*ScanReport, error)
}

// Scheduler triggers scans on a cron schedule. The scanner itself is
// schedule-agnostic.
type Scheduler struct {
	scanner  Scanning
	spec     string
	schedule cron.Schedule
	opts     ScanOptions
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *ScanReport
}

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly" or "@every 10m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse scan schedule %q: %s", spec, err.Error()).WithCause(err)
	}
	return schedule, nil
}

// NewScheduler creates a Scheduler for spec (DefaultSchedule when empty).
func NewScheduler(sc Scanning, spec string, opts ScanOptions, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scanner: sc, spec: spec, schedule: schedule, opts: opts, logger: logger}, nil
}

// Start launches the background loop. The first scan runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scan scheduler started", slog.String("schedule", s.spec))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)
	for {
		timer := time.NewTimer(time.Until(s.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scan. A scan still running from another trigger is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.scanner.Scan(ctx, s.opts)
	switch {
	case errors.Is(err, ErrScanInProgress):
		s.logger.Debug("scan skipped, previous scan still running")
		return
	case err != nil && ctx.Err() != nil:
		return
	case err != nil:
		s.logger.Error("scheduled scan failed", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
}

// Next returns the next scan time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// LastReport returns the report of the most recent successful scan, or nil.
func (s *Scheduler) LastReport() *ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stop halts the loop and waits for an in-flight scan to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scan scheduler stopped")
	return nil
}
