package schedule

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"
)

var ErrAlreadyRunning = errors.New("schedule: scheduler already running")

type cronRunner struct {
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// Start registers the due-entry scan, the recovery pass and, when a pruner
// and a retention are set, the retention sweep on a cron and starts it.
// Overlapping runs of the same job are skipped.
func (s *Service) Start() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return ErrAlreadyRunning
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())

	c.Schedule(cron.Every(s.cfg.ScanInterval), cron.FuncJob(func() {
		if _, err := s.ScanDue(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("schedule scan failed", "err", err)
		}
	}))
	c.Schedule(cron.Every(s.cfg.RecoveryInterval), cron.FuncJob(func() {
		if _, err := s.Recover(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("schedule recovery failed", "err", err)
		}
	}))

	if s.pruner != nil && s.cfg.Retention > 0 {
		c.Schedule(cron.Every(s.cfg.PruneInterval), cron.FuncJob(func() {
			if _, err := s.pruneFinished(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("retention sweep failed", "err", err)
			}
		}))
	}

	c.Start()
	s.cron = &cronRunner{c: c, ctx: ctx, cancel: cancel}
	s.log.Info("scheduler started", "scan_interval", s.cfg.ScanInterval, "recovery_interval", s.cfg.RecoveryInterval)
	return nil
}

// Stop halts the cron and waits for running jobs, or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.cronMu.Lock()
	r := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	select {
	case <-r.c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

