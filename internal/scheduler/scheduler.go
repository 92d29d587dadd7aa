package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job func(ctx context.Context) error

// Scheduler runs named jobs on cron specs. A job still running when its next tick fires is
// skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger

	mu    sync.Mutex
	ctx   context.Context
	names map[cron.EntryID]string
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	logger := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		log:   log,
		ctx:   context.Background(),
		names: make(map[cron.EntryID]string),
	}
}

// Add registers job under name. An empty spec leaves the job unscheduled.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		s.log.Info("job disabled", zap.String("job", name))
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		if err := job(s.context()); err != nil {
			s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Debug("job done", zap.String("job", name), zap.Duration("took", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	return nil
}

// Jobs lists scheduled job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}

// Run starts the scheduler and blocks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
