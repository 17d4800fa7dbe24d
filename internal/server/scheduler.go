package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/config"
)

// Submitter starts a search in the background.
type Submitter interface {
	Submit(req SearchRequest) (string, error)
}

type scheduled struct {
	cfg  config.ScheduleConfig
	expr *cronexpr.Expression
	last time.Time
}

// Scheduler re-submits configured topics when their cron expression is due.
// A Redis lock keeps replicas from firing the same topic twice.
type Scheduler struct {
	Rdb       redis.Cmdable
	Submitter Submitter
	Interval  time.Duration
	LockTTL   time.Duration

	logger *zap.Logger
	now    func() time.Time
	items  []*scheduled
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewScheduler parses every cron expression up front. Nothing fires before
// the first due time after construction.
func NewScheduler(schedules []config.ScheduleConfig, rdb redis.Cmdable, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		Rdb:       rdb,
		Submitter: submitter,
		Interval:  time.Minute,
		LockTTL:   time.Minute,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	start := s.now()
	for i, sc := range schedules {
		expr, err := cronexpr.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d] %q: %w", i, sc.Cron, err)
		}
		s.items = append(s.items, &scheduled{cfg: sc, expr: expr, last: start})
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it. It must only be called after Start.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, it := range s.items {
		if !isDue(it.expr, it.last, now) {
			continue
		}
		it.last = now
		logger := s.logger.With(zap.String("topic", it.cfg.Topic))
		if s.Rdb != nil {
			ok, err := s.Rdb.SetNX(ctx, "sched:lock:"+it.cfg.Topic, "1", s.LockTTL).Result()
			if err != nil {
				logger.Warn("schedule lock failed", zap.Error(err))
				continue
			}
			if !ok {
				logger.Debug("schedule held by another replica")
				continue
			}
		}
		online := it.cfg.Rounds > 0
		id, err := s.Submitter.Submit(SearchRequest{Topic: it.cfg.Topic, OnlineOpt: &online, Rounds: it.cfg.Rounds})
		if err != nil {
			logger.Warn("scheduled search not started", zap.Error(err))
			continue
		}
		logger.Info("scheduled search started", zap.String("session_id", id))
	}
}

// isDue reports whether the first fire time after last has passed.
func isDue(expr *cronexpr.Expression, last, now time.Time) bool {
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}
