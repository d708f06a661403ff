package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Scheduler fires the sweep on a cron schedule. A redis lock keeps multiple
// replicas from sweeping the same batch.
type Scheduler struct {
	Cron   string
	Sweep  func(ctx context.Context) error
	Rdb    *redis.Client
	Logger *log.Logger

	stop chan struct{}
	now  func() time.Time
}

const lockKey = "alphasift:sched:lock"

// Start launches the scheduling loop. Stop terminates it.
func (s *Scheduler) Start() error {
	expr, err := cronexpr.Parse(s.Cron)
	if err != nil {
		return err
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.stop = make(chan struct{})

	go func() {
		for {
			next := expr.Next(s.now())
			if next.IsZero() {
				s.Logger.Printf("cron %q has no future firing, scheduler exiting", s.Cron)
				return
			}
			timer := time.NewTimer(next.Sub(s.now()))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				s.fire()
			}
		}
	}()
	return nil
}

func (s *Scheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
}

func (s *Scheduler) fire() {
	ctx := context.Background()
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("warn: sweep lock unavailable, proceeding: %v", err)
		} else if !ok {
			s.Logger.Printf("sweep already running elsewhere, skipping")
			return
		} else {
			defer s.Rdb.Del(ctx, lockKey)
		}
	}
	s.Logger.Printf("scheduled sweep starting")
	if err := s.Sweep(ctx); err != nil {
		s.Logger.Printf("scheduled sweep failed: %v", err)
	}
}
