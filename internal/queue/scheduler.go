package queue

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the delayed-to-pending promoter and the lease reclaimer
// every second for each registered queue.
type Scheduler struct {
	engine  *Engine
	queues  []string
	cron    *cron.Cron
	logger  *log.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler for the given queues.
func NewScheduler(engine *Engine, queues []string, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[QUEUE-SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		engine: engine,
		queues: queues,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Start begins the periodic maintenance.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc("* * * * * *", s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	return nil
}

func (s *Scheduler) tick() {
	s.wg.Add(1)
	defer s.wg.Done()
	if s.ctx.Err() != nil {
		return
	}
	for _, queue := range s.queues {
		if n, err := s.engine.Promote(s.ctx, queue); err != nil {
			s.logger.Printf("promote %s: %v", queue, err)
		} else if n > 0 {
			s.logger.Printf("promoted %d delayed jobs in %s", n, queue)
		}
		if n, err := s.engine.Reclaim(s.ctx, queue); err != nil {
			s.logger.Printf("reclaim %s: %v", queue, err)
		} else if n > 0 {
			s.logger.Printf("reclaimed %d expired leases in %s", n, queue)
		}
		if s.engine.metrics != nil {
			if depth, err := s.engine.Depth(s.ctx, queue); err == nil {
				s.engine.metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}
}

// Drain stops scheduling and waits for in-flight ticks.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	stopCtx := s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	<-stopCtx.Done()
	s.started = false
}
