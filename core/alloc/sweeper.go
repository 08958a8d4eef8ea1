package alloc

import (
	"context"
	"time"

	"github.com/kmarchand/hemonet/core/logger"
)

// Sweeper periodically releases pending reservations whose TTL elapsed
// without a courier confirmation.
type Sweeper struct {
	alloc    *Allocator
	interval time.Duration
	log      logger.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the allocator's tracked
// reservations. A non-positive interval falls back to the allocator's
// configured sweep interval.
func NewSweeper(a *Allocator, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = a.cfg.SweepInterval()
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Sweeper{
		alloc:    a,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; the loop runs
// until Stop is called or the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.alloc.SweepExpired(ctx); n > 0 {
					s.log.Infof("ttl sweep released %d reservation(s)", n)
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
