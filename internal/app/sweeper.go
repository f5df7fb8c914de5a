/**
 * @description
 * Cron-driven maintenance for the outbox: returns actions stuck in
 * processing (a dispatcher that died mid-flight) back to pending so the
 * retry loop picks them up again.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kpostekk/pjatk-cat-guard/internal/store"
)

// Sweeper periodically requeues stale outbox claims.
type Sweeper struct {
	repo       store.Repository
	schedule   string
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewSweeper creates a sweeper running on the given cron schedule
// (e.g. "@every 1m").
func NewSweeper(repo store.Repository, schedule string, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		repo:       repo,
		schedule:   schedule,
		staleAfter: staleAfter,
		cron:       cron.New(),
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and returns a context that is done once running
// jobs have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requeued, err := s.repo.RequeueStaleOutboxActions(ctx, int(s.staleAfter.Seconds()))
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to requeue stale actions\" err=%v", err)
		return
	}
	if requeued > 0 {
		log.Printf("level=warn component=sweeper msg=\"requeued stale outbox actions\" count=%d", requeued)
	}
}
