package worker

import (
	"context"
	"log"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// sweeperStore lists processing batches with nothing left to do.
type sweeperStore interface {
	ListCompletable(ctx context.Context, ct domain.CheckType) ([]domain.UserBatch, error)
}

// Sweeper closes the gap left by a crash between result application and
// completion: any processing batch whose every association is done gets
// the same conditional completion the applier would have given it.
type Sweeper struct {
	store     sweeperStore
	completer batchCompleter
	checkType domain.CheckType
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	heartbeat
}

func NewSweeper(store sweeperStore, completer batchCompleter, ct domain.CheckType, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, completer: completer, checkType: ct, interval: interval, heartbeat: heartbeat{healthy: true}}
}

func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go func() {
		log.Printf("[Sweeper:%s] Starting stuck-batch sweeper", s.checkType)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				log.Printf("[Sweeper:%s] Stopped", s.checkType)
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) runOnce() {
	s.beat()
	ctx := s.ctx

	batches, err := s.store.ListCompletable(ctx, s.checkType)
	if err != nil {
		log.Printf("[Sweeper:%s] list completable: %v", s.checkType, err)
		s.degrade()
		return
	}

	swept := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		won, err := s.completer.TryComplete(ctx, s.checkType, b.ID)
		if err != nil {
			log.Printf("[Sweeper:%s] complete batch %s: %v", s.checkType, b.ID, err)
			continue
		}
		if won {
			swept++
		}
	}
	if swept > 0 {
		log.Printf("[Sweeper:%s] swept %d stuck batches to completed", s.checkType, swept)
	}
}
