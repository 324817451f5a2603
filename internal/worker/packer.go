package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/provider"
	"github.com/omniverifier/engine/internal/repository/postgres"
)

// providerAPI is the slice of the provider client the workers use.
type providerAPI interface {
	CreateBatch(ctx context.Context, ct domain.CheckType, emails []string) (string, error)
	CheckStatus(ctx context.Context, providerBatchID string) (*provider.StatusResponse, error)
	DownloadResults(ctx context.Context, providerBatchID string) ([]domain.ProviderResult, error)
}

// rateGovernor gates outbound provider calls.
type rateGovernor interface {
	Check(ctx context.Context, ct domain.CheckType, kind domain.RequestKind) (bool, int, error)
	Record(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, n int) error
}

// packerStore is the provider repository surface the packer needs.
type packerStore interface {
	CountInFlight(ctx context.Context, ct domain.CheckType) (int, error)
	SelectPackable(ctx context.Context, ct domain.CheckType, limit, maxRetries int) ([]postgres.PackCandidate, error)
	CommitProviderBatch(ctx context.Context, ct domain.CheckType, pb *domain.ProviderBatch, assignments []postgres.PackCandidate) error
}

// PackerConfig bundles the packing limits.
type PackerConfig struct {
	CheckType     domain.CheckType
	MaxConcurrent int
	MaxEmails     int
	MaxEmailRetry int
	Interval      time.Duration
}

// Packer greedily coalesces queued emails across user batches into
// provider batches, FIFO at user-batch granularity.
type Packer struct {
	store  packerStore
	api    providerAPI
	gov    rateGovernor
	cfg    PackerConfig
	ctx    context.Context
	cancel context.CancelFunc

	heartbeat
}

func NewPacker(store packerStore, api providerAPI, gov rateGovernor, cfg PackerConfig) *Packer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Packer{store: store, api: api, gov: gov, cfg: cfg, heartbeat: heartbeat{healthy: true}}
}

func (p *Packer) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go func() {
		log.Printf("[Packer:%s] Starting packer loop", p.cfg.CheckType)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				log.Printf("[Packer:%s] Stopped", p.cfg.CheckType)
				return
			case <-ticker.C:
				p.runOnce()
			}
		}
	}()
}

func (p *Packer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Packer) runOnce() {
	p.beat()
	ctx := p.ctx
	ct := p.cfg.CheckType

	inFlight, err := p.store.CountInFlight(ctx, ct)
	if err != nil {
		log.Printf("[Packer:%s] count in-flight: %v", ct, err)
		p.degrade()
		return
	}

	for capacity := p.cfg.MaxConcurrent - inFlight; capacity > 0; capacity-- {
		if ctx.Err() != nil {
			return
		}
		ok, current, err := p.gov.Check(ctx, ct, domain.RequestCreateBatch)
		if err != nil {
			log.Printf("[Packer:%s] rate check: %v", ct, err)
			p.degrade()
			return
		}
		if !ok {
			log.Printf("[Packer:%s] rate window full (%d), deferring", ct, current)
			return
		}

		pool, err := p.store.SelectPackable(ctx, ct, p.cfg.MaxEmails, p.cfg.MaxEmailRetry)
		if err != nil {
			log.Printf("[Packer:%s] select pool: %v", ct, err)
			p.degrade()
			return
		}
		if len(pool) == 0 {
			return
		}

		if !p.submitPool(ctx, pool) {
			return
		}
	}
}

// submitPool sends one pool to the provider and commits the assignment.
// Returns false when the loop should stop for this cycle.
func (p *Packer) submitPool(ctx context.Context, pool []postgres.PackCandidate) bool {
	ct := p.cfg.CheckType
	emails := make([]string, len(pool))
	for i, c := range pool {
		emails[i] = c.EmailStripped
	}

	providerBatchID, err := p.api.CreateBatch(ctx, ct, emails)
	// The call went out either way; charge the window.
	if rerr := p.gov.Record(ctx, ct, domain.RequestCreateBatch, 1); rerr != nil {
		log.Printf("[Packer:%s] record rate counter: %v", ct, rerr)
	}
	if err != nil {
		if errors.Is(err, provider.ErrRateLimited) {
			log.Printf("[Packer:%s] provider rate limited, deferring", ct)
			return false
		}
		log.Printf("[Packer:%s] create provider batch: %v", ct, err)
		p.degrade()
		return false
	}

	pb := &domain.ProviderBatch{
		ProviderBatchID: providerBatchID,
		CheckType:       ct,
		// The pool is FIFO ordered, so the first assignment belongs to
		// the oldest user batch.
		PrimaryUserBatchID: pool[0].UserBatchID,
		Status:             domain.ProviderPending,
		EmailCount:         len(pool),
	}
	if err := p.store.CommitProviderBatch(ctx, ct, pb, pool); err != nil {
		// The provider holds work we failed to record. The lifecycle
		// timeout will never pick it up, so this is worth a loud log.
		log.Printf("[Packer:%s] CRITICAL commit of provider batch %s failed: %v", ct, providerBatchID, err)
		p.degrade()
		return false
	}

	log.Printf("[Packer:%s] packed %d emails into provider batch %s (primary %s)",
		ct, len(pool), providerBatchID, pb.PrimaryUserBatchID)
	return true
}
