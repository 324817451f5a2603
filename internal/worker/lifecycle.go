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

// lifecycleStore is the provider repository surface the poller needs.
type lifecycleStore interface {
	ListInFlight(ctx context.Context, ct domain.CheckType) ([]domain.ProviderBatch, error)
	ListTimedOut(ctx context.Context, ct domain.CheckType, cutoff time.Time) ([]string, error)
	UpdateProgress(ctx context.Context, ct domain.CheckType, providerBatchID string, status domain.ProviderBatchStatus, processed int) error
	IncrementAttempts(ctx context.Context, ct domain.CheckType, providerBatchID string) (int, error)
	ReleaseFailedBatch(ctx context.Context, ct domain.CheckType, providerBatchID string, maxRetries int) (*postgres.ReleaseOutcome, error)
}

// LifecycleConfig bundles the polling limits.
type LifecycleConfig struct {
	CheckType     domain.CheckType
	MaxAttempts   int
	MaxEmailRetry int
	BatchTimeout  time.Duration
	Interval      time.Duration
}

// LifecyclePoller drives in-flight provider batches to a terminal state:
// it polls status, hands completed payloads to the result applier, and
// dead-letters batches that fail, stall past the timeout, or hit the
// provider's payment wall.
type LifecyclePoller struct {
	store     lifecycleStore
	api       providerAPI
	gov       rateGovernor
	applier   *ResultApplier
	completer batchCompleter
	cfg       LifecycleConfig
	ctx       context.Context
	cancel    context.CancelFunc

	heartbeat
}

func NewLifecyclePoller(store lifecycleStore, api providerAPI, gov rateGovernor, applier *ResultApplier, completer batchCompleter, cfg LifecycleConfig) *LifecyclePoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &LifecyclePoller{
		store: store, api: api, gov: gov,
		applier: applier, completer: completer,
		cfg: cfg, heartbeat: heartbeat{healthy: true},
	}
}

func (l *LifecyclePoller) Start() {
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go func() {
		log.Printf("[Lifecycle:%s] Starting poller loop", l.cfg.CheckType)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				log.Printf("[Lifecycle:%s] Stopped", l.cfg.CheckType)
				return
			case <-ticker.C:
				l.runOnce()
			}
		}
	}()
}

func (l *LifecyclePoller) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *LifecyclePoller) runOnce() {
	l.beat()
	ctx := l.ctx
	ct := l.cfg.CheckType

	l.failTimedOut(ctx)

	batches, err := l.store.ListInFlight(ctx, ct)
	if err != nil {
		log.Printf("[Lifecycle:%s] list in-flight: %v", ct, err)
		l.degrade()
		return
	}

	for _, pb := range batches {
		if ctx.Err() != nil {
			return
		}
		ok, _, err := l.gov.Check(ctx, ct, domain.RequestCheckStatus)
		if err != nil {
			log.Printf("[Lifecycle:%s] rate check: %v", ct, err)
			l.degrade()
			return
		}
		if !ok {
			// Window full; the rest of the fleet waits a cycle.
			return
		}
		l.pollOne(ctx, pb)
	}
}

// failTimedOut declares in-flight batches past the deployment timeout
// failed and releases their emails.
func (l *LifecyclePoller) failTimedOut(ctx context.Context) {
	ct := l.cfg.CheckType
	ids, err := l.store.ListTimedOut(ctx, ct, time.Now().Add(-l.cfg.BatchTimeout))
	if err != nil {
		log.Printf("[Lifecycle:%s] list timed out: %v", ct, err)
		return
	}
	for _, id := range ids {
		log.Printf("[Lifecycle:%s] provider batch %s exceeded %s, declaring failed", ct, id, l.cfg.BatchTimeout)
		l.failBatch(ctx, id)
	}
}

func (l *LifecyclePoller) pollOne(ctx context.Context, pb domain.ProviderBatch) {
	ct := l.cfg.CheckType

	st, err := l.api.CheckStatus(ctx, pb.ProviderBatchID)
	if rerr := l.gov.Record(ctx, ct, domain.RequestCheckStatus, 1); rerr != nil {
		log.Printf("[Lifecycle:%s] record rate counter: %v", ct, rerr)
	}
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrPaymentRequired):
			log.Printf("[Lifecycle:%s] payment required for %s, dead-lettering", ct, pb.ProviderBatchID)
			l.failBatch(ctx, pb.ProviderBatchID)
		case errors.Is(err, provider.ErrBatchNotFound):
			log.Printf("[Lifecycle:%s] provider forgot batch %s, dead-lettering", ct, pb.ProviderBatchID)
			l.failBatch(ctx, pb.ProviderBatchID)
		default:
			l.recordAttempt(ctx, pb.ProviderBatchID, err)
		}
		return
	}

	switch st.BatchStatus() {
	case domain.ProviderCompleted:
		l.fetchAndApply(ctx, pb.ProviderBatchID)
	case domain.ProviderFailed:
		log.Printf("[Lifecycle:%s] provider reported %s failed", ct, pb.ProviderBatchID)
		l.failBatch(ctx, pb.ProviderBatchID)
	default:
		next := st.BatchStatus()
		// Status only moves forward: a stale poll answering pending after
		// the batch was seen processing must not demote it.
		if next == domain.ProviderPending && pb.Status == domain.ProviderProcessing {
			next = domain.ProviderProcessing
		}
		if err := l.store.UpdateProgress(ctx, ct, pb.ProviderBatchID, next, st.Processed); err != nil {
			log.Printf("[Lifecycle:%s] update progress for %s: %v", ct, pb.ProviderBatchID, err)
		}
	}
}

func (l *LifecyclePoller) fetchAndApply(ctx context.Context, providerBatchID string) {
	ct := l.cfg.CheckType

	ok, _, err := l.gov.Check(ctx, ct, domain.RequestDownloadResults)
	if err != nil || !ok {
		// Leave the batch in flight; next cycle downloads it.
		return
	}

	records, err := l.api.DownloadResults(ctx, providerBatchID)
	if rerr := l.gov.Record(ctx, ct, domain.RequestDownloadResults, 1); rerr != nil {
		log.Printf("[Lifecycle:%s] record rate counter: %v", ct, rerr)
	}
	if err != nil {
		l.recordAttempt(ctx, providerBatchID, err)
		return
	}

	if err := l.applier.Apply(ctx, ct, providerBatchID, records); err != nil {
		log.Printf("[Lifecycle:%s] apply results for %s: %v", ct, providerBatchID, err)
		l.degrade()
	}
}

// recordAttempt bumps the failure counter and fails the batch once the
// attempt cap is reached.
func (l *LifecyclePoller) recordAttempt(ctx context.Context, providerBatchID string, cause error) {
	ct := l.cfg.CheckType
	attempts, err := l.store.IncrementAttempts(ctx, ct, providerBatchID)
	if err != nil {
		log.Printf("[Lifecycle:%s] increment attempts for %s: %v", ct, providerBatchID, err)
		return
	}
	log.Printf("[Lifecycle:%s] poll %s failed (attempt %d/%d): %v",
		ct, providerBatchID, attempts, l.cfg.MaxAttempts, cause)
	if attempts >= l.cfg.MaxAttempts {
		l.failBatch(ctx, providerBatchID)
	}
}

// failBatch releases a failed provider batch and settles any user batch
// that became completable through exhausted-retry closures.
func (l *LifecyclePoller) failBatch(ctx context.Context, providerBatchID string) {
	ct := l.cfg.CheckType
	outcome, err := l.store.ReleaseFailedBatch(ctx, ct, providerBatchID, l.cfg.MaxEmailRetry)
	if err != nil {
		log.Printf("[Lifecycle:%s] release failed batch %s: %v", ct, providerBatchID, err)
		l.degrade()
		return
	}
	if !outcome.Released {
		return
	}
	log.Printf("[Lifecycle:%s] released %s (%d emails exhausted their retries)",
		ct, providerBatchID, outcome.Exhausted)
	for _, userBatchID := range outcome.UserBatchIDs {
		if _, err := l.completer.TryComplete(ctx, ct, userBatchID); err != nil {
			log.Printf("[Lifecycle:%s] completion check for batch %s: %v", ct, userBatchID, err)
		}
	}
}
