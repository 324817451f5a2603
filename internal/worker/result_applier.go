package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/emailnorm"
	"github.com/omniverifier/engine/internal/pkg/logger"
	"github.com/omniverifier/engine/internal/repository/postgres"
)

// applierStore is the provider repository surface the applier needs.
type applierStore interface {
	ApplyCompletion(ctx context.Context, ct domain.CheckType, providerBatchID string, results []postgres.ResultUpsert) (*postgres.CompletionOutcome, error)
}

// batchCompleter finalises user batches after result application.
type batchCompleter interface {
	TryComplete(ctx context.Context, ct domain.CheckType, batchID string) (bool, error)
}

// ResultApplier turns provider completion payloads into cached results and
// association completion, then settles the affected user batches.
type ResultApplier struct {
	store     applierStore
	completer batchCompleter
}

func NewResultApplier(store applierStore, completer batchCompleter) *ResultApplier {
	return &ResultApplier{store: store, completer: completer}
}

// Apply processes one completion payload. Duplicate deliveries are
// harmless: the store marks the provider batch completed first, and a
// second delivery finds it already terminal and writes nothing.
func (a *ResultApplier) Apply(ctx context.Context, ct domain.CheckType, providerBatchID string, records []domain.ProviderResult) error {
	upserts := make([]postgres.ResultUpsert, 0, len(records))
	malformed := 0
	for _, rec := range records {
		u, ok := cleanRecord(rec)
		if !ok {
			log.Printf("[Applier:%s] dropping unattributable record %s in batch %s", ct, logger.RedactEmail(rec.Email), providerBatchID)
			malformed++
			continue
		}
		upserts = append(upserts, u)
	}
	if malformed > 0 {
		log.Printf("[Applier:%s] skipped %d malformed records in batch %s", ct, malformed, providerBatchID)
	}

	outcome, err := a.store.ApplyCompletion(ctx, ct, providerBatchID, upserts)
	if err != nil {
		return fmt.Errorf("apply completion %s: %w", providerBatchID, err)
	}
	if !outcome.Applied {
		log.Printf("[Applier:%s] provider batch %s already applied, skipping", ct, providerBatchID)
		return nil
	}
	log.Printf("[Applier:%s] provider batch %s: %d results upserted, %d unresolved, %d user batches touched",
		ct, providerBatchID, outcome.Upserted, outcome.Skipped, len(outcome.UserBatchIDs))

	for _, userBatchID := range outcome.UserBatchIDs {
		if _, err := a.completer.TryComplete(ctx, ct, userBatchID); err != nil {
			log.Printf("[Applier:%s] completion check for batch %s: %v", ct, userBatchID, err)
		}
	}
	return nil
}

// cleanRecord normalises one provider record. A record without a valid
// email cannot be attributed and is dropped.
func cleanRecord(rec domain.ProviderResult) (postgres.ResultUpsert, bool) {
	stripped, ok := emailnorm.Normalize(rec.Email)
	if !ok {
		return postgres.ResultUpsert{}, false
	}

	status := domain.ResultUnknown
	switch domain.ResultStatus(rec.Status) {
	case domain.ResultDeliverable, domain.ResultUndeliverable, domain.ResultRisky:
		status = domain.ResultStatus(rec.Status)
	}

	reason := rec.Reason
	if reason == "" {
		reason = "unknown"
	}

	return postgres.ResultUpsert{
		EmailStripped: stripped,
		Status:        status,
		Reason:        reason,
		// Anything but an explicit "no" counts as catch-all.
		IsCatchall: rec.IsCatchall != "no",
		Score:      rec.Score,
		Provider:   rec.Provider,
		Toxicity:   rec.Toxicity,
	}, true
}
