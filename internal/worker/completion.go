package worker

import (
	"context"
	"log"
	"time"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/service/batch"
)

// completionNotifier delivers the outward-facing completion event.
type completionNotifier interface {
	BatchCompleted(ctx context.Context, userID string, ct domain.CheckType, batchID, title string) error
}

// NewCompletionHook builds the hook fired once per user-batch completion:
// a best-effort webhook plus the asynchronous enrichment run. Either half
// may be nil.
func NewCompletionHook(notifier completionNotifier, enricher *Enricher) batch.CompletionHook {
	return func(userID string, ct domain.CheckType, batchID, title string) {
		if notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := notifier.BatchCompleted(ctx, userID, ct, batchID, title); err != nil {
				log.Printf("[Completion:%s] webhook for batch %s: %v", ct, batchID, err)
			}
			cancel()
		}
		if enricher != nil {
			enricher.Trigger(ct, batchID)
		}
	}
}
