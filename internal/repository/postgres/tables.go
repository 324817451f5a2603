package postgres

import "github.com/omniverifier/engine/internal/domain"

// tableSet names the per-check-type tables.
type tableSet struct {
	userBatches         string
	batchEmails         string
	results             string
	providerBatches     string
	providerBatchEmails string
}

var (
	deliverableTables = tableSet{
		userBatches:         "user_batches_deliverable",
		batchEmails:         "batch_emails_deliverable",
		results:             "results_deliverable",
		providerBatches:     "provider_batches_deliverable",
		providerBatchEmails: "provider_batch_emails_deliverable",
	}
	catchallTables = tableSet{
		userBatches:         "user_batches_catchall",
		batchEmails:         "batch_emails_catchall",
		results:             "results_catchall",
		providerBatches:     "provider_batches_catchall",
		providerBatchEmails: "provider_batch_emails_catchall",
	}
)

func tablesFor(ct domain.CheckType) tableSet {
	if ct == domain.CheckCatchall {
		return catchallTables
	}
	return deliverableTables
}
