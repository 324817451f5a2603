// Package api exposes the HTTP surface of the engine: batch lifecycle,
// credit ledger, enrichment progress and presigned file transfer.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/httputil"
	"github.com/omniverifier/engine/internal/repository/postgres"
	"github.com/omniverifier/engine/internal/service/batch"
	"github.com/omniverifier/engine/internal/service/credits"
)

// batchService is the batch lifecycle surface the handlers need.
type batchService interface {
	CreateDraft(ctx context.Context, userID string, ct domain.CheckType, title string, source *domain.SourceObject) (*domain.UserBatch, error)
	StartBatch(ctx context.Context, ct domain.CheckType, batchID string, rawEmails []string) (*batch.StartResult, error)
	Pause(ctx context.Context, ct domain.CheckType, batchID string) error
	Resume(ctx context.Context, ct domain.CheckType, batchID string) error
	Archive(ctx context.Context, ct domain.CheckType, batchID string, archived bool) error
	Get(ctx context.Context, ct domain.CheckType, batchID string) (*domain.UserBatch, error)
	List(ctx context.Context, ct domain.CheckType, userID string, includeArchived bool) ([]domain.UserBatch, error)
	Progress(ctx context.Context, ct domain.CheckType, batchID string) (*batch.Progress, error)
}

// creditService is the ledger surface the handlers need.
type creditService interface {
	Balance(ctx context.Context, userID string, ct domain.CheckType) (int64, error)
	AddOneOff(ctx context.Context, userID string, ct domain.CheckType, n int64, event domain.CreditEventType) (int64, error)
	GrantSubscription(ctx context.Context, userID string, ct domain.CheckType, n int64, expiresAt time.Time) error
	History(ctx context.Context, userID string, ct domain.CheckType, limit int) ([]domain.CreditHistory, error)
}

// enrichmentReader reads enrichment run progress.
type enrichmentReader interface {
	GetProgress(ctx context.Context, ct domain.CheckType, batchID string) (*domain.EnrichmentProgress, error)
}

// presigner issues presigned object-storage URLs for direct upload and
// download.
type presigner interface {
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
}

// Handlers carries the service dependencies of every endpoint.
type Handlers struct {
	batches    batchService
	credits    creditService
	enrichment enrichmentReader
	objects    presigner
}

func NewHandlers(batches batchService, creditSvc creditService, enrichment enrichmentReader, objects presigner) *Handlers {
	return &Handlers{
		batches:    batches,
		credits:    creditSvc,
		enrichment: enrichment,
		objects:    objects,
	}
}

// userID extracts the caller identity. Authentication happens upstream at
// the gateway; this service trusts the forwarded header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// checkType parses the {checkType} route segment, writing a 400 on failure.
func checkType(w http.ResponseWriter, r *http.Request) (domain.CheckType, bool) {
	ct, err := domain.ParseCheckType(chi.URLParam(r, "checkType"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return "", false
	}
	return ct, true
}

// writeServiceError maps the service sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrBatchNotFound), errors.Is(err, postgres.ErrProgressNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		httputil.PaymentRequired(w, err.Error())
	case errors.Is(err, batch.ErrNotDraft), errors.Is(err, batch.ErrInvalidTransition), errors.Is(err, credits.ErrAlreadyDeducted):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, batch.ErrEmptySubmission), errors.Is(err, credits.ErrInvalidAmount):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
