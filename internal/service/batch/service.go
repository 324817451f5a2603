package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/emailnorm"
	"github.com/omniverifier/engine/internal/service/credits"
)

// CreditLedger is the slice of the credit service the batch lifecycle needs.
type CreditLedger interface {
	ReserveOnly(ctx context.Context, userID string, ct domain.CheckType, n int64) (bool, int64, error)
	DeductForBatch(ctx context.Context, userID, batchID string, ct domain.CheckType) (*credits.Deduction, error)
}

// CompletionHook is invoked once per user-batch completion. Implementations
// must not block; delivery failures never revert completion.
type CompletionHook func(userID string, ct domain.CheckType, batchID, title string)

// StartResult reports the outcome of starting a batch.
type StartResult struct {
	BatchID     string             `json:"batch_id"`
	Status      domain.BatchStatus `json:"status"`
	TotalEmails int                `json:"total_emails"`
	Cached      int                `json:"cached"`
	Dropped     int                `json:"dropped"`
	Deduction   *credits.Deduction `json:"deduction"`
}

// Service implements the user-batch lifecycle on top of a Repository.
type Service struct {
	repo   Repository
	ledger CreditLedger
	hook   CompletionHook
}

// NewService creates a batch service. hook may be nil.
func NewService(repo Repository, ledger CreditLedger, hook CompletionHook) *Service {
	return &Service{repo: repo, ledger: ledger, hook: hook}
}

// CreateDraft creates a new draft batch, optionally recording the uploaded
// source file it will be started from.
func (s *Service) CreateDraft(ctx context.Context, userID string, ct domain.CheckType, title string, source *domain.SourceObject) (*domain.UserBatch, error) {
	if title == "" {
		title = "Untitled batch"
	}
	b := &domain.UserBatch{
		ID:        uuid.NewString(),
		UserID:    userID,
		CheckType: ct,
		Title:     title,
		Status:    domain.BatchDraft,
		CreatedAt: time.Now().UTC(),
	}
	if source != nil {
		b.S3Metadata = &domain.S3Metadata{Original: source}
	}
	if err := s.repo.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

// StartBatch normalises the submitted addresses, reserves and deducts
// credits, records associations with the cached-result short circuit, and
// queues the batch. A batch whose every address hit the cache completes
// here; otherwise it is left for the packer.
//
// On ErrInsufficientCredits the batch stays in draft.
func (s *Service) StartBatch(ctx context.Context, ct domain.CheckType, batchID string, rawEmails []string) (*StartResult, error) {
	b, err := s.repo.GetBatch(ctx, ct, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchDraft {
		return nil, ErrNotDraft
	}

	emails, dropped := normalizeSubmission(rawEmails)
	if len(emails) == 0 {
		return nil, ErrEmptySubmission
	}

	ok, _, err := s.ledger.ReserveOnly(ctx, b.UserID, ct, int64(len(emails)))
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	if !ok {
		return nil, credits.ErrInsufficientCredits
	}

	stats, err := s.repo.InsertAssociations(ctx, ct, batchID, emails)
	if err != nil {
		return nil, fmt.Errorf("insert associations: %w", err)
	}

	deduction, err := s.ledger.DeductForBatch(ctx, b.UserID, batchID, ct)
	if err != nil {
		return nil, err
	}

	res := &StartResult{
		BatchID:     batchID,
		TotalEmails: stats.Total,
		Cached:      stats.Cached,
		Dropped:     dropped,
		Deduction:   deduction,
	}

	if stats.Cached == stats.Total {
		// Every address hit the cache; no provider work remains.
		won, err := s.repo.CompleteBatch(ctx, ct, batchID)
		if err != nil {
			return nil, fmt.Errorf("complete batch: %w", err)
		}
		if won {
			s.FireCompletion(b.UserID, ct, batchID, b.Title)
		}
		res.Status = domain.BatchCompleted
		return res, nil
	}

	if _, err := s.repo.TransitionStatus(ctx, ct, batchID, []domain.BatchStatus{domain.BatchDraft}, domain.BatchQueued); err != nil {
		return nil, fmt.Errorf("queue batch: %w", err)
	}
	res.Status = domain.BatchQueued
	return res, nil
}

// Pause moves a batch out of packer selection. Valid from draft, queued and
// processing.
func (s *Service) Pause(ctx context.Context, ct domain.CheckType, batchID string) error {
	ok, err := s.repo.TransitionStatus(ctx, ct, batchID,
		[]domain.BatchStatus{domain.BatchDraft, domain.BatchQueued, domain.BatchProcessing},
		domain.BatchPaused)
	if err != nil {
		return fmt.Errorf("pause batch: %w", err)
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Resume returns a paused batch to processing.
func (s *Service) Resume(ctx context.Context, ct domain.CheckType, batchID string) error {
	ok, err := s.repo.TransitionStatus(ctx, ct, batchID,
		[]domain.BatchStatus{domain.BatchPaused}, domain.BatchProcessing)
	if err != nil {
		return fmt.Errorf("resume batch: %w", err)
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// Archive hides a batch from listings and packer selection.
func (s *Service) Archive(ctx context.Context, ct domain.CheckType, batchID string, archived bool) error {
	if _, err := s.repo.GetBatch(ctx, ct, batchID); err != nil {
		return err
	}
	return s.repo.SetArchived(ctx, ct, batchID, archived)
}

// Get returns one batch.
func (s *Service) Get(ctx context.Context, ct domain.CheckType, batchID string) (*domain.UserBatch, error) {
	return s.repo.GetBatch(ctx, ct, batchID)
}

// List returns a user's batches, newest first.
func (s *Service) List(ctx context.Context, ct domain.CheckType, userID string, includeArchived bool) ([]domain.UserBatch, error) {
	return s.repo.ListBatches(ctx, ct, userID, includeArchived)
}

// Progress reports association completion counts for a batch.
func (s *Service) Progress(ctx context.Context, ct domain.CheckType, batchID string) (*Progress, error) {
	return s.repo.GetProgress(ctx, ct, batchID)
}

// TryComplete applies the conditional completion update and fires the
// hook when this call is the one that won the transition. Safe to call
// from any component at any time; losing the race is not an error.
func (s *Service) TryComplete(ctx context.Context, ct domain.CheckType, batchID string) (bool, error) {
	won, err := s.repo.CompleteBatch(ctx, ct, batchID)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	if !won {
		return false, nil
	}
	b, err := s.repo.GetBatch(ctx, ct, batchID)
	if err != nil {
		// The batch completed; a hook without user context is worse
		// than a log line.
		log.Printf("[Batch] completed %s but could not load it for the hook: %v", batchID, err)
		return true, nil
	}
	s.FireCompletion(b.UserID, ct, batchID, b.Title)
	return true, nil
}

// FireCompletion invokes the completion hook asynchronously. A panicking
// hook is contained here so it can never take a worker loop down.
func (s *Service) FireCompletion(userID string, ct domain.CheckType, batchID, title string) {
	if s.hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Batch] completion hook panicked for batch %s: %v", batchID, r)
			}
		}()
		s.hook(userID, ct, batchID, title)
	}()
}

// normalizeSubmission validates and strips the raw addresses, collapsing
// duplicates by stripped form. The latest nominal form wins on conflict.
// Returns the surviving emails in first-seen order and the dropped count.
func normalizeSubmission(raw []string) ([]SubmittedEmail, int) {
	index := make(map[string]int, len(raw))
	out := make([]SubmittedEmail, 0, len(raw))
	dropped := 0
	for _, addr := range raw {
		stripped, ok := emailnorm.Normalize(addr)
		if !ok {
			dropped++
			continue
		}
		if i, seen := index[stripped]; seen {
			out[i].Nominal = addr
			continue
		}
		index[stripped] = len(out)
		out = append(out, SubmittedEmail{Nominal: addr, Stripped: stripped})
	}
	return out, dropped
}
