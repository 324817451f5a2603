package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/service/batch"
	"github.com/omniverifier/engine/internal/service/credits"
)

// MockBatchService implements batchService for handler tests.
type MockBatchService struct {
	batches  map[string]*domain.UserBatch
	started  *batch.StartResult
	startErr error
	paused   []string
}

func (m *MockBatchService) CreateDraft(_ context.Context, userID string, ct domain.CheckType, title string, source *domain.SourceObject) (*domain.UserBatch, error) {
	b := &domain.UserBatch{ID: "new-batch", UserID: userID, CheckType: ct, Title: title, Status: domain.BatchDraft}
	if source != nil {
		b.S3Metadata = &domain.S3Metadata{Original: source}
	}
	return b, nil
}

func (m *MockBatchService) StartBatch(_ context.Context, _ domain.CheckType, _ string, _ []string) (*batch.StartResult, error) {
	return m.started, m.startErr
}

func (m *MockBatchService) Pause(_ context.Context, _ domain.CheckType, id string) error {
	m.paused = append(m.paused, id)
	return nil
}

func (m *MockBatchService) Resume(_ context.Context, _ domain.CheckType, _ string) error {
	return nil
}

func (m *MockBatchService) Archive(_ context.Context, _ domain.CheckType, _ string, _ bool) error {
	return nil
}

func (m *MockBatchService) Get(_ context.Context, _ domain.CheckType, id string) (*domain.UserBatch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	return b, nil
}

func (m *MockBatchService) List(_ context.Context, _ domain.CheckType, _ string, _ bool) ([]domain.UserBatch, error) {
	out := make([]domain.UserBatch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, *b)
	}
	return out, nil
}

func (m *MockBatchService) Progress(_ context.Context, _ domain.CheckType, id string) (*batch.Progress, error) {
	if _, ok := m.batches[id]; !ok {
		return nil, batch.ErrBatchNotFound
	}
	return &batch.Progress{BatchID: id, Status: domain.BatchProcessing, TotalEmails: 100, Completed: 40}, nil
}

// MockCreditService implements creditService for handler tests.
type MockCreditService struct {
	balance int64
	history []domain.CreditHistory
}

func (m *MockCreditService) Balance(_ context.Context, _ string, _ domain.CheckType) (int64, error) {
	return m.balance, nil
}

func (m *MockCreditService) AddOneOff(_ context.Context, _ string, _ domain.CheckType, n int64, _ domain.CreditEventType) (int64, error) {
	if n <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	m.balance += n
	return m.balance, nil
}

func (m *MockCreditService) GrantSubscription(_ context.Context, _ string, _ domain.CheckType, _ int64, _ time.Time) error {
	return nil
}

func (m *MockCreditService) History(_ context.Context, _ string, _ domain.CheckType, _ int) ([]domain.CreditHistory, error) {
	return m.history, nil
}

type MockEnrichmentReader struct {
	progress *domain.EnrichmentProgress
}

func (m *MockEnrichmentReader) GetProgress(_ context.Context, _ domain.CheckType, _ string) (*domain.EnrichmentProgress, error) {
	return m.progress, nil
}

type MockPresigner struct{}

func (m *MockPresigner) PresignPut(_ context.Context, key, _ string) (string, error) {
	return "https://s3.example.com/put/" + key, nil
}

func (m *MockPresigner) PresignGet(_ context.Context, key string) (string, error) {
	return "https://s3.example.com/get/" + key, nil
}

func setupTestRouter(batches *MockBatchService, creditSvc *MockCreditService) http.Handler {
	h := NewHandlers(batches, creditSvc,
		&MockEnrichmentReader{progress: &domain.EnrichmentProgress{BatchID: "b-1", Status: domain.EnrichmentProcessing}},
		&MockPresigner{})
	return SetupRoutes(h, nil)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateBatchHandler(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/batches", CreateBatchRequest{
		Title: "Spring list",
		Source: &domain.SourceObject{
			S3Key:         "uploads/deliverable/user-1/x.csv",
			FileName:      "x.csv",
			ColumnMapping: map[string]int{"email": 0},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var b domain.UserBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, "Spring list", b.Title)
	assert.Equal(t, domain.BatchDraft, b.Status)
}

func TestCreateBatchRejectsSourceWithoutEmailColumn(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/batches", CreateBatchRequest{
		Title:  "No mapping",
		Source: &domain.SourceObject{S3Key: "uploads/x.csv", FileName: "x.csv"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatchRejectsUnknownCheckType(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/bogus/batches", CreateBatchRequest{Title: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartBatchInsufficientCreditsMapsTo402(t *testing.T) {
	batches := &MockBatchService{startErr: credits.ErrInsufficientCredits}
	handler := setupTestRouter(batches, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/batches/b-1/start",
		StartBatchRequest{Emails: []string{"a@x.com"}})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestStartBatchNotDraftMapsTo409(t *testing.T) {
	batches := &MockBatchService{startErr: batch.ErrNotDraft}
	handler := setupTestRouter(batches, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/batches/b-1/start",
		StartBatchRequest{Emails: []string{"a@x.com"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartBatchReturnsResult(t *testing.T) {
	batches := &MockBatchService{started: &batch.StartResult{
		BatchID: "b-1", Status: domain.BatchQueued, TotalEmails: 3, Cached: 1, Dropped: 1,
	}}
	handler := setupTestRouter(batches, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/batches/b-1/start",
		StartBatchRequest{Emails: []string{"a@x.com", "b@x.com", "c@x.com", "junk"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var res batch.StartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.BatchQueued, res.Status)
	assert.Equal(t, 1, res.Cached)
}

func TestGetBatchNotFound(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodGet, "/api/deliverable/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchProgressHandler(t *testing.T) {
	batches := &MockBatchService{batches: map[string]*domain.UserBatch{"b-1": {ID: "b-1"}}}
	handler := setupTestRouter(batches, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodGet, "/api/deliverable/batches/b-1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p batch.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 100, p.TotalEmails)
	assert.Equal(t, 40, p.Completed)
}

func TestCreditBalanceHandler(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{balance: 1500})

	rec := doRequest(t, handler, http.MethodGet, "/api/catchall/credits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1500), body["available"])
}

func TestCreditBalanceRequiresUserHeader(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	req := httptest.NewRequest(http.MethodGet, "/api/deliverable/credits", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUploadURLHandler(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/uploads", UploadURLRequest{
		FileName:    "list.xlsx",
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res UploadURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Contains(t, res.S3Key, "uploads/deliverable/user-1/")
	assert.Contains(t, res.S3Key, ".xlsx")
	assert.Contains(t, res.UploadURL, "https://s3.example.com/put/")
}

func TestCreateUploadURLRejectsUnsupportedExtension(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodPost, "/api/deliverable/uploads", UploadURLRequest{
		FileName: "list.pdf",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchExportsHandler(t *testing.T) {
	batches := &MockBatchService{batches: map[string]*domain.UserBatch{"b-1": {
		ID: "b-1",
		S3Metadata: &domain.S3Metadata{
			Exports: map[string]*domain.ExportObject{
				"all_emails": {S3Key: "exports/deliverable/b-1/all_emails.csv", Size: 42},
			},
		},
	}}}
	handler := setupTestRouter(batches, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodGet, "/api/deliverable/batches/b-1/exports", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Exports []ExportLink `json:"exports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Exports, 1)
	assert.Equal(t, "all_emails", body.Exports[0].Kind)
	assert.Equal(t, int64(42), body.Exports[0].Rows)
	assert.Contains(t, body.Exports[0].DownloadURL, "exports/deliverable/b-1/all_emails.csv")
}

func TestHealthHandler(t *testing.T) {
	handler := setupTestRouter(&MockBatchService{}, &MockCreditService{})

	rec := doRequest(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
