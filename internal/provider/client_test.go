package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/provider"
)

func TestCreateBatch(t *testing.T) {
	var gotAuth string
	var gotReq provider.CreateBatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/batches" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(provider.CreateBatchResponse{BatchID: "pb-42"})
	}))
	defer srv.Close()

	c := provider.NewClientWithDoer(srv.URL, "secret", srv.Client())
	id, err := c.CreateBatch(context.Background(), domain.CheckDeliverable, []string{"a@x.com", "b@x.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "pb-42" {
		t.Fatalf("id = %q, want pb-42", id)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.CheckType != "deliverable" || len(gotReq.Emails) != 2 {
		t.Fatalf("request payload = %+v", gotReq)
	}
}

func TestCreateBatchEmptyPool(t *testing.T) {
	c := provider.NewClientWithDoer("http://unused", "k", nil)
	if _, err := c.CreateBatch(context.Background(), domain.CheckDeliverable, nil); err == nil {
		t.Fatal("empty pool must error without a request")
	}
}

func TestCheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/batches/pb-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(provider.StatusResponse{
			BatchID: "pb-1", Status: "in_progress", Processed: 500, Total: 1000,
		})
	}))
	defer srv.Close()

	c := provider.NewClientWithDoer(srv.URL, "k", srv.Client())
	st, err := c.CheckStatus(context.Background(), "pb-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Processed != 500 {
		t.Fatalf("processed = %d, want 500", st.Processed)
	}
	// Unrecognised non-terminal strings map to processing.
	if st.BatchStatus() != domain.ProviderProcessing {
		t.Fatalf("status = %s, want processing", st.BatchStatus())
	}
}

func TestDownloadResultsIgnoresUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"batch_id":"pb-1","results":[
			{"email":"a@x.com","status":"deliverable","score":97,"mystery_field":true},
			{"email":"b@x.com","status":"risky","reason":"low_deliverability","is_catchall":"true"}
		]}`))
	}))
	defer srv.Close()

	c := provider.NewClientWithDoer(srv.URL, "k", srv.Client())
	results, err := c.DownloadResults(context.Background(), "pb-1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Score != 97 || results[1].IsCatchall != "true" {
		t.Fatalf("results decoded wrong: %+v", results)
	}
	// Missing fields keep zero values for the applier to default.
	if results[0].Reason != "" || results[1].Score != 0 {
		t.Fatalf("missing fields not zero: %+v", results)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusPaymentRequired, provider.ErrPaymentRequired},
		{http.StatusNotFound, provider.ErrBatchNotFound},
		{http.StatusTooManyRequests, provider.ErrRateLimited},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := provider.NewClientWithDoer(srv.URL, "k", srv.Client())
		_, err := c.CheckStatus(context.Background(), "pb-1")
		srv.Close()
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestErrorMappingGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("duplicate submission"))
	}))
	defer srv.Close()

	c := provider.NewClientWithDoer(srv.URL, "k", srv.Client())
	_, err := c.CheckStatus(context.Background(), "pb-1")
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Body != "duplicate submission" {
		t.Fatalf("api error = %+v", apiErr)
	}
}
