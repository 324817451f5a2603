package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/provider"
	"github.com/omniverifier/engine/internal/repository/postgres"
)

type fakePackerStore struct {
	inFlight  int
	pools     [][]postgres.PackCandidate
	committed []*domain.ProviderBatch
}

func (f *fakePackerStore) CountInFlight(_ context.Context, _ domain.CheckType) (int, error) {
	return f.inFlight, nil
}

func (f *fakePackerStore) SelectPackable(_ context.Context, _ domain.CheckType, limit, _ int) ([]postgres.PackCandidate, error) {
	if len(f.pools) == 0 {
		return nil, nil
	}
	pool := f.pools[0]
	f.pools = f.pools[1:]
	if len(pool) > limit {
		pool = pool[:limit]
	}
	return pool, nil
}

func (f *fakePackerStore) CommitProviderBatch(_ context.Context, _ domain.CheckType, pb *domain.ProviderBatch, _ []postgres.PackCandidate) error {
	f.committed = append(f.committed, pb)
	f.inFlight++
	return nil
}

type fakeAPI struct {
	created   int
	createErr error
	statuses  map[string]*provider.StatusResponse
	statusErr map[string]error
	results   map[string][]domain.ProviderResult
	resultErr error
}

func (f *fakeAPI) CreateBatch(_ context.Context, _ domain.CheckType, emails []string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("pb-%d", f.created), nil
}

func (f *fakeAPI) CheckStatus(_ context.Context, id string) (*provider.StatusResponse, error) {
	if err := f.statusErr[id]; err != nil {
		return nil, err
	}
	return f.statuses[id], nil
}

func (f *fakeAPI) DownloadResults(_ context.Context, id string) ([]domain.ProviderResult, error) {
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return f.results[id], nil
}

// fakeGov allows a fixed number of requests per kind.
type fakeGov struct {
	allowed  map[domain.RequestKind]int
	recorded map[domain.RequestKind]int
}

func newFakeGov(allowed int) *fakeGov {
	g := &fakeGov{allowed: map[domain.RequestKind]int{}, recorded: map[domain.RequestKind]int{}}
	for _, k := range []domain.RequestKind{domain.RequestCreateBatch, domain.RequestCheckStatus, domain.RequestDownloadResults} {
		g.allowed[k] = allowed
	}
	return g
}

func (g *fakeGov) Check(_ context.Context, _ domain.CheckType, kind domain.RequestKind) (bool, int, error) {
	return g.recorded[kind] < g.allowed[kind], g.recorded[kind], nil
}

func (g *fakeGov) Record(_ context.Context, _ domain.CheckType, kind domain.RequestKind, n int) error {
	g.recorded[kind] += n
	return nil
}

func candidates(batchID string, start, n int) []postgres.PackCandidate {
	out := make([]postgres.PackCandidate, n)
	for i := range out {
		out[i] = postgres.PackCandidate{
			UserBatchID:   batchID,
			EmailGlobalID: int64(start + i),
			EmailStripped: fmt.Sprintf("u%d@x.com", start+i),
		}
	}
	return out
}

func newTestPacker(store *fakePackerStore, api *fakeAPI, gov *fakeGov) *Packer {
	p := NewPacker(store, api, gov, PackerConfig{
		CheckType:     domain.CheckDeliverable,
		MaxConcurrent: 10,
		MaxEmails:     10000,
		MaxEmailRetry: 3,
		Interval:      time.Second,
	})
	p.ctx = context.Background()
	return p
}

func TestPackerCoalescesAcrossUserBatches(t *testing.T) {
	// Two user batches of 3,000 and 4,000 queued together become one
	// provider batch of 7,000 with the older batch as primary.
	pool := append(candidates("old-batch", 0, 3000), candidates("new-batch", 3000, 4000)...)
	store := &fakePackerStore{pools: [][]postgres.PackCandidate{pool}}
	api := &fakeAPI{}
	gov := newFakeGov(180)

	newTestPacker(store, api, gov).runOnce()

	if len(store.committed) != 1 {
		t.Fatalf("committed %d provider batches, want 1", len(store.committed))
	}
	pb := store.committed[0]
	if pb.EmailCount != 7000 {
		t.Fatalf("email count = %d, want 7000", pb.EmailCount)
	}
	if pb.PrimaryUserBatchID != "old-batch" {
		t.Fatalf("primary = %s, want old-batch", pb.PrimaryUserBatchID)
	}
	if gov.recorded[domain.RequestCreateBatch] != 1 {
		t.Fatalf("recorded %d create_batch requests, want 1", gov.recorded[domain.RequestCreateBatch])
	}
}

func TestPackerRespectsConcurrencyCap(t *testing.T) {
	store := &fakePackerStore{
		inFlight: 8,
		pools: [][]postgres.PackCandidate{
			candidates("b1", 0, 100),
			candidates("b2", 100, 100),
			candidates("b3", 200, 100),
		},
	}
	api := &fakeAPI{}
	gov := newFakeGov(180)

	newTestPacker(store, api, gov).runOnce()

	// Capacity was 10-8=2, so the third pool stays queued.
	if len(store.committed) != 2 {
		t.Fatalf("committed %d provider batches, want 2", len(store.committed))
	}
}

func TestPackerDefersWhenWindowFull(t *testing.T) {
	store := &fakePackerStore{pools: [][]postgres.PackCandidate{candidates("b1", 0, 10)}}
	api := &fakeAPI{}
	gov := newFakeGov(0)

	newTestPacker(store, api, gov).runOnce()

	if len(store.committed) != 0 || api.created != 0 {
		t.Fatal("packer must not submit when the rate window is full")
	}
}

func TestPackerStopsOnProviderRateLimit(t *testing.T) {
	store := &fakePackerStore{pools: [][]postgres.PackCandidate{
		candidates("b1", 0, 10),
		candidates("b2", 10, 10),
	}}
	api := &fakeAPI{createErr: provider.ErrRateLimited}
	gov := newFakeGov(180)

	newTestPacker(store, api, gov).runOnce()

	if len(store.committed) != 0 {
		t.Fatal("nothing must be committed on provider rate limit")
	}
	// The attempted call still charges the window.
	if gov.recorded[domain.RequestCreateBatch] != 1 {
		t.Fatalf("recorded %d requests, want 1", gov.recorded[domain.RequestCreateBatch])
	}
}
