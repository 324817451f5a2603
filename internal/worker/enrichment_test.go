package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/distlock"
)

type fakeObjectStore struct {
	objects map[string][]byte
	uploads map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}, uploads: map[string][]byte{}}
}

func (f *fakeObjectStore) Download(_ context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeObjectStore) Upload(_ context.Context, key, _ string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.uploads[key] = data
	return nil
}

type fakeEnrichStore struct {
	started     int
	completedAt int64
	failedMsg   string

	deliverable map[string]domain.DeliverableResult
	catchall    map[string]domain.CatchallResult
}

func (f *fakeEnrichStore) StartRun(_ context.Context, _ domain.CheckType, _ string, _ *int64) error {
	f.started++
	return nil
}

func (f *fakeEnrichStore) UpdateRows(_ context.Context, _ domain.CheckType, _ string, _ int64) error {
	return nil
}

func (f *fakeEnrichStore) CompleteRun(_ context.Context, _ domain.CheckType, _ string, rows int64) error {
	f.completedAt = rows
	return nil
}

func (f *fakeEnrichStore) FailRun(_ context.Context, _ domain.CheckType, _ string, msg string) error {
	f.failedMsg = msg
	return nil
}

func (f *fakeEnrichStore) DeliverableResultsForBatch(_ context.Context, _ string) (map[string]domain.DeliverableResult, error) {
	return f.deliverable, nil
}

func (f *fakeEnrichStore) CatchallResultsForBatch(_ context.Context, _ string) (map[string]domain.CatchallResult, error) {
	return f.catchall, nil
}

type fakeBatchMeta struct {
	batch *domain.UserBatch
	saved *domain.S3Metadata
}

func (f *fakeBatchMeta) GetBatch(_ context.Context, _ domain.CheckType, _ string) (*domain.UserBatch, error) {
	return f.batch, nil
}

func (f *fakeBatchMeta) UpdateS3Metadata(_ context.Context, _ domain.CheckType, _ string, meta *domain.S3Metadata) error {
	f.saved = meta
	return nil
}

func newEnricherFixture(t *testing.T, ct domain.CheckType, csvBody string, store *fakeEnrichStore) (*Enricher, *fakeObjectStore, *fakeBatchMeta) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	objects := newFakeObjectStore()
	objects.objects["uploads/src.csv"] = []byte(csvBody)

	meta := &fakeBatchMeta{batch: &domain.UserBatch{
		ID:        "ub-1",
		UserID:    "user-1",
		CheckType: ct,
		Status:    domain.BatchCompleted,
		S3Metadata: &domain.S3Metadata{
			Original: &domain.SourceObject{
				S3Key:         "uploads/src.csv",
				FileName:      "src.csv",
				MimeType:      "text/csv",
				ColumnMapping: map[string]int{"email": 0},
			},
		},
	}}

	locks := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(rdb, nil, key, ttl)
	}
	return NewEnricher(meta, store, objects, locks, rdb, 10000), objects, meta
}

func TestEnrichPartitionsDeliverableBatch(t *testing.T) {
	src := "email,name\r\n" +
		"a@x.com,Ann\r\n" +
		"b@x.com,Bob\r\n" +
		"c@x.com,Cat\r\n" +
		"a@x.com,Ann Again\r\n" + // duplicate, dropped
		"d@x.com,Dee\r\n" // no result, dropped
	store := &fakeEnrichStore{deliverable: map[string]domain.DeliverableResult{
		"a@x.com": {Status: domain.ResultDeliverable, Provider: "google"},
		"b@x.com": {Status: domain.ResultUndeliverable, Provider: "other"},
		"c@x.com": {Status: domain.ResultRisky, Reason: "low_deliverability", IsCatchall: true},
	}}
	enricher, objects, meta := newEnricherFixture(t, domain.CheckDeliverable, src, store)

	if err := enricher.Run(context.Background(), domain.CheckDeliverable, "ub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	all, ok := objects.uploads["exports/deliverable/ub-1/all_emails.csv"]
	if !ok {
		t.Fatalf("all_emails export missing, uploaded: %v", keysOf(objects.uploads))
	}
	if !bytes.HasPrefix(all, utf8BOM) {
		t.Fatal("export must start with a UTF-8 BOM")
	}
	lines := strings.Split(strings.TrimRight(string(all[3:]), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("all_emails has %d lines, want header + 3 rows: %q", len(lines), lines)
	}
	if lines[0] != "email,name,OmniVerifier Status,OmniVerifier Mail Server" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "a@x.com,Ann,Valid,google" {
		t.Fatalf("row 1 = %q", lines[1])
	}
	// Provider "other" is blanked in the mail server column.
	if lines[2] != "b@x.com,Bob,Invalid," {
		t.Fatalf("row 2 = %q", lines[2])
	}
	if lines[3] != "c@x.com,Cat,Catch-All," {
		t.Fatalf("row 3 = %q", lines[3])
	}

	if _, ok := objects.uploads["exports/deliverable/ub-1/valid_only.csv"]; !ok {
		t.Fatal("valid_only export missing")
	}
	if _, ok := objects.uploads["exports/deliverable/ub-1/invalid_only.csv"]; !ok {
		t.Fatal("invalid_only export missing")
	}

	if meta.saved == nil {
		t.Fatal("export metadata was not recorded on the batch")
	}
	if exp := meta.saved.Exports["all_emails"]; exp == nil || exp.Size != 3 {
		t.Fatalf("all_emails metadata = %+v, want size 3", meta.saved.Exports["all_emails"])
	}
	if store.completedAt != 5 {
		t.Fatalf("completed run at %d rows, want 5", store.completedAt)
	}
}

func TestEnrichSkipsEmptyPartitions(t *testing.T) {
	src := "email\na@x.com\n"
	store := &fakeEnrichStore{catchall: map[string]domain.CatchallResult{
		"a@x.com": {Status: domain.ResultDeliverable},
	}}
	enricher, objects, _ := newEnricherFixture(t, domain.CheckCatchall, src, store)

	if err := enricher.Run(context.Background(), domain.CheckCatchall, "ub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	all, ok := objects.uploads["exports/catchall/ub-1/all_emails.csv"]
	if !ok {
		t.Fatal("all_emails export missing")
	}
	if !strings.Contains(string(all), "Catch-All Status") {
		t.Fatalf("catchall header missing synthesised column: %q", all)
	}
	if !strings.Contains(string(all), "a@x.com,Good") {
		t.Fatalf("deliverable catchall result must read Good: %q", all)
	}
	if _, ok := objects.uploads["exports/catchall/ub-1/good_only.csv"]; !ok {
		t.Fatal("good_only export missing")
	}
	// No bad or risky rows, so those partitions produce no object.
	for _, key := range []string{"exports/catchall/ub-1/bad_only.csv", "exports/catchall/ub-1/risky_only.csv"} {
		if _, ok := objects.uploads[key]; ok {
			t.Fatalf("empty partition %s must not be uploaded", key)
		}
	}
}

func TestEnrichHandlesBOMSource(t *testing.T) {
	src := string(utf8BOM) + "email\na@x.com\n"
	store := &fakeEnrichStore{deliverable: map[string]domain.DeliverableResult{
		"a@x.com": {Status: domain.ResultDeliverable, Provider: "google"},
	}}
	enricher, objects, _ := newEnricherFixture(t, domain.CheckDeliverable, src, store)

	if err := enricher.Run(context.Background(), domain.CheckDeliverable, "ub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := string(objects.uploads["exports/deliverable/ub-1/all_emails.csv"])
	if !strings.Contains(all, "a@x.com,Valid,google") {
		t.Fatalf("BOM-prefixed source not joined: %q", all)
	}
}

func TestEnrichFailureIsRecorded(t *testing.T) {
	store := &fakeEnrichStore{}
	enricher, _, meta := newEnricherFixture(t, domain.CheckDeliverable, "email\n", store)
	meta.batch.S3Metadata = nil

	if err := enricher.Run(context.Background(), domain.CheckDeliverable, "ub-1"); err == nil {
		t.Fatal("expected error for a batch without a source file")
	}
	if store.failedMsg == "" {
		t.Fatal("failure must be recorded on the progress row")
	}
}

func TestRunSkipsWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	held := distlock.NewLock(rdb, nil, "enrich:deliverable:ub-1", time.Minute)
	if ok, err := held.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("pre-acquire lease: ok=%v err=%v", ok, err)
	}

	store := &fakeEnrichStore{}
	enricher := NewEnricher(&fakeBatchMeta{}, store, newFakeObjectStore(), func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(rdb, nil, key, ttl)
	}, rdb, 10000)

	if err := enricher.Run(context.Background(), domain.CheckDeliverable, "ub-1"); err != nil {
		t.Fatalf("Run while lease held must be a silent skip, got %v", err)
	}
	if store.started != 0 {
		t.Fatal("a skipped run must not touch the progress row")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
