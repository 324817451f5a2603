package worker

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/emailnorm"
	"github.com/omniverifier/engine/internal/pkg/distlock"
)

const (
	// enrichLockTTL bounds a crashed run's lease.
	enrichLockTTL = 30 * time.Minute
	// exportContentType is the encoding every export is served with.
	exportContentType = "text/csv; charset=utf-8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// objectStore is the storage surface enrichment needs.
type objectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
}

// enrichmentStore persists run progress and serves cached results.
type enrichmentStore interface {
	StartRun(ctx context.Context, ct domain.CheckType, batchID string, totalRows *int64) error
	UpdateRows(ctx context.Context, ct domain.CheckType, batchID string, rows int64) error
	CompleteRun(ctx context.Context, ct domain.CheckType, batchID string, rows int64) error
	FailRun(ctx context.Context, ct domain.CheckType, batchID, message string) error
	DeliverableResultsForBatch(ctx context.Context, batchID string) (map[string]domain.DeliverableResult, error)
	CatchallResultsForBatch(ctx context.Context, batchID string) (map[string]domain.CatchallResult, error)
}

// batchMetaStore reads and writes user-batch export metadata.
type batchMetaStore interface {
	GetBatch(ctx context.Context, ct domain.CheckType, batchID string) (*domain.UserBatch, error)
	UpdateS3Metadata(ctx context.Context, ct domain.CheckType, batchID string, meta *domain.S3Metadata) error
}

// lockFactory builds the per-run lease.
type lockFactory func(key string, ttl time.Duration) distlock.DistLock

// Enricher streams a batch's source file, joins each row against the
// cached results, and writes partitioned CSV exports back to object
// storage. Runs are serialised per (batch_id, check_type) by a
// distributed lease.
type Enricher struct {
	batches      batchMetaStore
	store        enrichmentStore
	objects      objectStore
	locks        lockFactory
	redis        *redis.Client
	progressRows int64
	tempDir      string
}

func NewEnricher(batches batchMetaStore, store enrichmentStore, objects objectStore, locks lockFactory, redisClient *redis.Client, progressRows int) *Enricher {
	if progressRows <= 0 {
		progressRows = 10000
	}
	return &Enricher{
		batches:      batches,
		store:        store,
		objects:      objects,
		locks:        locks,
		redis:        redisClient,
		progressRows: int64(progressRows),
		tempDir:      os.TempDir(),
	}
}

// Trigger launches an enrichment run asynchronously. Used as part of the
// completion hook.
func (e *Enricher) Trigger(ct domain.CheckType, batchID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		if err := e.Run(ctx, ct, batchID); err != nil {
			log.Printf("[Enricher:%s] run for batch %s: %v", ct, batchID, err)
		}
	}()
}

// Run performs one enrichment pass. A second caller for the same key
// returns immediately without an error while the first holds the lease.
func (e *Enricher) Run(ctx context.Context, ct domain.CheckType, batchID string) error {
	lock := e.locks(fmt.Sprintf("enrich:%s:%s", ct, batchID), enrichLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire enrichment lease: %w", err)
	}
	if !acquired {
		log.Printf("[Enricher:%s] batch %s already being enriched, skipping", ct, batchID)
		return nil
	}
	defer lock.Release(context.Background())

	if err := e.enrich(ctx, ct, batchID); err != nil {
		if ferr := e.store.FailRun(ctx, ct, batchID, err.Error()); ferr != nil {
			log.Printf("[Enricher:%s] record failure for %s: %v", ct, batchID, ferr)
		}
		return err
	}
	return nil
}

func (e *Enricher) enrich(ctx context.Context, ct domain.CheckType, batchID string) error {
	b, err := e.batches.GetBatch(ctx, ct, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b.S3Metadata == nil || b.S3Metadata.Original == nil {
		return fmt.Errorf("batch %s has no source file", batchID)
	}
	source := b.S3Metadata.Original
	emailCol, ok := source.EmailColumn()
	if !ok {
		return fmt.Errorf("source file has no email column mapping")
	}

	if err := e.store.StartRun(ctx, ct, batchID, nil); err != nil {
		return err
	}

	lookup, err := e.loadResults(ctx, ct, batchID)
	if err != nil {
		return err
	}

	rows, cleanup, err := e.openSource(ctx, source)
	if err != nil {
		return err
	}
	defer cleanup()

	headers, err := rows.Next()
	if err != nil {
		return fmt.Errorf("read header row: %w", err)
	}
	if emailCol >= len(headers) {
		return fmt.Errorf("email column %d exceeds header count %d", emailCol, len(headers))
	}

	writers, err := e.newPartitionWriters(ct, headers)
	if err != nil {
		return err
	}
	defer writers.cleanup()

	var processed int64
	seen := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read source row: %w", err)
		}

		processed++
		if processed%e.progressRows == 0 {
			if uerr := e.store.UpdateRows(ctx, ct, batchID, processed); uerr != nil {
				log.Printf("[Enricher:%s] progress update for %s: %v", ct, batchID, uerr)
			}
			e.mirrorProgress(ctx, ct, batchID, processed)
		}

		if emailCol >= len(row) {
			continue
		}
		stripped, ok := emailnorm.Normalize(row[emailCol])
		if !ok || seen[stripped] {
			continue
		}
		verdict, mailServer, ok := lookup(stripped)
		if !ok {
			continue
		}
		seen[stripped] = true

		enriched := append(append([]string{}, row...), string(verdict))
		if ct == domain.CheckDeliverable {
			enriched = append(enriched, mailServer)
		}
		if err := writers.write(domain.ExportAllEmails, enriched); err != nil {
			return err
		}
		if err := writers.write(domain.ExportKindForVerdict(verdict), enriched); err != nil {
			return err
		}
	}

	exports, err := writers.uploadAll(ctx, e.objects, ct, batchID)
	if err != nil {
		return err
	}

	meta := b.S3Metadata
	meta.Exports = exports
	if err := e.batches.UpdateS3Metadata(ctx, ct, batchID, meta); err != nil {
		return fmt.Errorf("record export metadata: %w", err)
	}

	if err := e.store.CompleteRun(ctx, ct, batchID, processed); err != nil {
		return err
	}
	e.mirrorProgress(ctx, ct, batchID, processed)
	log.Printf("[Enricher:%s] batch %s enriched: %d rows, %d exports", ct, batchID, processed, len(exports))
	return nil
}

// loadResults builds the in-memory join table. Rows whose cached status
// is outside {deliverable, undeliverable, risky} are treated as missing.
func (e *Enricher) loadResults(ctx context.Context, ct domain.CheckType, batchID string) (func(stripped string) (domain.Verdict, string, bool), error) {
	usable := func(s domain.ResultStatus) bool {
		return s == domain.ResultDeliverable || s == domain.ResultUndeliverable || s == domain.ResultRisky
	}

	if ct == domain.CheckCatchall {
		results, err := e.store.CatchallResultsForBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		return func(stripped string) (domain.Verdict, string, bool) {
			r, ok := results[stripped]
			if !ok || !usable(r.Status) {
				return "", "", false
			}
			return domain.CatchallVerdict(r), "", true
		}, nil
	}

	results, err := e.store.DeliverableResultsForBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	return func(stripped string) (domain.Verdict, string, bool) {
		r, ok := results[stripped]
		if !ok || !usable(r.Status) {
			return "", "", false
		}
		mailServer := r.Provider
		if mailServer == "other" {
			mailServer = ""
		}
		return domain.DeliverableVerdict(r), mailServer, true
	}, nil
}

func (e *Enricher) mirrorProgress(ctx context.Context, ct domain.CheckType, batchID string, rows int64) {
	if e.redis == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"batch_id":       batchID,
		"check_type":     ct,
		"rows_processed": rows,
		"updated_at":     time.Now().UTC(),
	})
	key := fmt.Sprintf("enrich:progress:%s:%s", ct, batchID)
	if err := e.redis.Set(ctx, key, payload, time.Hour).Err(); err != nil {
		log.Printf("[Enricher:%s] progress mirror: %v", ct, err)
	}
}

// rowReader yields source rows as string slices.
type rowReader interface {
	Next() ([]string, error)
}

type csvRowReader struct{ r *csv.Reader }

func (c *csvRowReader) Next() ([]string, error) { return c.r.Read() }

type xlsxRowReader struct{ rows *excelize.Rows }

func (x *xlsxRowReader) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

// openSource opens the batch's source object as a row stream. CSV streams
// directly; XLSX is buffered to a temp file first because the format is
// not stream-parseable.
func (e *Enricher) openSource(ctx context.Context, source *domain.SourceObject) (rowReader, func(), error) {
	body, _, err := e.objects.Download(ctx, source.S3Key)
	if err != nil {
		return nil, nil, fmt.Errorf("open source stream: %w", err)
	}

	if isXLSX(source) {
		defer body.Close()
		tmp, err := os.CreateTemp(e.tempDir, "enrich-src-*.xlsx")
		if err != nil {
			return nil, nil, fmt.Errorf("create temp file: %w", err)
		}
		if _, err := io.Copy(tmp, body); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, nil, fmt.Errorf("buffer xlsx source: %w", err)
		}
		tmp.Close()

		book, err := excelize.OpenFile(tmp.Name())
		if err != nil {
			os.Remove(tmp.Name())
			return nil, nil, fmt.Errorf("open xlsx: %w", err)
		}
		sheets := book.GetSheetList()
		if len(sheets) == 0 {
			book.Close()
			os.Remove(tmp.Name())
			return nil, nil, fmt.Errorf("xlsx has no worksheets")
		}
		rows, err := book.Rows(sheets[0])
		if err != nil {
			book.Close()
			os.Remove(tmp.Name())
			return nil, nil, fmt.Errorf("iterate xlsx rows: %w", err)
		}
		cleanup := func() {
			rows.Close()
			book.Close()
			os.Remove(tmp.Name())
		}
		return &xlsxRowReader{rows: rows}, cleanup, nil
	}

	reader := csv.NewReader(stripBOM(bufio.NewReader(body)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	return &csvRowReader{r: reader}, func() { body.Close() }, nil
}

func isXLSX(source *domain.SourceObject) bool {
	if strings.Contains(source.MimeType, "spreadsheetml") {
		return true
	}
	return strings.EqualFold(filepath.Ext(source.FileName), ".xlsx")
}

// stripBOM removes a leading UTF-8 BOM if present.
func stripBOM(r *bufio.Reader) io.Reader {
	head, err := r.Peek(3)
	if err == nil && head[0] == utf8BOM[0] && head[1] == utf8BOM[1] && head[2] == utf8BOM[2] {
		r.Discard(3)
	}
	return r
}
