package worker

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// partitionWriter buffers one export partition in a temp file. The BOM
// and header are written lazily, so an empty partition produces no file.
type partitionWriter struct {
	kind   domain.ExportKind
	header []string
	file   *os.File
	w      *csv.Writer
	rows   int64
}

type partitionWriters struct {
	tempDir string
	byKind  map[domain.ExportKind]*partitionWriter
	order   []domain.ExportKind
}

// newPartitionWriters prepares one writer per export kind of the check
// type, with the source header extended by the synthesised columns.
func (e *Enricher) newPartitionWriters(ct domain.CheckType, headers []string) (*partitionWriters, error) {
	extended := append([]string{}, headers...)
	if ct == domain.CheckCatchall {
		extended = append(extended, "Catch-All Status")
	} else {
		extended = append(extended, "OmniVerifier Status", "OmniVerifier Mail Server")
	}

	pw := &partitionWriters{
		tempDir: e.tempDir,
		byKind:  make(map[domain.ExportKind]*partitionWriter),
	}
	for _, kind := range domain.ExportKindsFor(ct) {
		pw.byKind[kind] = &partitionWriter{kind: kind, header: extended}
		pw.order = append(pw.order, kind)
	}
	return pw, nil
}

func (p *partitionWriters) write(kind domain.ExportKind, row []string) error {
	w, ok := p.byKind[kind]
	if !ok {
		return nil
	}
	if w.file == nil {
		f, err := os.CreateTemp(p.tempDir, fmt.Sprintf("export-%s-*.csv", kind))
		if err != nil {
			return fmt.Errorf("create export temp: %w", err)
		}
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("write BOM: %w", err)
		}
		w.file = f
		w.w = csv.NewWriter(f)
		if err := w.w.Write(w.header); err != nil {
			return fmt.Errorf("write export header: %w", err)
		}
	}
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("write export row: %w", err)
	}
	w.rows++
	return nil
}

// uploadAll flushes every non-empty partition to object storage and
// returns the export metadata to record on the batch. Size is the data
// row count, not bytes.
func (p *partitionWriters) uploadAll(ctx context.Context, objects objectStore, ct domain.CheckType, batchID string) (map[string]*domain.ExportObject, error) {
	exports := make(map[string]*domain.ExportObject)
	for _, kind := range p.order {
		w := p.byKind[kind]
		if w.file == nil || w.rows == 0 {
			continue
		}
		w.w.Flush()
		if err := w.w.Error(); err != nil {
			return nil, fmt.Errorf("flush export %s: %w", kind, err)
		}
		if _, err := w.file.Seek(0, 0); err != nil {
			return nil, fmt.Errorf("rewind export %s: %w", kind, err)
		}

		key := fmt.Sprintf("exports/%s/%s/%s.csv", ct, batchID, kind)
		if err := objects.Upload(ctx, key, exportContentType, w.file); err != nil {
			return nil, fmt.Errorf("upload export %s: %w", kind, err)
		}
		exports[string(kind)] = &domain.ExportObject{
			S3Key:       key,
			GeneratedAt: time.Now().UTC(),
			Size:        w.rows,
			Status:      "completed",
		}
	}
	return exports, nil
}

func (p *partitionWriters) cleanup() {
	for _, w := range p.byKind {
		if w.file != nil {
			w.file.Close()
			os.Remove(w.file.Name())
		}
	}
}
