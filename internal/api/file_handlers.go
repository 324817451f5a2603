package api

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/omniverifier/engine/internal/pkg/httputil"
)

// UploadURLRequest asks for a presigned PUT URL for a source file.
type UploadURLRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// UploadURLResponse carries the presigned URL and the key the client must
// echo back in the batch source metadata.
type UploadURLResponse struct {
	S3Key     string `json:"s3_key"`
	UploadURL string `json:"upload_url"`
}

// CreateUploadURL handles POST /api/{checkType}/uploads. The client PUTs
// the file straight to object storage; the service never proxies bytes.
func (h *Handlers) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	var req UploadURLRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.FileName == "" {
		httputil.BadRequest(w, "file_name is required")
		return
	}
	ext := strings.ToLower(path.Ext(req.FileName))
	if ext != ".csv" && ext != ".xlsx" {
		httputil.BadRequest(w, "only .csv and .xlsx source files are supported")
		return
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	key := fmt.Sprintf("uploads/%s/%s/%s%s", ct, uid, uuid.NewString(), ext)
	url, err := h.objects.PresignPut(r.Context(), key, req.ContentType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, UploadURLResponse{S3Key: key, UploadURL: url})
}

// EnrichmentProgress handles GET /api/{checkType}/batches/{batchID}/enrichment.
func (h *Handlers) EnrichmentProgress(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	p, err := h.enrichment.GetProgress(r.Context(), ct, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, p)
}

// ExportLink is one downloadable artifact of a completed batch.
type ExportLink struct {
	Kind        string    `json:"kind"`
	DownloadURL string    `json:"download_url"`
	Rows        int64     `json:"rows"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BatchExports handles GET /api/{checkType}/batches/{batchID}/exports.
// Returns presigned download links for every generated partition.
func (h *Handlers) BatchExports(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	b, err := h.batches.Get(r.Context(), ct, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if b.S3Metadata == nil || len(b.S3Metadata.Exports) == 0 {
		httputil.OK(w, map[string]any{"exports": []ExportLink{}})
		return
	}

	links := make([]ExportLink, 0, len(b.S3Metadata.Exports))
	for kind, exp := range b.S3Metadata.Exports {
		url, err := h.objects.PresignGet(r.Context(), exp.S3Key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		links = append(links, ExportLink{
			Kind:        kind,
			DownloadURL: url,
			Rows:        exp.Size,
			GeneratedAt: exp.GeneratedAt,
		})
	}
	httputil.OK(w, map[string]any{"exports": links})
}
