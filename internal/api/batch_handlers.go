package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/httputil"
)

// CreateBatchRequest creates a draft batch, optionally attached to an
// already-uploaded source file.
type CreateBatchRequest struct {
	Title  string               `json:"title"`
	Source *domain.SourceObject `json:"source,omitempty"`
}

// CreateBatch handles POST /api/{checkType}/batches.
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	var req CreateBatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Source != nil {
		if _, ok := req.Source.EmailColumn(); !ok {
			httputil.BadRequest(w, "source column_mapping must include an email column")
			return
		}
	}

	b, err := h.batches.CreateDraft(r.Context(), uid, ct, req.Title, req.Source)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, b)
}

// ListBatches handles GET /api/{checkType}/batches.
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	batches, err := h.batches.List(r.Context(), ct, uid, includeArchived)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"batches": batches, "count": len(batches)})
}

// GetBatch handles GET /api/{checkType}/batches/{batchID}.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	b, err := h.batches.Get(r.Context(), ct, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, b)
}

// StartBatchRequest carries the submitted addresses.
type StartBatchRequest struct {
	Emails []string `json:"emails"`
}

// StartBatch handles POST /api/{checkType}/batches/{batchID}/start.
func (h *Handlers) StartBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	var req StartBatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	res, err := h.batches.StartBatch(r.Context(), ct, chi.URLParam(r, "batchID"), req.Emails)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, res)
}

// PauseBatch handles POST /api/{checkType}/batches/{batchID}/pause.
func (h *Handlers) PauseBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	if err := h.batches.Pause(r.Context(), ct, chi.URLParam(r, "batchID")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": string(domain.BatchPaused)})
}

// ResumeBatch handles POST /api/{checkType}/batches/{batchID}/resume.
func (h *Handlers) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	if err := h.batches.Resume(r.Context(), ct, chi.URLParam(r, "batchID")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": string(domain.BatchProcessing)})
}

// ArchiveBatchRequest flips the archive flag.
type ArchiveBatchRequest struct {
	Archived bool `json:"archived"`
}

// ArchiveBatch handles POST /api/{checkType}/batches/{batchID}/archive.
func (h *Handlers) ArchiveBatch(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	var req ArchiveBatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.batches.Archive(r.Context(), ct, chi.URLParam(r, "batchID"), req.Archived); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// BatchProgress handles GET /api/{checkType}/batches/{batchID}/progress.
func (h *Handlers) BatchProgress(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	p, err := h.batches.Progress(r.Context(), ct, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, p)
}
