package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/httputil"
)

// CreditBalance handles GET /api/{checkType}/credits.
func (h *Handlers) CreditBalance(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	balance, err := h.credits.Balance(r.Context(), uid, ct)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"check_type": ct, "available": balance})
}

// AddCreditsRequest credits the one-off pool.
type AddCreditsRequest struct {
	Amount int64  `json:"amount"`
	Event  string `json:"event"`
}

// AddCredits handles POST /api/{checkType}/credits.
func (h *Handlers) AddCredits(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	var req AddCreditsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	event := domain.CreditEventType(req.Event)
	if event == "" {
		event = domain.CreditPurchase
	}

	balance, err := h.credits.AddOneOff(r.Context(), uid, ct, req.Amount, event)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"check_type": ct, "balance": balance})
}

// GrantSubscriptionRequest creates a use-or-lose subscription bucket.
type GrantSubscriptionRequest struct {
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantSubscription handles POST /api/{checkType}/credits/subscription.
func (h *Handlers) GrantSubscription(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	var req GrantSubscriptionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.credits.GrantSubscription(r.Context(), uid, ct, req.Amount, req.ExpiresAt); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, map[string]any{"check_type": ct, "granted": req.Amount, "expires_at": req.ExpiresAt})
}

// CreditHistory handles GET /api/{checkType}/credits/history.
func (h *Handlers) CreditHistory(w http.ResponseWriter, r *http.Request) {
	ct, ok := checkType(w, r)
	if !ok {
		return
	}
	uid := userID(r)
	if uid == "" {
		httputil.BadRequest(w, "X-User-ID header is required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.credits.History(r.Context(), uid, ct, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"history": entries, "count": len(entries)})
}
