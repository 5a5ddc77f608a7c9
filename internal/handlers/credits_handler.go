package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/ledger"
	"github.com/colorlab/backend/internal/middleware"
	"github.com/colorlab/backend/internal/models"
	"github.com/colorlab/backend/internal/pricing"
)

// CreditsHandler serves the /v1/credits endpoints.
type CreditsHandler struct {
	Ledger ledger.Service
	Logger *zap.Logger
}

func (h *CreditsHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// Balance handles GET /v1/credits/balance. The first read creates a zero row.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	bal, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.log().Error("get balance failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Transactions handles GET /v1/credits/transactions?page=&limit=.
func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	page, limit := pagination(r, 0, maxListLimit)
	res, err := h.Ledger.ListTransactions(r.Context(), userID, page, limit)
	if err != nil {
		h.log().Error("list transactions failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Recent handles GET /v1/credits/transactions/recent.
func (h *CreditsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	items, err := h.Ledger.Recent(r.Context(), userID)
	if err != nil {
		h.log().Error("recent transactions failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if items == nil {
		items = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, items)
}

type quoteResponse struct {
	middleware.Quote
	Balance    int  `json:"balance"`
	Sufficient bool `json:"sufficient"`
}

// Quote handles POST /v1/credits/quote behind CostCheck. Nothing is charged.
func (h *CreditsHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := middleware.QuoteFromCtx(r.Context())
	if q == nil {
		writeError(w, http.StatusBadRequest, "feature is required")
		return
	}
	userID := middleware.UserIDFromCtx(r.Context())
	bal, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.log().Error("get balance failed", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: *q, Balance: bal.Balance, Sufficient: bal.Balance >= q.Cost})
}

// FeatureSupport reports whether a provider can run a feature.
type FeatureSupport interface {
	Supports(feature string) bool
}

type featureInfo struct {
	pricing.Feature
	Available bool `json:"available"`
}

// ListFeatures handles GET /v1/features (public, no auth).
func ListFeatures(providers FeatureSupport) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := pricing.Features()
		out := make([]featureInfo, 0, len(all))
		for _, f := range all {
			out = append(out, featureInfo{Feature: f, Available: providers.Supports(f.Name)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
