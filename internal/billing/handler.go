package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/middleware"
)

const (
	maxWebhookBytes = 64 << 10
	maxIntentBytes  = 1 << 10
)

type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// StripeWebhook handles POST /v1/webhooks/stripe.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	status, err := h.svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn("stripe webhook rejected", zap.Int("status", status), zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

// Plans handles GET /v1/credits/plans.
func (h *Handler) Plans(w http.ResponseWriter, _ *http.Request) {
	out := make([]Plan, 0, len(plans))
	for _, id := range []string{"basic", "standard", "premium", "subscription"} {
		out = append(out, plans[id])
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// CreatePaymentIntent handles POST /v1/credits/payment-intent.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntentBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := h.svc.CreatePaymentIntent(r.Context(), userID, body.PlanID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, out)
	case errors.Is(err, ErrUnknownPlan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPaymentsDisabled):
		writeError(w, http.StatusServiceUnavailable, "payments are not enabled")
	default:
		h.log.Error("create payment intent", zap.String("user_id", userID.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
