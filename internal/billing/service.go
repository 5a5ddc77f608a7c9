// Package billing turns confirmed Stripe payments into ledger credits.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/ledger"
	"github.com/colorlab/backend/internal/models"
)

var ErrNotConfigured = errors.New("stripe webhook secret not configured")

type EventStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

type Crediter interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error)
}

type Service struct {
	secret string
	events EventStore
	ledger Crediter
	log    *zap.Logger

	intents  IntentCreator
	currency string
}

func NewService(secret string, events EventStore, crediter Crediter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{secret: secret, events: events, ledger: crediter, log: log}
}

// HandleWebhook verifies and applies one Stripe event, returning the HTTP
// status to answer with. Events already applied are acknowledged.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (int, error) {
	if s.secret == "" {
		return http.StatusServiceUnavailable, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid signature: %w", err)
	}

	done, err := s.events.IsProcessed(ctx, event.ID)
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("check event: %w", err)
	}
	if done {
		s.log.Info("stripe event already processed", zap.String("event_id", event.ID))
		return http.StatusOK, nil
	}

	switch event.Type {
	case "payment_intent.succeeded":
		if status, err := s.paymentSucceeded(ctx, event); err != nil {
			return status, err
		}
	default:
		s.log.Debug("ignoring stripe event", zap.String("type", string(event.Type)))
		return http.StatusOK, nil
	}

	if err := s.events.MarkProcessed(ctx, event.ID, string(event.Type)); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("mark event processed: %w", err)
	}
	return http.StatusOK, nil
}

func (s *Service) paymentSucceeded(ctx context.Context, event stripe.Event) (int, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return http.StatusBadRequest, fmt.Errorf("parse payment intent: %w", err)
	}
	userID, err := uuid.Parse(pi.Metadata[metaUserID])
	if err != nil {
		// Nothing to credit; acknowledge so Stripe stops retrying.
		s.log.Error("payment intent without a valid userId", zap.String("payment_intent", pi.ID), zap.Error(err))
		return http.StatusOK, nil
	}

	planID := pi.Metadata[metaPlanID]
	planName := pi.Metadata[metaPlanName]
	credits, txType := CreditsFor(planID, pi.Amount)
	if credits <= 0 {
		s.log.Warn("payment too small to grant credits", zap.String("payment_intent", pi.ID), zap.Int64("amount", pi.Amount))
		return http.StatusOK, nil
	}
	if planName == "" {
		planName = "custom"
	}

	md := models.Metadata{
		models.MetaPaymentIntentID: pi.ID,
		models.MetaStripeAmount:    pi.Amount,
	}
	if planID != "" {
		md[models.MetaPlanID] = planID
	}
	md[models.MetaPlanName] = planName

	ref := pi.ID
	res, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:         userID,
		Amount:         credits,
		Type:           txType,
		Description:    "Credit purchase: " + planName,
		ReferenceID:    &ref,
		Metadata:       md,
		IdempotencyKey: pi.ID,
	})
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("credit purchase: %w", err)
	}
	s.log.Info("purchase credited",
		zap.String("user_id", userID.String()),
		zap.String("payment_intent", pi.ID),
		zap.Int("credits", credits),
		zap.Bool("replayed", res.Replayed),
	)
	return http.StatusOK, nil
}
