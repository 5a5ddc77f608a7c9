package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"go.uber.org/zap"
)

// Metadata keys a PaymentIntent carries from checkout to the webhook.
const (
	metaUserID   = "userId"
	metaPlanID   = "planId"
	metaPlanName = "planName"
	metaType     = "type"

	purchaseType    = "credit_purchase"
	defaultCurrency = "usd"
)

var (
	ErrUnknownPlan      = errors.New("unknown plan")
	ErrPaymentsDisabled = errors.New("stripe secret key not configured")
)

// IntentCreator creates Stripe PaymentIntents. *paymentintent.Client
// satisfies it.
type IntentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewIntentClient returns a PaymentIntent client authenticated with key.
func NewIntentClient(key string) IntentCreator {
	return &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: key}
}

// Checkout is what the browser needs to confirm a payment.
type Checkout struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Credits         int    `json:"credits"`
}

// WithPayments enables CreatePaymentIntent. An empty currency means USD.
func (s *Service) WithPayments(intents IntentCreator, currency string) *Service {
	if currency == "" {
		currency = defaultCurrency
	}
	s.intents = intents
	s.currency = currency
	return s
}

// CreatePaymentIntent opens a Stripe payment for planID on behalf of
// userID. The metadata it sets is what the payment_intent.succeeded
// webhook reads to credit the purchase.
func (s *Service) CreatePaymentIntent(ctx context.Context, userID uuid.UUID, planID string) (Checkout, error) {
	if s.intents == nil {
		return Checkout{}, ErrPaymentsDisabled
	}
	plan, ok := LookupPlan(planID)
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(plan.PriceCents),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, userID.String())
	params.AddMetadata(metaPlanID, plan.ID)
	params.AddMetadata(metaPlanName, plan.Name)
	params.AddMetadata(metaType, purchaseType)

	pi, err := s.intents.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("create payment intent: %w", err)
	}
	s.log.Info("payment intent created",
		zap.String("user_id", userID.String()),
		zap.String("payment_intent", pi.ID),
		zap.String("plan_id", plan.ID),
		zap.Int64("amount", plan.PriceCents),
	)
	return Checkout{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
		Amount:          plan.PriceCents,
		Currency:        s.currency,
		Credits:         plan.Credits,
	}, nil
}
