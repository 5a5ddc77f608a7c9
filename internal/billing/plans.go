package billing

import (
	"github.com/shopspring/decimal"

	"github.com/colorlab/backend/internal/models"
)

// Plan is a purchasable credit bundle.
type Plan struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int    `json:"credits"`
	Type       string `json:"type"`
	PriceCents int64  `json:"price_cents"`
}

var plans = map[string]Plan{
	"basic":        {"basic", "Basic", 100, models.CreditTypePurchase, 1900},
	"standard":     {"standard", "Standard", 500, models.CreditTypePurchase, 7900},
	"premium":      {"premium", "Premium", 1000, models.CreditTypePurchase, 15900},
	"subscription": {"subscription", "Subscription", 2000, models.CreditTypeSubscription, 9900},
}

// creditsPerDollar prices payments that name no known plan.
var creditsPerDollar = decimal.NewFromInt(60)

// CreditsFor returns the credits and transaction type granted for a payment
// of amountCents against planID.
func CreditsFor(planID string, amountCents int64) (int, string) {
	if p, ok := plans[planID]; ok {
		return p.Credits, p.Type
	}
	credits := decimal.NewFromInt(amountCents).Div(decimal.NewFromInt(100)).Mul(creditsPerDollar).Floor()
	return int(credits.IntPart()), models.CreditTypePurchase
}

func LookupPlan(id string) (Plan, bool) {
	p, ok := plans[id]
	return p, ok
}
