package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/colorlab/backend/internal/pricing"
)

const (
	ctxQuoteKey contextKey = "quote"
	maxBodyPeek            = 1 << 20
)

// Quote is the price CostCheck computed for the request body.
type Quote struct {
	Feature string `json:"feature"`
	Quality string `json:"quality,omitempty"`
	Count   int    `json:"count,omitempty"`
	Cost    int    `json:"cost"`
}

// QuoteFromCtx returns the quote set by CostCheck, or nil.
func QuoteFromCtx(ctx context.Context) *Quote {
	q, _ := ctx.Value(ctxQuoteKey).(*Quote)
	return q
}

// CostCheck prices a task submission before the handler runs. It reads the
// body to extract feature, quality and count, then replaces r.Body so
// downstream handlers can re-read it.
func CostCheck(calc *pricing.Calculator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek+1))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			if len(bodyBytes) > maxBodyPeek {
				http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek Quote
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.Feature == "" {
				http.Error(w, `{"error":"feature is required"}`, http.StatusBadRequest)
				return
			}

			cost, err := calc.Cost(peek.Feature, pricing.Options{Quality: peek.Quality, Count: peek.Count})
			switch {
			case errors.Is(err, pricing.ErrUnknownFeature):
				http.Error(w, fmt.Sprintf(`{"error":"unknown feature %q"}`, peek.Feature), http.StatusUnprocessableEntity)
				return
			case err != nil:
				http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
				return
			}
			peek.Cost = cost

			ctx := context.WithValue(r.Context(), ctxQuoteKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
