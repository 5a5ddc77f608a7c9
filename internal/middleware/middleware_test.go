package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/colorlab/backend/internal/pricing"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubTokens struct {
	id  uuid.UUID
	err error
}

func (s *stubTokens) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.id, s.err
}

// okHandler writes 200 and the user id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(UserIDFromCtx(r.Context()).String()))
})

// ---------------------------------------------------------------------------
// JWTAuth
// ---------------------------------------------------------------------------

func TestJWTAuth_ValidToken(t *testing.T) {
	id := uuid.New()
	handler := JWTAuth(&stubTokens{id: id})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != id.String() {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
		tokens *stubTokens
	}{
		{"missing header", "", &stubTokens{id: uuid.New()}},
		{"wrong scheme", "Basic abc", &stubTokens{id: uuid.New()}},
		{"invalid token", "Bearer bad", &stubTokens{err: errors.New("expired")}},
		{"nil subject", "Bearer odd", &stubTokens{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			JWTAuth(tc.tokens)(okHandler).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// CostCheck
// ---------------------------------------------------------------------------

func serveCostCheck(strict bool, body string) (*httptest.ResponseRecorder, *Quote, string) {
	var quote *Quote
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quote = QuoteFromCtx(r.Context())
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	CostCheck(pricing.NewCalculator(strict, nil))(next).ServeHTTP(rec, req)
	return rec, quote, seenBody
}

func TestCostCheck_PricesAndRestoresBody(t *testing.T) {
	body := `{"feature":"colorization","quality":"high","count":2,"source_media_url":"https://x/y.jpg"}`
	rec, quote, seen := serveCostCheck(true, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if quote == nil || quote.Cost != 18 {
		t.Fatalf("quote: %+v", quote)
	}
	if seen != body {
		t.Errorf("handler saw %q", seen)
	}
}

func TestCostCheck_UnknownFeature(t *testing.T) {
	if rec, _, _ := serveCostCheck(true, `{"feature":"colourization"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("strict: expected 422, got %d", rec.Code)
	}
	rec, quote, _ := serveCostCheck(false, `{"feature":"colourization"}`)
	if rec.Code != http.StatusOK || quote.Cost != 0 {
		t.Errorf("permissive: got %d %+v", rec.Code, quote)
	}
}

func TestCostCheck_BadRequests(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"quality":"high"}`,
		`{"feature":"expand","quality":"cinematic"}`,
		`{"feature":"expand","count":-2}`,
		`{"feature":"stylization_all","count":3689348814741910324}`,
	} {
		if rec, _, _ := serveCostCheck(true, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}
