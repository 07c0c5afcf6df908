package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubVerifier struct {
	tokens map[string]uuid.UUID
	got    string
}

func (s *stubVerifier) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	s.got = token
	id, ok := s.tokens[token]
	if !ok {
		return uuid.Nil, errors.New("invalid token")
	}
	return id, nil
}

// okHandler writes 200 and the user id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id := UserIDFromCtx(r.Context()); id != uuid.Nil {
		w.Write([]byte(id.String()))
	}
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestBearerAuth_ValidToken(t *testing.T) {
	user := uuid.New()
	v := &stubVerifier{tokens: map[string]uuid.UUID{"good-token": user}}
	mw := BearerAuth(v)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer  good-token ")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != user.String() {
		t.Errorf("expected user id %q in body, got %q", user, body)
	}
	if v.got != "good-token" {
		t.Errorf("token passed to verifier: %q", v.got)
	}
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	mw := BearerAuth(&stubVerifier{})(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	mw := BearerAuth(&stubVerifier{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUserIDFromCtx_Empty(t *testing.T) {
	if id := UserIDFromCtx(context.Background()); id != uuid.Nil {
		t.Errorf("expected nil uuid, got %s", id)
	}
}
