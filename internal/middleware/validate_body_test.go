package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cryptiq/backend/internal/services"
)

func newValidator(t *testing.T) *services.Validator {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

// echoHandler writes back the body it received.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	w.Write(b)
})

func TestValidateBody_PassesAndRestoresBody(t *testing.T) {
	mw := ValidateBody(newValidator(t), services.SchemaLabFlagRequest)(echoHandler)

	body := `{"flag":"CTF{x}"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != body {
		t.Errorf("handler saw body %q, want %q", rec.Body.String(), body)
	}
}

func TestValidateBody_Rejects(t *testing.T) {
	mw := ValidateBody(newValidator(t), services.SchemaLabFlagRequest)(echoHandler)

	for _, body := range []string{`{}`, `{"flag":""}`, `flag=x`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestValidateBody_TooLarge(t *testing.T) {
	mw := ValidateBody(newValidator(t), services.SchemaLabFlagRequest)(echoHandler)

	body := `{"flag":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestValidateBody_UnknownSchemaIs500(t *testing.T) {
	mw := ValidateBody(newValidator(t), "missing")(echoHandler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
