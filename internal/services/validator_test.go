package services

import (
	"errors"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidate_ClaimRequest_Valid(t *testing.T) {
	v := newTestValidator(t)

	body := []byte(`{"achievement_kind":"quiz","achievement_id":1,"recipient_address":"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}`)
	if err := v.Validate(SchemaClaimRequest, body); err != nil {
		t.Fatalf("expected valid claim request, got: %v", err)
	}
}

func TestValidate_ClaimRequest_ClientAmountIgnored(t *testing.T) {
	v := newTestValidator(t)

	body := []byte(`{"achievement_kind":"lab_task","achievement_id":7,"recipient_address":"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin","amount":1000000}`)
	if err := v.Validate(SchemaClaimRequest, body); err != nil {
		t.Fatalf("extra fields should pass validation, got: %v", err)
	}
}

func TestValidate_ClaimRequest_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name string
		body string
	}{
		{
			name: "missing recipient",
			body: `{"achievement_kind":"quiz","achievement_id":1}`,
		},
		{
			name: "unknown kind",
			body: `{"achievement_kind":"course","achievement_id":1,"recipient_address":"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}`,
		},
		{
			name: "non-positive id",
			body: `{"achievement_kind":"quiz","achievement_id":0,"recipient_address":"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"}`,
		},
		{
			name: "address with invalid base58 characters",
			body: `{"achievement_kind":"quiz","achievement_id":1,"recipient_address":"0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"}`,
		},
		{
			name: "not JSON",
			body: `achievement=1`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(SchemaClaimRequest, []byte(tc.body))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidate_LabFlagRequest(t *testing.T) {
	v := newTestValidator(t)

	if err := v.Validate(SchemaLabFlagRequest, []byte(`{"flag":"CTF{x}"}`)); err != nil {
		t.Fatalf("expected valid flag request, got: %v", err)
	}
	if err := v.Validate(SchemaLabFlagRequest, []byte(`{"flag":""}`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty flag, got: %v", err)
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate("nope", []byte(`{}`)); err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("expected non-validation error for unknown schema, got %v", err)
	}
}

func TestNewValidator_LoadsAllSchemas(t *testing.T) {
	v := newTestValidator(t)
	for _, name := range []string{SchemaClaimRequest, SchemaClaimPendingRequest, SchemaLabFlagRequest} {
		if _, ok := v.schemas[name]; !ok {
			t.Errorf("missing schema %q", name)
		}
	}
}
