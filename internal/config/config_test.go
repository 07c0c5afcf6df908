package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port: got %q, want 8080", cfg.Port)
	}
	if cfg.Token.Decimals != 9 || cfg.Token.Symbol != "JIET" {
		t.Errorf("token: got %+v", cfg.Token)
	}
	if cfg.QuizMinScore != 70 {
		t.Errorf("quiz min score: got %d, want 70", cfg.QuizMinScore)
	}
	if cfg.Settlement.ConfirmTimeout != 60*time.Second {
		t.Errorf("confirm timeout: got %s", cfg.Settlement.ConfirmTimeout)
	}
	if cfg.Settlement.ReconcileClaimTimeout != 15*time.Second {
		t.Errorf("reconcile claim timeout: got %s", cfg.Settlement.ReconcileClaimTimeout)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"PORT":                    "9090",
		"TOKEN_DECIMALS":          "6",
		"CORS_ALLOWED_ORIGINS":    "https://a.example, https://b.example ,",
		"SETTLEMENT_MAX_ATTEMPTS": "3",
		"PENDING_GRACE":           "2m",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "9090" || cfg.Token.Decimals != 6 || cfg.Settlement.MaxAttempts != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if got := strings.Join(cfg.CORSAllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Errorf("origins: got %q", got)
	}
	if cfg.Settlement.PendingGrace != 2*time.Minute {
		t.Errorf("pending grace: got %s", cfg.Settlement.PendingGrace)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad integer":  {"TOKEN_DECIMALS": "nine"},
		"bad duration": {"CONFIRM_TIMEOUT": "soon"},
		"decimals":     {"TOKEN_DECIMALS": "40"},
		"min score":    {"QUIZ_MIN_SCORE": "120"},
		"poll > timeout": {
			"CONFIRM_TIMEOUT":       "1s",
			"CONFIRM_POLL_INTERVAL": "5s",
		},
		"backoff max < base": {
			"RETRY_BACKOFF_BASE": "1m",
			"RETRY_BACKOFF_MAX":  "10s",
		},
		"claim timeout": {"RECONCILE_CLAIM_TIMEOUT": "0s"},
	}
	for name, env := range cases {
		if _, err := FromEnv(envMap(env)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
