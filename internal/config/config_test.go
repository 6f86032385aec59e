package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("unexpected base path from MustLoad: %q", cfg.APIBasePath)
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "voicegen.db" {
		t.Fatalf("db defaults unexpected: %+v", cfg.DB)
	}
	if cfg.Ledger.Ceiling != 100_000_000 || cfg.Ledger.MaxDelta != 10_000_000 || cfg.Ledger.SignupCredits != 1000 {
		t.Fatalf("ledger defaults unexpected: %+v", cfg.Ledger)
	}
	if cfg.Poll.Interval != 2*time.Second || cfg.Poll.Attempts != 60 {
		t.Fatalf("poll defaults unexpected: %+v", cfg.Poll)
	}
	if cfg.Quota.Backend != "db" || cfg.Quota.Limit != 30 || cfg.Quota.Window != time.Minute {
		t.Fatalf("quota defaults unexpected: %+v", cfg.Quota)
	}
	if !reflect.DeepEqual(cfg.Pricing.PaymentNetworks, []string{"TRC20", "ERC20", "BEP20"}) {
		t.Fatalf("payment networks unexpected: %#v", cfg.Pricing.PaymentNetworks)
	}
	if cfg.Auth.Audience != "authenticated" || cfg.Auth.Issuer != "" {
		t.Fatalf("auth defaults unexpected: %+v", cfg.Auth)
	}
	if !cfg.GzipEnabled || cfg.SwaggerEnabled {
		t.Fatalf("docs/gzip defaults unexpected: %+v", cfg)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird") // normalizes to release
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/voice")
	t.Setenv("VENDOR_BASE_URL", "http://vendor.local/")
	t.Setenv("CREDIT_CEILING", "1_000_000")
	t.Setenv("CREDIT_MAX_DELTA", "5000")
	t.Setenv("SIGNUP_CREDITS", "50")
	t.Setenv("PAYMENT_NETWORKS", "trc20, bep20")
	t.Setenv("QUOTA_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("RATE_RPS", "x") // falls back to default
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || cfg.APIBasePath != "/api/v2" {
		t.Fatalf("logging/base path unexpected: %q %q", cfg.LogLevel, cfg.APIBasePath)
	}
	if cfg.DB.Driver != "postgres" {
		t.Fatalf("driver alias not normalized: %q", cfg.DB.Driver)
	}
	if cfg.Vendor.BaseURL != "http://vendor.local" {
		t.Fatalf("vendor base url not trimmed: %q", cfg.Vendor.BaseURL)
	}
	if cfg.Ledger.Ceiling != 1_000_000 || cfg.Ledger.MaxDelta != 5000 || cfg.Ledger.SignupCredits != 50 {
		t.Fatalf("ledger overrides unexpected: %+v", cfg.Ledger)
	}
	if !reflect.DeepEqual(cfg.Pricing.PaymentNetworks, []string{"TRC20", "BEP20"}) {
		t.Fatalf("networks not upper-cased: %#v", cfg.Pricing.PaymentNetworks)
	}
	if cfg.RateRPS != 5.0 {
		t.Fatalf("RATE_RPS should fall back to default, got %v", cfg.RateRPS)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": "short"}, "JWT_SECRET"},
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}, "DATABASE_URL"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"vendor url", map[string]string{"VENDOR_BASE_URL": "ftp://x"}, "VENDOR_BASE_URL"},
		{"ceiling", map[string]string{"CREDIT_CEILING": "0"}, "CREDIT_CEILING"},
		{"delta over ceiling", map[string]string{"CREDIT_CEILING": "10", "CREDIT_MAX_DELTA": "11", "SIGNUP_CREDITS": "0"}, "CREDIT_MAX_DELTA"},
		{"signup over delta", map[string]string{"CREDIT_MAX_DELTA": "10", "SIGNUP_CREDITS": "11"}, "SIGNUP_CREDITS"},
		{"negative price", map[string]string{"PRICE_MUSIC": "-1"}, "PRICE_"},
		{"retention", map[string]string{"RESULT_RETENTION": "0s"}, "RESULT_RETENTION"},
		{"redis without addr", map[string]string{"QUOTA_BACKEND": "redis"}, "REDIS_ADDR"},
		{"quota backend", map[string]string{"QUOTA_BACKEND": "memcache"}, "QUOTA_BACKEND"},
		{"poll attempts", map[string]string{"POLL_ATTEMPTS": "0"}, "POLL_ATTEMPTS"},
		{"rate burst", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"idempotency ttl", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"otel ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", testSecret)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestLoadPoll_WithoutServerSettings(t *testing.T) {
	// No JWT_SECRET: the server config would not validate.
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("POLL_ATTEMPTS", "7")
	p := LoadPoll()
	if p.Interval != 500*time.Millisecond || p.Attempts != 7 {
		t.Fatalf("LoadPoll = %+v", p)
	}
}

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_Numeric(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("I64_UNDERSCORE", "100_000_000")
	if getint64("I64_UNDERSCORE", 0) != 100_000_000 {
		t.Fatalf("getint64 should accept digit separators")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for _, v := range []string{"1", "TRUE", " yes ", "on"} {
		t.Setenv("B_T", v)
		if !getbool("B_T", false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for _, v := range []string{"0", "False", " no ", "off"} {
		t.Setenv("B_F", v)
		if getbool("B_F", true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_JUNK", "maybe")
	if !getbool("B_JUNK", true) {
		t.Fatalf("getbool should fall back on unknown input")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "JWT_SECRET", "DB_DRIVER", "DATABASE_URL", "QUOTA_BACKEND", "REDIS_ADDR"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}
