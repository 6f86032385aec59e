// Package config loads the server configuration from environment variables
// with defaults and validation.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls the HSTS header.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig configures trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "voicegen-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
	Environment string  // DEPLOYMENT_ENV (e.g. "prod"); empty omits the attribute
}

// DBConfig selects the relational backend.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string
	Issuer    string        // optional; checked when set
	Audience  string        // optional; checked when set
	Leeway    time.Duration // clock skew tolerated on exp/nbf
}

// VendorConfig points at the upstream speech vendor.
type VendorConfig struct {
	BaseURL string
	APIKey  string // platform key used for ledger-billed work
	Timeout time.Duration
}

// LedgerConfig bounds credit mutations.
type LedgerConfig struct {
	Ceiling       int64 // maximum balance any user may hold
	MaxDelta      int64 // maximum single credit adjustment
	SignupCredits int64 // free grant on first sign-in
}

// PricingConfig is the credit cost of each job kind.
type PricingConfig struct {
	SpeechPerChar     int64
	Clone             int64
	Transcription     int64
	Dubbing           int64
	Music             int64
	PriceCentsPer1000 int64 // USDT cents per 1000 credits for custom orders
	MaxSpeechChars    int
	MaxUploadBytes    int64
	ResultRetention   time.Duration
	PaymentNetworks   []string
}

// QuotaConfig drives the per-user, per-endpoint sliding window counter.
type QuotaConfig struct {
	Backend       string // db|redis
	Limit         int
	Window        time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// PollConfig is the client-side polling budget.
type PollConfig struct {
	Interval time.Duration
	Attempts int
}

// Config is the full server configuration.
type Config struct {
	// Server
	Port              string        // listen port, no host
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 60s; vendor calls are synchronous
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int
	GinMode           string        // debug|release|test

	// Logging and docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // console writer instead of JSON
	SwaggerEnabled bool   // serve /swagger/*
	GzipEnabled    bool   // compress responses
	APIBasePath    string // prefix of every versioned route

	DB      DBConfig
	Auth    AuthConfig
	Vendor  VendorConfig
	Ledger  LedgerConfig
	Pricing PricingConfig
	Quota   QuotaConfig
	Poll    PollConfig

	// Token bucket in front of every route
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // lifetime of a stored Idempotency-Key

	// Observability
	OTEL OTELConfig
}

// MustLoad is Load for main; it panics on an invalid environment.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadPoll reads only the client polling budget. Clients use it without
// the server settings.
func LoadPoll() PollConfig {
	return PollConfig{
		Interval: getdur("POLL_INTERVAL", 2*time.Second),
		Attempts: getint("POLL_ATTEMPTS", 60),
	}
}

// Load builds a Config from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		GzipEnabled:    getbool("GZIP_ENABLED", true),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "voicegen.db"),
			URL:    getenv("DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
			Issuer:    getenv("JWT_ISSUER", ""),
			Audience:  getenv("JWT_AUDIENCE", "authenticated"),
			Leeway:    getdur("JWT_LEEWAY", 30*time.Second),
		},
		Vendor: VendorConfig{
			BaseURL: strings.TrimRight(getenv("VENDOR_BASE_URL", "https://api.minimax.io"), "/"),
			APIKey:  getenv("VENDOR_API_KEY", ""),
			Timeout: getdur("VENDOR_TIMEOUT", 45*time.Second),
		},
		Ledger: LedgerConfig{
			Ceiling:       getint64("CREDIT_CEILING", 100_000_000),
			MaxDelta:      getint64("CREDIT_MAX_DELTA", 10_000_000),
			SignupCredits: getint64("SIGNUP_CREDITS", 1000),
		},
		Pricing: PricingConfig{
			SpeechPerChar:     getint64("PRICE_SPEECH_PER_CHAR", 1),
			Clone:             getint64("PRICE_CLONE", 3000),
			Transcription:     getint64("PRICE_TRANSCRIPTION", 500),
			Dubbing:           getint64("PRICE_DUBBING", 2000),
			Music:             getint64("PRICE_MUSIC", 1500),
			PriceCentsPer1000: getint64("PRICE_CENTS_PER_1000_CREDITS", 100),
			MaxSpeechChars:    getint("MAX_SPEECH_CHARS", 10000),
			MaxUploadBytes:    getint64("MAX_UPLOAD_BYTES", 20<<20),
			ResultRetention:   getdur("RESULT_RETENTION", 72*time.Hour),
			PaymentNetworks:   splitCSV(getenv("PAYMENT_NETWORKS", "TRC20,ERC20,BEP20")),
		},
		Quota: QuotaConfig{
			Backend:       strings.ToLower(getenv("QUOTA_BACKEND", "db")),
			Limit:         getint("QUOTA_LIMIT", 30),
			Window:        getdur("QUOTA_WINDOW", time.Minute),
			RedisAddr:     getenv("REDIS_ADDR", ""),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
		},
		Poll: LoadPoll(),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "voicegen-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
			Environment: getenv("DEPLOYMENT_ENV", ""),
		},
	}

	// normalize
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}
	for i, n := range cfg.Pricing.PaymentNetworks {
		cfg.Pricing.PaymentNetworks[i] = strings.ToUpper(n)
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints. Load calls it; tests that build a
// Config literal may call it directly.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}

	if len(cfg.Auth.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if cfg.Auth.Leeway < 0 {
		return errors.New("JWT_LEEWAY must be >= 0")
	}

	if !strings.HasPrefix(cfg.Vendor.BaseURL, "http://") && !strings.HasPrefix(cfg.Vendor.BaseURL, "https://") {
		return errors.New("VENDOR_BASE_URL must be an http(s) URL")
	}
	if cfg.Vendor.Timeout <= 0 {
		return errors.New("VENDOR_TIMEOUT must be > 0")
	}

	if cfg.Ledger.Ceiling <= 0 {
		return errors.New("CREDIT_CEILING must be > 0")
	}
	if cfg.Ledger.MaxDelta <= 0 || cfg.Ledger.MaxDelta > cfg.Ledger.Ceiling {
		return errors.New("CREDIT_MAX_DELTA must be in (0, CREDIT_CEILING]")
	}
	if cfg.Ledger.SignupCredits < 0 || cfg.Ledger.SignupCredits > cfg.Ledger.MaxDelta {
		return errors.New("SIGNUP_CREDITS must be in [0, CREDIT_MAX_DELTA]")
	}

	p := cfg.Pricing
	if p.SpeechPerChar < 0 || p.Clone < 0 || p.Transcription < 0 || p.Dubbing < 0 || p.Music < 0 {
		return errors.New("PRICE_* values must be >= 0")
	}
	if p.PriceCentsPer1000 <= 0 {
		return errors.New("PRICE_CENTS_PER_1000_CREDITS must be > 0")
	}
	if p.MaxSpeechChars <= 0 {
		return errors.New("MAX_SPEECH_CHARS must be > 0")
	}
	if p.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if p.ResultRetention <= 0 {
		return errors.New("RESULT_RETENTION must be > 0")
	}
	if len(p.PaymentNetworks) == 0 {
		return errors.New("PAYMENT_NETWORKS must list at least one network")
	}

	switch cfg.Quota.Backend {
	case "db":
	case "redis":
		if strings.TrimSpace(cfg.Quota.RedisAddr) == "" {
			return errors.New("REDIS_ADDR must be set when QUOTA_BACKEND=redis")
		}
	default:
		return errors.New("QUOTA_BACKEND must be one of: db, redis")
	}
	if cfg.Quota.Limit < 1 || cfg.Quota.Window <= 0 {
		return errors.New("QUOTA_LIMIT must be >= 1 and QUOTA_WINDOW > 0")
	}

	if cfg.Poll.Interval <= 0 || cfg.Poll.Attempts < 1 {
		return errors.New("POLL_INTERVAL must be > 0 and POLL_ATTEMPTS >= 1")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// env helpers

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(strings.ReplaceAll(v, "_", ""), 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
