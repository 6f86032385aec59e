// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency and quotas.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/auth"
	"github.com/tbourn/voicegen-backend/internal/config"
	"github.com/tbourn/voicegen-backend/internal/http/handlers"
	"github.com/tbourn/voicegen-backend/internal/http/middleware"
	"github.com/tbourn/voicegen-backend/internal/ratelimit"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/services"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

// multipartSlack covers form fields and part headers around an upload.
const multipartSlack = 1 << 20

// Deps are the process-level resources the routes are built on.
type Deps struct {
	DB     *gorm.DB
	Vendor *vendor.Client
	// Quota is the sliding-window counter; nil selects the database counter.
	Quota ratelimit.Counter
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip (optional)
//  7. Metrics
//  8. Rate limiter (per user/IP)
//  9. CORS and Security headers
//
// Authenticated groups then add Auth, and submit routes add the idempotency
// validator and the quota counter, in that order, so replays skip the quota.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) error {
	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	if d.DB == nil || d.Vendor == nil {
		return errors.New("httpapi: DB and Vendor are required")
	}
	quota := d.Quota
	if quota == nil {
		gc, err := ratelimit.NewGormCounter(d.DB, ratelimit.Window{Limit: cfg.Quota.Limit, Size: cfg.Quota.Window})
		if err != nil {
			return err
		}
		quota = gc
	}

	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit, sized for one audio upload
	r.Use(limitBody(cfg.Pricing.MaxUploadBytes + multipartSlack))

	// 6) Response compression
	if cfg.GzipEnabled {
		r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	}

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← db/vendor/config
	ledger := &services.Ledger{DB: d.DB, Ceiling: cfg.Ledger.Ceiling, MaxDelta: cfg.Ledger.MaxDelta}
	pricing := services.NewPricing(cfg.Pricing)
	accounts := &services.AccountService{DB: d.DB, Ledger: ledger, SignupCredits: cfg.Ledger.SignupCredits}
	tasks := &services.TaskService{
		DB:             d.DB,
		Metering:       services.NewMetering(ledger, d.Vendor),
		Pricing:        pricing,
		Limits:         cfg.Pricing,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	orders := &services.OrderService{DB: d.DB, Ledger: ledger, Pricing: pricing, Networks: cfg.Pricing.PaymentNetworks}
	packages := &services.PackageService{DB: d.DB, Ceiling: cfg.Ledger.Ceiling}

	h := handlers.New(handlers.Deps{
		Tasks:          tasks,
		Meters:         tasks.Metering,
		Accounts:       accounts,
		Ledger:         ledger,
		Orders:         orders,
		Packages:       packages,
		MaxUploadBytes: cfg.Pricing.MaxUploadBytes,
	})

	idem := middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			_, err := repo.GetIdempotency(ctx, d.DB, userID, scope, key, now)
			if repo.IsNotFound(err) {
				return false, nil
			}
			return err == nil, err
		},
	)
	metered := middleware.Quota(quota)
	submit := func(h gin.HandlerFunc) []gin.HandlerFunc { return []gin.HandlerFunc{idem, metered, h} }

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Public catalogue
		api.GET("/packages", h.ListPackages)
	}

	authed := api.Group("", middleware.Auth(verifier, accounts))
	{
		// Account
		authed.GET("/me", h.GetMe)
		authed.PATCH("/me", h.UpdateMe)
		authed.GET("/credits", h.GetCredits)
		authed.GET("/credits/history", h.CreditHistory)
		authed.GET("/vendor/credits", h.VendorCredits)

		// Tasks
		authed.POST("/tasks/speech", submit(h.SubmitSpeech)...)
		authed.POST("/tasks/clone", submit(h.SubmitClone)...)
		authed.POST("/tasks/transcription", submit(h.SubmitTranscription)...)
		authed.POST("/tasks/dubbing", submit(h.SubmitDubbing)...)
		authed.POST("/tasks/music", submit(h.SubmitMusic)...)
		authed.GET("/tasks", h.ListTasks)
		authed.GET("/tasks/:id", h.GetTask)
		authed.DELETE("/tasks/:id", h.DeleteTask)

		// Orders
		authed.POST("/orders", h.CreateOrder)
		authed.GET("/orders", h.ListMyOrders)
	}

	admin := authed.Group("/admin", middleware.AdminGate(accounts))
	{
		admin.GET("/users", h.AdminListUsers)
		admin.PUT("/users/:id/credits", h.AdminSetCredits)
		admin.POST("/users/:id/credits", h.AdminAddCredits)
		admin.PUT("/users/:id/block", h.AdminSetBlocked)
		admin.GET("/orders", h.AdminListOrders)
		admin.POST("/orders/:id/approve", h.ApproveOrder)
		admin.POST("/orders/:id/reject", h.RejectOrder)
		admin.GET("/packages", h.AdminListPackages)
		admin.POST("/packages", h.CreatePackage)
		admin.PUT("/packages/:id", h.UpdatePackage)
		admin.DELETE("/packages/:id", h.DeletePackage)
		admin.GET("/audit", h.AdminAudit)
	}
	return nil
}

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", middleware.HeaderIdempotencyKey, "If-None-Match"}
	corsExpose  = []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed, "Retry-After"}
)

// corsMiddleware allows every origin when none is configured (bearer tokens
// are not ambient credentials) and otherwise only the allowlist.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     corsMethods,
		AllowHeaders:     corsHeaders,
		ExposeHeaders:    corsExpose,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(cc)
}

// limitBody caps the request body size for all endpoints to maxBytes using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body
// reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
