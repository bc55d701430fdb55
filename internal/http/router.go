// Package httpapi wires the HTTP transport (Gin) to the webhook services and
// middleware. It centralizes cross-cutting concerns such as tracing,
// correlation IDs, logging with signature redaction, panic recovery, metrics,
// and rate limiting.
//
// Middleware order:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with secret redaction
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per IP)
//  8. CORS + gzip (health and metrics consumers)
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/ruminer/go-wechat-backend/internal/articles"
	"github.com/ruminer/go-wechat-backend/internal/config"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/http/handlers"
	"github.com/ruminer/go-wechat-backend/internal/http/middleware"
	"github.com/ruminer/go-wechat-backend/internal/ledger"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/services"
	"github.com/ruminer/go-wechat-backend/internal/vault"
	"github.com/ruminer/go-wechat-backend/internal/wechat"
)

// RegisterRoutes attaches all middleware and endpoints to the engine and
// builds the service graph over the KV store. The returned Runner owns the
// detached link jobs; main waits on it during shutdown.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) (*services.Runner, error) {
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(2 << 20))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	r.Use(rl.Handler())

	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"X-Request-ID"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← protocol collaborators ← KV store.
	kv := repo.NewKV(db)
	bindings := &repo.Bindings{Store: kv}
	jobLedger := &ledger.Ledger{
		Store:         kv,
		Staleness:     cfg.Ledger.ProcessingStaleness,
		ProcessingTTL: cfg.Ledger.ProcessingTTL,
		SuccessTTL:    cfg.Ledger.SuccessTTL,
		FailedTTL:     cfg.Ledger.FailedTTL,
	}

	var tokenVault *vault.Vault
	if cfg.TokenKeyB64 != "" {
		v, err := vault.New(cfg.TokenKeyB64)
		if err != nil {
			return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY: %w", err)
		}
		tokenVault = v
	}

	var codec *wechat.Codec
	if cfg.WeChat.AESKey != "" {
		c, err := wechat.NewCodec(cfg.WeChat.AESKey, cfg.WeChat.AppID)
		if err != nil {
			return nil, fmt.Errorf("WECHAT_AES_KEY: %w", err)
		}
		codec = c
	}

	var guard *wechat.ReplayGuard
	if cfg.WeChat.ReplayProtect {
		guard = &wechat.ReplayGuard{
			Store:     kv,
			Tolerance: cfg.WeChat.Tolerance,
			TTLFloor:  cfg.WeChat.NonceTTLFloor,
		}
	}

	gh := github.NewClient(cfg.GitHub.DefaultBranch)
	if cfg.GitHub.APIBase != "" {
		gh.APIBase = cfg.GitHub.APIBase
	}

	bindSvc := &services.BindService{
		Bindings:     bindings,
		Vault:        tokenVault,
		GitHub:       gh,
		VerifyOnBind: cfg.GitHub.VerifyOnBind,
	}

	runner := &services.Runner{}
	linkSvc := &services.LinkService{
		Bindings:   bindings,
		Ledger:     jobLedger,
		Vault:      tokenVault,
		Fetcher:    articles.NewFetcher(cfg.FetchTimeout),
		Publisher:  gh,
		Runner:     runner,
		ObserveJob: middleware.ObserveJobDuration,
	}
	// A typed-nil Notifier must not end up inside the interface: nil means
	// synchronous mode.
	if n := wechat.NewNotifier(cfg.WeChat.AppID, cfg.WeChat.AppSecret, kv); n != nil {
		linkSvc.Notifier = n
	}

	h := handlers.NewCallbackHandler(cfg.WeChat.Token, codec, guard, bindSvc, linkSvc)
	r.GET("/api/callback", h.Verify)
	r.POST("/api/callback", h.Callback)

	return runner, nil
}

// limitBody caps the request body for all endpoints; the platform sends
// small XML documents only.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
