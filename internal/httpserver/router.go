package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ellio/internal/auth"
	"ellio/internal/ledger"
	"ellio/internal/metrics"
	"ellio/internal/payment"
	"ellio/internal/presence"
)

// RateLimiter counts hits in a fixed window. *cache.Redis implements it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// IdempotencyStore remembers responses by client key. *cache.Redis implements it.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// PresenceConfig is the shared state every websocket tracker attaches to. When Observer is
// nil the router starts one on BaseContext.
type PresenceConfig struct {
	Channel     presence.Channel
	Stats       *presence.Stats
	Observer    *presence.Observer
	Heartbeat   time.Duration
	MaxAttempts int
	// BaseContext outlives single requests; trackers stop when it is cancelled.
	BaseContext context.Context
}

// Dependencies are the services the router exposes. Limiter and Idempotency may be nil
// when Redis is unavailable; those features are then skipped. Operator may be nil to
// disable the admin routes.
type Dependencies struct {
	Ledger      *ledger.Service
	Payments    *payment.Service
	Watcher     *payment.Watcher
	Presence    PresenceConfig
	Verifier    *auth.Verifier
	Operator    *auth.OperatorKey
	Limiter     RateLimiter
	Idempotency IdempotencyStore
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	WaitTimeout  time.Duration
	SubmitLimit  int
	SubmitWindow time.Duration
}

type api struct {
	Dependencies
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = 30 * time.Second
	}
	if deps.SubmitWindow <= 0 {
		deps.SubmitWindow = 10 * time.Minute
	}
	if deps.Presence.Stats == nil {
		deps.Presence.Stats = presence.NewStats(nil, deps.Metrics, deps.Logger)
	}
	if deps.Presence.BaseContext == nil {
		deps.Presence.BaseContext = context.Background()
	}
	if deps.Presence.Observer == nil && deps.Presence.Channel != nil {
		deps.Presence.Observer = presence.NewObserver(deps.Presence.Channel, deps.Presence.Stats, 0, deps.Metrics, deps.Logger)
		go deps.Presence.Observer.Run(deps.Presence.BaseContext)
	}
	a := &api{
		Dependencies: deps,
		logger:       deps.Logger.With("component", "api"),
		metrics:      deps.Metrics,
	}

	r := gin.New()
	r.Use(gin.Recovery(), a.observe())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	user := r.Group("/", auth.RequireUser(deps.Verifier))
	user.GET("/ws/presence", a.presenceSocket)

	apiGroup := user.Group("/api")
	apiGroup.GET("/presence", a.presenceStats)
	apiGroup.POST("/profile", a.ensureProfile)
	apiGroup.GET("/wallet", a.wallet)
	apiGroup.GET("/wallet/transactions", a.transactions)
	apiGroup.POST("/wallet/spend", a.spend)
	apiGroup.POST("/templates/:id/purchase", a.purchaseTemplate)

	apiGroup.POST("/recharges", a.rateLimited, a.submitRecharge)
	apiGroup.GET("/recharges/:id", a.getRecharge)
	apiGroup.GET("/recharges/:id/wait", a.waitRecharge)
	apiGroup.POST("/payments", a.rateLimited, a.submitPayment)
	apiGroup.GET("/payments/:id", a.getPayment)
	apiGroup.GET("/payments/:id/wait", a.waitPayment)

	if deps.Operator != nil {
		admin := r.Group("/api/admin", auth.RequireOperator(deps.Operator))
		admin.POST("/recharges/:id/approve", a.approveRecharge)
		admin.POST("/recharges/:id/reject", a.rejectRecharge)
		admin.POST("/payments/:id/approve", a.approvePayment)
		admin.POST("/payments/:id/reject", a.rejectPayment)
		admin.POST("/users/:id/adjust", a.adjustUser)
		admin.POST("/users/:id/suspend", a.suspendUser)
		admin.GET("/users/:id/reconcile", a.reconcileUser)
	} else {
		a.logger.Warn("operator key not configured, admin routes disabled")
	}

	return r
}

func (a *api) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		a.metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// rateLimited caps payment submissions per user. Limiter errors let the request through.
func (a *api) rateLimited(c *gin.Context) {
	if a.Limiter == nil || a.SubmitLimit <= 0 {
		c.Next()
		return
	}
	key := "ratelimit:submit:" + auth.UserID(c)
	allowed, err := a.Limiter.Allow(c.Request.Context(), key, a.SubmitLimit, a.SubmitWindow)
	if err != nil {
		a.logger.Warn("rate limiter unavailable", "error", err)
		c.Next()
		return
	}
	if !allowed {
		c.Header("Retry-After", strconv.Itoa(int(a.SubmitWindow.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, failure(codeRateLimited))
		return
	}
	c.Next()
}
