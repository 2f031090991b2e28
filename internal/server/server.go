// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/peacepay/peacelink/internal/cashout"
	"github.com/peacepay/peacelink/internal/config"
	"github.com/peacepay/peacelink/internal/dispute"
	"github.com/peacepay/peacelink/internal/fees"
	"github.com/peacepay/peacelink/internal/idgen"
	"github.com/peacepay/peacelink/internal/ledger"
	"github.com/peacepay/peacelink/internal/logging"
	"github.com/peacepay/peacelink/internal/metrics"
	"github.com/peacepay/peacelink/internal/money"
	"github.com/peacepay/peacelink/internal/notify"
	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/ratelimit"
	"github.com/peacepay/peacelink/internal/realtime"
	"github.com/peacepay/peacelink/internal/security"
	"github.com/peacepay/peacelink/internal/settlement"
	"github.com/peacepay/peacelink/internal/traces"
	"github.com/peacepay/peacelink/internal/validation"
	"github.com/peacepay/peacelink/internal/wallet"

	"log/slog"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	walletStore   wallet.Store
	wallets       *wallet.Service
	ledger        *ledger.Ledger
	engine        *settlement.Engine
	expiryTimer   *settlement.Timer
	cashoutEngine *cashout.Engine
	disputes      *dispute.Service
	dispatcher    *notify.Dispatcher
	notifyStore   notify.Store
	hub           *realtime.Hub
	rateLimiter   *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
	shutdownOTel func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownOTel = shutdownOTel

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		linkStore     peacelink.Store
		ledgerStore   ledger.Store
		platformStore wallet.PlatformStore
		payoutStore   settlement.PayoutStore
		flagStore     settlement.FlagStore
		cashoutStore  cashout.Store
		disputeStore  dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		linkStore = peacelink.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		s.walletStore = wallet.NewPostgresStore(db)
		platformStore = wallet.NewPostgresPlatformStore(db)
		payoutStore = settlement.NewPostgresPayoutStore(db)
		flagStore = settlement.NewPostgresFlagStore(db)
		cashoutStore = cashout.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		linkStore = peacelink.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.walletStore = wallet.NewMemoryStore()
		platformStore = wallet.NewMemoryPlatformStore()
		payoutStore = settlement.NewMemoryPayoutStore()
		flagStore = settlement.NewMemoryFlagStore()
		cashoutStore = cashout.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	// The platform profit wallet must exist before any fee credit.
	if err := platformStore.Ensure(ctx, wallet.ProfitWallet); err != nil {
		return nil, fmt.Errorf("failed to ensure platform wallet: %w", err)
	}

	s.wallets = wallet.NewService(s.walletStore, platformStore)
	s.ledger = ledger.New(ledgerStore)

	schedule := fees.NewSchedule(fees.RateWindow{Rates: fees.Rates{
		MerchantRate:  cfg.MerchantRate,
		MerchantFixed: cfg.MerchantFixed,
		DspRate:       cfg.DspRate,
		CashoutRate:   cfg.CashoutRate,
	}})

	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	emitter := notify.NewEmitter(s.dispatcher, s.logger).WithSink(s.hub)

	s.engine = settlement.NewEngine(linkStore, s.ledger, s.wallets, payoutStore, flagStore,
		schedule, settlement.Config{
			ApprovalTTL:      cfg.ApprovalTTL,
			MaxDeliveryDays:  cfg.MaxDeliveryDays,
			MaxReassignments: cfg.MaxReassignments,
			OtpTTL:           cfg.OTPTTL,
			OtpMaxAttempts:   cfg.OTPMaxAttempts,
			OtpDigits:        cfg.OTPDigits,
		}).WithEmitter(emitter)
	s.expiryTimer = settlement.NewTimer(s.engine, cfg.ExpirySweepEvery, s.logger)
	s.cashoutEngine = cashout.NewEngine(cashoutStore, s.ledger, s.wallets, schedule).WithEmitter(emitter)
	s.disputes = dispute.NewService(disputeStore, s.engine).WithEmitter(emitter)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides the password in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID from the load balancer.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards admin routes with a shared secret header.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled (ADMIN_SECRET not set)",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	settlementHandler := settlement.NewHandler(s.engine)
	cashoutHandler := cashout.NewHandler(s.cashoutEngine)
	disputeHandler := dispute.NewHandler(s.disputes)
	notifyHandler := notify.NewHandler(s.notifyStore)

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	settlementHandler.RegisterRoutes(v1)
	settlementHandler.RegisterProtectedRoutes(v1)
	cashoutHandler.RegisterRoutes(v1)
	cashoutHandler.RegisterProtectedRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	disputeHandler.RegisterProtectedRoutes(v1)
	notifyHandler.RegisterRoutes(v1)

	v1.GET("/wallets/:userId", s.walletBalanceHandler)
	v1.GET("/wallets/:userId/ledger", s.walletLedgerHandler)
	v1.GET("/peacelinks/:id/ledger", s.linkLedgerHandler)
	v1.GET("/stats", s.statsHandler)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	settlementHandler.RegisterAdminRoutes(admin)
	cashoutHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	admin.GET("/platform/wallet", s.platformWalletHandler)
	admin.POST("/wallets", s.createWalletHandler)
	admin.POST("/wallets/:userId/credit", s.creditWalletHandler)
}

// walletBalanceHandler returns a user wallet's balance
func (s *Server) walletBalanceHandler(c *gin.Context) {
	account, err := s.wallets.GetAccount(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId":  account.ID,
		"balance":   account.Balance.StringFixed(2),
		"held":      account.Held.StringFixed(2),
		"available": account.Available().StringFixed(2),
	})
}

// walletLedgerHandler returns a wallet's movement history
func (s *Server) walletLedgerHandler(c *gin.Context) {
	entries, err := s.ledger.ListByWallet(c.Request.Context(), c.Param("userId"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// linkLedgerHandler returns every money movement on one link
func (s *Server) linkLedgerHandler(c *gin.Context) {
	entries, err := s.ledger.ListByEscrow(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// platformWalletHandler returns the platform profit balance
func (s *Server) platformWalletHandler(c *gin.Context) {
	p, err := s.wallets.PlatformBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    p.Name,
		"balance": p.Balance.StringFixed(2),
		"version": p.Version,
	})
}

type createWalletRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Balance string `json:"balance"`
}

// createWalletHandler provisions a wallet for a user. Funding rails are
// out of scope; this is the ops entry point.
func (s *Server) createWalletHandler(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	account := &wallet.Account{ID: req.UserID, OwnerID: req.UserID}
	if req.Balance != "" {
		bal, err := money.Parse(req.Balance)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		account.Balance = bal
	}
	if err := s.walletStore.Create(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

type creditWalletRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// creditWalletHandler tops up a wallet out of band
func (s *Server) creditWalletHandler(c *gin.Context) {
	var req creditWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	if err := s.wallets.Credit(c.Request.Context(), c.Param("userId"), amount); err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": amount.StringFixed(2)})
}

// statsHandler returns realtime hub statistics
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtime": s.hub.Stats()})
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"
	dbStatus := "not_configured"
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			dbStatus = "unreachable"
			overall = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			dbStatus = "ok"
		}
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	go s.expiryTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark ready after a brief startup delay.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.logger.Info("expiry timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
