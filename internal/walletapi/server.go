package walletapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Run boots the HTTP surface and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, logger *zap.Logger, cfg Config, service WalletService) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	router := NewRouter(logger, cfg, service)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wallet api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine. Exposed so tests can exercise the
// routes without binding a listener.
func NewRouter(logger *zap.Logger, cfg Config, service WalletService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.AuthSigningKey), cfg.AuthIssuer))

	api.POST("/accounts", handler.handleRegister)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/entries", handler.handleListEntries)
	api.POST("/conversions", handler.handleStartConversion)
	api.POST("/conversions/confirm", handler.handleConfirmConversion)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/rewards", requireRole(roleAdmin), handler.handleReward)

	webhooks := router.Group("/webhooks/payouts")
	webhooks.Use(webhookAuth(cfg.WebhookSecret))
	webhooks.POST("/:entryID/confirm", handler.handlePayoutConfirm)
	webhooks.POST("/:entryID/fail", handler.handlePayoutFail)

	return router
}
