package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mediahub/internal/auth"
	"mediahub/internal/docstore"
	"mediahub/internal/ratelimit"
	synchub "mediahub/internal/sync"
	"mediahub/pkg/database"
	"mediahub/pkg/utils"
)

// tombstones older than this are dropped; clients that were offline longer
// may bring removed items back
const tombstoneRetention = 90 * 24 * time.Hour

func main() {
	if err := utils.LoadDotEnv(); err != nil {
		log.Fatalf("[api-server] load .env: %v", err)
	}
	srvCfg, err := utils.LoadServerConfig()
	if err != nil {
		log.Fatalf("[api-server] %v", err)
	}
	authCfg, err := utils.LoadAuthConfig()
	if err != nil {
		log.Fatalf("[api-server] %v", err)
	}
	logger := utils.NewLogger(os.Stderr, srvCfg.LogLevel, srvCfg.LogFormat)

	cfg := database.DefaultConfig()
	db := database.MustOpen(cfg)
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("[api-server] db migrate failed: %v", err)
	}

	router := gin.Default()
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	limiter := ratelimit.New(srvCfg.RateRPS, srvCfg.RateBurst)
	hub := synchub.NewHub(logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": cfg.Path})
	})

	router.GET("/ready", func(c *gin.Context) {
		stats := hub.Stats()
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":     "not_ready",
				"db_error":   err.Error(),
				"ws_clients": stats.WSClients,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":     "ready",
			"db":         "ok",
			"ws_clients": stats.WSClients,
		})
	})

	router.GET("/debug", func(c *gin.Context) {
		stats := hub.Stats()
		c.JSON(http.StatusOK, gin.H{
			"db":           cfg.Path,
			"users_online": stats.Users,
			"ws_clients":   stats.WSClients,
			"rate_buckets": limiter.Sweep(),
		})
	})

	tokenSvc := auth.TokenService{
		Secret:   []byte(authCfg.JWTSecret),
		Issuer:   authCfg.JWTIssuer,
		Duration: authCfg.JWTDuration,
	}
	authRepo := auth.NewRepo(db)
	authHandler := auth.NewHandler(authRepo, tokenSvc)

	// anonymous callers are limited per IP
	authGroup := router.Group("/auth")
	authGroup.Use(ratelimit.Middleware(limiter, logger))
	authHandler.RegisterRoutes(authGroup)

	protected := router.Group("/users")
	protected.Use(auth.AuthMiddleware(tokenSvc, authRepo), ratelimit.Middleware(limiter, logger))
	authHandler.RegisterUserRoutes(protected)

	docRepo := docstore.NewRepo(db)
	docstore.NewHandler(docRepo, hub).RegisterRoutes(protected)

	router.GET("/ws", auth.AuthMiddleware(tokenSvc, authRepo), synchub.WSHandler(hub))

	httpSrv := &http.Server{
		Addr:    srvCfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeping(ctx, docRepo, limiter)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("[api-server] listening on %s", srvCfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[api-server] shutdown signal received: %s", sig)
	case err := <-errCh:
		log.Printf("[api-server] server error: %v", err)
	}

	log.Println("[api-server] shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[api-server] http shutdown error: %v", err)
	}

	wg.Wait()
	log.Println("[api-server] stopped")
}

func housekeeping(ctx context.Context, repo *docstore.Repo, limiter *ratelimit.KeyedLimiter) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := repo.PruneTombstones(ctx, time.Now().Add(-tombstoneRetention))
		if err != nil {
			log.Printf("[api-server] prune tombstones: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("[api-server] pruned %d tombstones", n)
		}
		limiter.Sweep()
	}
}
