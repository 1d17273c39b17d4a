package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/ubuygold/gopdf/internal/admin"
	"github.com/ubuygold/gopdf/internal/api"
	"github.com/ubuygold/gopdf/internal/auth"
	"github.com/ubuygold/gopdf/internal/config"
	"github.com/ubuygold/gopdf/internal/db"
	"github.com/ubuygold/gopdf/internal/keys"
	"github.com/ubuygold/gopdf/internal/logger"
	"github.com/ubuygold/gopdf/internal/metering"
	"github.com/ubuygold/gopdf/internal/quota"
	"github.com/ubuygold/gopdf/internal/render"
	"github.com/ubuygold/gopdf/internal/scheduler"
	"github.com/ubuygold/gopdf/internal/usage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"request_id", logger.RequestIDFrom(c.Request.Context()),
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// app is the wired service. close releases everything newApp acquired
// except the database, which the caller owns.
type app struct {
	router    *gin.Engine
	gate      *auth.Gate
	scheduler *scheduler.Scheduler
}

func newApp(cfg *config.Config, log *slog.Logger, dbService db.Service, renderer render.Renderer) (*app, error) {
	keyStore := keys.NewStore(dbService, cfg.Auth.KeySalt, cfg.Plans, log)
	gate, err := auth.NewGate(keyStore, cfg.Auth, log)
	if err != nil {
		return nil, fmt.Errorf("error creating auth gate: %w", err)
	}

	expander, err := render.NewPongoExpander(cfg.Render.TemplateDir)
	if err != nil {
		gate.Close()
		return nil, fmt.Errorf("error creating template expander: %w", err)
	}

	ledger := usage.NewLedger(dbService, log)
	policy := quota.NewPolicy(cfg.Plans)
	pipeline := metering.NewService(gate, ledger, policy, cfg.Render.Timeout, log)

	router := gin.New()
	// Use our custom recovery middleware instead of the default one.
	router.Use(logger.RequestID(), customRecovery(log), logger.RequestLogger(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Authorization", "Content-Type", auth.HeaderAPIKey, auth.HeaderAdminToken},
			ExposeHeaders: []string{"Content-Disposition", api.HeaderQuotaRemaining, logger.HeaderRequestID},
			MaxAge:        12 * time.Hour,
		}))
	}

	api.SetupRoutes(router, api.NewHandler(pipeline, renderer, expander, ledger, policy, dbService, cfg.Render.MaxBodyBytes, log), gate)
	admin.SetupRoutes(router, admin.NewHandler(keyStore, ledger, policy, log), auth.NewAdminGate(cfg.Admin.Token))

	return &app{
		router:    router,
		gate:      gate,
		scheduler: scheduler.NewScheduler(ledger, cfg.Scheduler.UsageReport, log),
	}, nil
}

func (a *app) close() {
	a.scheduler.Stop()
	a.gate.Close()
}

func setupAndRunServer(cfg *config.Config, log *slog.Logger, dbService db.Service) error {
	renderer := render.NewBrowserRenderer(cfg.Render.ChromePath, log)
	defer renderer.Close()

	a, err := newApp(cfg, log, dbService, renderer)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	log.Info("Scheduler started", "usage_report", cfg.Scheduler.UsageReport)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: a.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	log.Info("Shutting down server...")

	// In-flight renders get the render timeout to finish.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Render.Timeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exiting")
	return nil
}

func main() {
	configPath := "config.yaml"
	if p := os.Getenv("GOPDF_CONFIG"); p != "" {
		configPath = p
	}

	// Load configuration
	cfg, warning, err := config.LoadConfig(configPath)
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	err = setupAndRunServer(cfg, log, dbService)
	if closeErr := dbService.Close(); closeErr != nil {
		log.Error("Error closing database", "error", closeErr)
	}
	if err != nil {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}
