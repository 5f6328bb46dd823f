package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiagenz/billing/internal/app"
	"github.com/aiagenz/billing/internal/config"
	"github.com/aiagenz/billing/internal/handler"
	appMiddleware "github.com/aiagenz/billing/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("❌ Config error: %v", err)
	}

	log := app.NewLogger(cfg.LogLevel)
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(log.Level)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("❌ Startup error: %v", err)
	}
	defer a.Close()
	log.Info("✅ Database connected & migrated")

	// Health checks
	checks := map[string]handler.PingFunc{"database": a.DB.Ping}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks)
	plansHandler := handler.NewPlansHandler(a.Plans)
	billingHandler := handler.NewBillingHandler(a.Lifecycle, a.Proration, a.Credit)
	webhookHandler := handler.NewWebhookHandler(a.Webhook)
	adminHandler := handler.NewAdminHandler(a.DB, a.Reconciler)

	// Build router
	r := chi.NewRouter()

	// Global middleware
	r.Use(appMiddleware.Recovery(log))
	r.Use(appMiddleware.Logger(log, a.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Global rate limiter (20 req/sec per IP, burst of 40)
	globalRL := appMiddleware.NewRateLimiter(20, 40)
	r.Use(globalRL.Middleware())

	// Public routes (no auth)
	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", a.Metrics.Handler())
	r.Get("/api/plans", plansHandler.List)
	r.Post("/api/billing/webhook", webhookHandler.HandleStripe)

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(a.Auth))

		r.Get("/api/billing/subscription", billingHandler.Current)
		r.Delete("/api/billing/subscription", billingHandler.Cancel)
		r.Get("/api/billing/subscription/history", billingHandler.History)
		r.Get("/api/billing/credit", billingHandler.Credit)
		r.Get("/api/billing/payments", billingHandler.Payments)

		// Gateway-bound mutations get the strict limiter
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.StrictRateLimiter())
			r.Post("/api/billing/subscription", billingHandler.Change)
			r.Post("/api/billing/subscription/preview", billingHandler.Preview)
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.AdminOnly)
			r.Get("/api/admin/stats", adminHandler.GetStats)
			r.Post("/api/admin/billing/reconcile", adminHandler.ReconcileAll)
			r.Post("/api/admin/billing/reconcile/{userId}", adminHandler.ReconcileUser)
		})
	})

	// Start server
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("🛑 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Shutdown did not complete cleanly")
		}
	}()

	log.Infof("🚀 Billing service listening at http://%s", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("❌ Server error: %v", err)
	}
}
