package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiagenz/billing/internal/app"
	"github.com/aiagenz/billing/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var once bool

func init() {
	flag.BoolVar(&once, "once", false, "run a single reconciliation pass and exit")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("❌ Config error: %v", err)
	}
	log := app.NewLogger(cfg.LogLevel)

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Fatalf("❌ Startup error: %v", err)
	}
	defer a.Close()

	if a.Gateway == nil {
		log.Fatal("❌ STRIPE_SECRET_KEY is required for reconciliation")
	}

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		start := time.Now()
		log.Info("[CRON] Starting ledger reconciliation")
		report, err := a.Reconciler.ReplayAll(ctx)
		if err != nil {
			log.WithError(err).Error("[CRON] Reconciliation failed")
			return
		}
		log.WithFields(logrus.Fields{
			"users":      report.Users,
			"invoices":   report.Invoices,
			"recorded":   report.Recorded,
			"duplicates": report.Duplicates,
			"failed":     report.Failed,
			"elapsed":    time.Since(start).String(),
		}).Info("[CRON] Finished ledger reconciliation")
	}

	if once {
		run()
		return
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, run); err != nil {
		log.Fatalf("❌ Invalid RECONCILE_SCHEDULE %q: %v", cfg.ReconcileSchedule, err)
	}
	scheduler.Start()
	log.WithField("schedule", cfg.ReconcileSchedule).Info("🚀 Reconcile scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("🛑 Shutting down...")
	<-scheduler.Stop().Done()
}
