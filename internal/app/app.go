// Package app wires configuration, storage, the payment gateway and the
// billing services into one graph shared by the server and the reconcile job.
package app

import (
	"context"
	"fmt"

	"github.com/aiagenz/billing/internal/config"
	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/lock"
	"github.com/aiagenz/billing/internal/metrics"
	"github.com/aiagenz/billing/internal/repository"
	"github.com/aiagenz/billing/internal/service"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App holds the process-wide dependencies.
type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Plans     *repository.PlanRepository
	Subs      *repository.SubscriptionRepository
	Payments  *repository.PaymentRepository
	Customers *repository.CustomerRepository
	Users     *repository.UserRepository

	// Gateway is nil when STRIPE_SECRET_KEY is unset.
	Gateway payment.Gateway
	// Parser is nil when STRIPE_WEBHOOK_SECRET is unset.
	Parser payment.EventParser

	Auth       *service.AuthService
	Credit     *service.CreditService
	Ledger     *service.LedgerService
	Proration  *service.ProrationService
	Lifecycle  *service.LifecycleService
	Webhook    *service.WebhookService
	Reconciler *service.Reconciler

	closers []func()
}

// NewLogger returns a JSON logrus logger at the given level. Unknown levels
// fall back to info.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// New connects to the database, migrates it, seeds the plan catalog and
// builds every service. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}

	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := repository.RunMigrations(ctx, db); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a.Plans = repository.NewPlanRepository(db)
	a.Subs = repository.NewSubscriptionRepository(db)
	a.Payments = repository.NewPaymentRepository(db)
	a.Customers = repository.NewCustomerRepository(db)
	a.Users = repository.NewUserRepository(db)

	if err := a.Plans.Seed(ctx, catalog(cfg.PriceRefs)); err != nil {
		a.Close()
		return nil, fmt.Errorf("plan seed: %w", err)
	}

	if cfg.StripeSecretKey != "" {
		policy := payment.DefaultRetryPolicy()
		policy.MaxRetries = cfg.GatewayMaxRetries
		gw, err := payment.NewStripeGateway(cfg.StripeSecretKey,
			payment.WithRetryPolicy(policy),
			payment.WithObserver(a.Metrics.GatewayObserver()),
			payment.WithLogger(log.WithField("component", "stripe")),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("payment gateway: %w", err)
		}
		a.Gateway = gw
		a.closers = append(a.closers, gw.Close)
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, billing mutations will fail with CONFIGURATION_ERROR")
	}

	if cfg.StripeWebhookSecret != "" {
		a.Parser = payment.NewStripeEventParser(cfg.StripeWebhookSecret)
	} else {
		log.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Auth = service.NewAuthService(cfg.JWTSecret)
	a.Credit = service.NewCreditService(a.Gateway, a.Customers, log)
	a.Ledger = service.NewLedgerService(a.Payments, a.Gateway, a.Credit, a.Metrics, log)
	a.Proration = service.NewProrationService(a.Plans, a.Subs, a.Customers, a.Gateway, a.Credit, a.Metrics, log)
	a.Lifecycle = service.NewLifecycleService(service.LifecycleDeps{
		Plans:     a.Plans,
		Subs:      a.Subs,
		Customers: a.Customers,
		Users:     a.Users,
		Payments:  a.Payments,
		Gateway:   a.Gateway,
		Ledger:    a.Ledger,
		Locker:    locker,
		Metrics:   a.Metrics,
		Log:       log,
	})
	a.Webhook = service.NewWebhookService(service.WebhookDeps{
		Parser:    a.Parser,
		Gateway:   a.Gateway,
		Plans:     a.Plans,
		Subs:      a.Subs,
		Customers: a.Customers,
		Users:     a.Users,
		Ledger:    a.Ledger,
		Locker:    locker,
		Metrics:   a.Metrics,
		Log:       log,
	})
	a.Reconciler = service.NewReconciler(a.Customers, a.Subs, a.Plans, a.Gateway, a.Ledger, a.Metrics, log)

	return a, nil
}

// newLocker returns a redsync locker when REDIS_URL is set and an
// in-process one otherwise.
func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.Config.RedisURL == "" {
		a.Log.Info("REDIS_URL not set, using in-process subscription locks")
		return lock.NewLocalLocker(), nil
	}
	opts, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, func() { rdb.Close() })
	return lock.NewRedisLocker(rdb, a.Log), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// catalog returns the default plans with their configured price references.
func catalog(refs config.PriceRefs) []domain.Plan {
	plans := domain.DefaultPlans()
	for i := range plans {
		if p, ok := refs[plans[i].ID]; ok {
			plans[i].MonthlyPriceRef = p.Monthly
			plans[i].AnnualPriceRef = p.Annual
		}
	}
	return plans
}
