package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Observer is notified after every gateway call.
type Observer func(op string, elapsed time.Duration, err error)

// StripeOption configures a StripeGateway.
type StripeOption func(*StripeGateway)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) StripeOption {
	return func(g *StripeGateway) { g.retry = p }
}

// WithObserver installs a call observer, typically for metrics.
func WithObserver(o Observer) StripeOption {
	return func(g *StripeGateway) { g.observe = o }
}

// WithLogger routes stripe-go's own logging through the given logger.
func WithLogger(l stripe.LeveledLoggerInterface) StripeOption {
	return func(g *StripeGateway) { g.logger = l }
}

// WithBackendURL points the client at a different API host (stripe-mock in tests).
func WithBackendURL(url string) StripeOption {
	return func(g *StripeGateway) { g.backendURL = url }
}

// StripeGateway implements Gateway on top of a dedicated stripe-go client.
type StripeGateway struct {
	api        *client.API
	retry      RetryPolicy
	observe    Observer
	logger     stripe.LeveledLoggerInterface
	backendURL string
	prices     *lru.Cache[string, *Price]
}

// NewStripeGateway creates a gateway bound to secretKey. The client is
// private to the gateway; the stripe package-level key is never set.
func NewStripeGateway(secretKey string, opts ...StripeOption) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, errors.New("payment: stripe secret key is required")
	}
	g := &StripeGateway{retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(g)
	}

	prices, err := lru.New[string, *Price](256)
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	g.prices = prices

	// Retries are handled by retry(); the client must not retry on its own.
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     g.logger,
	}
	if g.backendURL != "" {
		cfg.URL = stripe.String(g.backendURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	g.api = client.New(secretKey, backends)
	return g, nil
}

// Close releases cached state. The underlying HTTP client is shared and
// needs no teardown.
func (g *StripeGateway) Close() {
	g.prices.Purge()
}

func (g *StripeGateway) do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := retry(ctx, g.retry, op, fn)
	if g.observe != nil {
		g.observe(op, time.Since(start), err)
	}
	return err
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	p := &stripe.CustomerParams{Email: stripe.String(params.Email)}
	p.Context = ctx
	p.AddMetadata("user_id", params.UserID)
	// The same user never gets two customers even if the call is retried.
	p.SetIdempotencyKey("customer-" + params.UserID)

	var c *stripe.Customer
	err := g.do(ctx, "customer.create", func() (err error) {
		c, err = g.api.Customers.New(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return customerFromStripe(c), nil
}

func (g *StripeGateway) GetCustomer(ctx context.Context, customerRef string) (*Customer, error) {
	p := &stripe.CustomerParams{}
	p.Context = ctx

	var c *stripe.Customer
	err := g.do(ctx, "customer.get", func() (err error) {
		c, err = g.api.Customers.Get(customerRef, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return customerFromStripe(c), nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	p := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceRef)},
		},
		PaymentBehavior: stripe.String("allow_incomplete"),
	}
	if params.PaymentMethodRef != "" {
		p.DefaultPaymentMethod = stripe.String(params.PaymentMethodRef)
	}
	p.Context = ctx
	p.AddMetadata("user_id", params.UserID)
	p.AddExpand("latest_invoice")
	p.AddExpand("latest_invoice.lines")
	p.SetIdempotencyKey(operationKey("subscription-create"))

	var s *stripe.Subscription
	err := g.do(ctx, "subscription.create", func() (err error) {
		s, err = g.api.Subscriptions.New(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(s), nil
}

func (g *StripeGateway) SwapPrice(ctx context.Context, params SwapPriceParams) (*Subscription, error) {
	current, err := g.GetSubscription(ctx, params.SubscriptionRef)
	if err != nil {
		return nil, err
	}

	p := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.ItemRef), Price: stripe.String(params.PriceRef)},
		},
		ProrationBehavior:     stripe.String("create_prorations"),
		BillingCycleAnchorNow: stripe.Bool(true),
	}
	if !params.ProrationDate.IsZero() {
		p.ProrationDate = stripe.Int64(params.ProrationDate.Unix())
	}
	p.Context = ctx
	p.AddExpand("latest_invoice")
	p.AddExpand("latest_invoice.lines")
	p.SetIdempotencyKey(operationKey("subscription-update"))

	var s *stripe.Subscription
	err = g.do(ctx, "subscription.update", func() (err error) {
		s, err = g.api.Subscriptions.Update(params.SubscriptionRef, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(s), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	p := &stripe.SubscriptionParams{}
	p.Context = ctx

	var s *stripe.Subscription
	err := g.do(ctx, "subscription.get", func() (err error) {
		s, err = g.api.Subscriptions.Get(subscriptionRef, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(s), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error) {
	p := &stripe.SubscriptionCancelParams{}
	p.Context = ctx
	p.SetIdempotencyKey(operationKey("subscription-cancel"))

	var s *stripe.Subscription
	err := g.do(ctx, "subscription.cancel", func() (err error) {
		s, err = g.api.Subscriptions.Cancel(subscriptionRef, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(s), nil
}

func (g *StripeGateway) PreviewSwap(ctx context.Context, params SwapPriceParams) (*Invoice, error) {
	current, err := g.GetSubscription(ctx, params.SubscriptionRef)
	if err != nil {
		return nil, err
	}

	prorationDate := params.ProrationDate
	if prorationDate.IsZero() {
		prorationDate = time.Now()
	}
	p := &stripe.InvoiceUpcomingParams{
		Customer:     stripe.String(params.CustomerRef),
		Subscription: stripe.String(params.SubscriptionRef),
		SubscriptionItems: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.ItemRef), Price: stripe.String(params.PriceRef)},
		},
		SubscriptionProrationBehavior:     stripe.String("create_prorations"),
		SubscriptionProrationDate:         stripe.Int64(prorationDate.Unix()),
		SubscriptionBillingCycleAnchorNow: stripe.Bool(true),
	}
	p.Context = ctx

	var inv *stripe.Invoice
	err = g.do(ctx, "invoice.upcoming", func() (err error) {
		inv, err = g.api.Invoices.Upcoming(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return invoiceFromStripe(inv), nil
}

func (g *StripeGateway) ListInvoices(ctx context.Context, customerRef string, limit int) ([]*Invoice, error) {
	p := &stripe.InvoiceListParams{Customer: stripe.String(customerRef)}
	p.Context = ctx
	p.Limit = stripe.Int64(int64(limit))
	p.AddExpand("data.lines")

	var out []*Invoice
	err := g.do(ctx, "invoice.list", func() error {
		out = out[:0]
		it := g.api.Invoices.List(p)
		for len(out) < limit && it.Next() {
			out = append(out, invoiceFromStripe(it.Invoice()))
		}
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *StripeGateway) GetPrice(ctx context.Context, priceRef string) (*Price, error) {
	// Stripe prices are immutable once created.
	if p, ok := g.prices.Get(priceRef); ok {
		return p, nil
	}

	p := &stripe.PriceParams{}
	p.Context = ctx

	var sp *stripe.Price
	err := g.do(ctx, "price.get", func() (err error) {
		sp, err = g.api.Prices.Get(priceRef, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	price := &Price{Ref: sp.ID, UnitAmount: sp.UnitAmount}
	g.prices.Add(priceRef, price)
	return price, nil
}

// StripeEventParser verifies Stripe-Signature headers.
type StripeEventParser struct {
	secret    string
	tolerance time.Duration
}

// NewStripeEventParser returns a parser for the given endpoint secret.
func NewStripeEventParser(secret string) *StripeEventParser {
	return &StripeEventParser{secret: secret, tolerance: webhook.DefaultTolerance}
}

func (p *StripeEventParser) ParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}

	out := &Event{ID: ev.ID, RawType: string(ev.Type)}
	switch string(ev.Type) {
	case "invoice.payment_succeeded", "invoice.paid":
		out.Type = EventPaymentSucceeded
	case "invoice.payment_failed":
		out.Type = EventPaymentFailed
	case "customer.subscription.deleted":
		out.Type = EventSubscriptionDeleted
	default:
		out.Type = EventIgnored
		return out, nil
	}

	if out.Type == EventSubscriptionDeleted {
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Subscription = subscriptionFromStripe(&s)
		return out, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out.Invoice = invoiceFromStripe(&inv)
	return out, nil
}

func customerFromStripe(c *stripe.Customer) *Customer {
	out := &Customer{Ref: c.ID, Email: c.Email, Balance: c.Balance, Deleted: c.Deleted}
	if c.Metadata != nil {
		out.UserID = c.Metadata["user_id"]
	}
	return out
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		Ref:                s.ID,
		Status:             SubscriptionStatus(s.Status),
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemRef = item.ID
		if item.Price != nil {
			out.PriceRef = item.Price.ID
			out.UnitAmount = item.Price.UnitAmount
		}
	}
	if s.LatestInvoice != nil && s.LatestInvoice.ID != "" {
		out.LatestInvoice = invoiceFromStripe(s.LatestInvoice)
		if out.LatestInvoice.SubscriptionRef == "" {
			out.LatestInvoice.SubscriptionRef = s.ID
		}
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:              inv.ID,
		Status:          InvoiceStatus(inv.Status),
		TotalMinor:      inv.Total,
		SubtotalMinor:   inv.Subtotal,
		AmountPaidMinor: inv.AmountPaid,
		AmountDueMinor:  inv.AmountDue,
		HostedURL:       inv.HostedInvoiceURL,
		Created:         unixTime(inv.Created),
		PeriodStart:     unixTime(inv.PeriodStart),
		PeriodEnd:       unixTime(inv.PeriodEnd),
	}
	if inv.Customer != nil {
		out.CustomerRef = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionRef = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentRef = inv.PaymentIntent.ID
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
	}
	if inv.Lines != nil {
		for _, l := range inv.Lines.Data {
			out.Lines = append(out.Lines, lineFromStripe(l))
		}
	}
	return out
}

// lineFromStripe tags proration lines structurally: a negative proration is
// the credit for unused time on the previous price, a positive one the
// charge for the remaining time on the new price.
func lineFromStripe(l *stripe.InvoiceLineItem) LineItem {
	out := LineItem{
		AmountMinor: l.Amount,
		IsProration: l.Proration,
		Description: l.Description,
		Kind:        LineCharge,
	}
	if l.Price != nil {
		out.PriceRef = l.Price.ID
	}
	if l.Proration {
		if l.Amount < 0 {
			out.Kind = LineUnusedTime
		} else {
			out.Kind = LineRemainingTime
		}
	}
	return out
}

// operationKey returns one idempotency key per logical gateway mutation.
// Retries of the same call reuse it, so a request applied upstream whose
// response was lost is not applied twice.
func operationKey(op string) string {
	return op + "-" + uuid.NewString()
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var (
	_ Gateway     = (*StripeGateway)(nil)
	_ EventParser = (*StripeEventParser)(nil)
)
