// Package paymenttest provides an in-memory payment.Gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiagenz/billing/pkg/payment"
)

// Gateway is a programmable in-memory gateway. Hooks, when set, replace
// the default behavior of the corresponding call.
type Gateway struct {
	mu sync.Mutex

	Customers     map[string]*payment.Customer
	Subscriptions map[string]*payment.Subscription
	Prices        map[string]*payment.Price
	Invoices      map[string][]*payment.Invoice // by customer ref, newest first

	// NextInvoice, when set, is attached as LatestInvoice to the next
	// create or swap call and then cleared.
	NextInvoice *payment.Invoice

	PreviewFunc    func(params payment.SwapPriceParams) (*payment.Invoice, error)
	GetPriceFunc   func(priceRef string) (*payment.Price, error)
	GetSubFunc     func(subscriptionRef string) (*payment.Subscription, error)
	GetCustomerErr error
	CreateErr      error
	SwapErr        error
	CancelErr      error

	Calls []string
	seq   int
}

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		Customers:     make(map[string]*payment.Customer),
		Subscriptions: make(map[string]*payment.Subscription),
		Prices:        make(map[string]*payment.Price),
		Invoices:      make(map[string][]*payment.Invoice),
	}
}

// AddPrice registers a price.
func (g *Gateway) AddPrice(ref string, unitAmount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Prices[ref] = &payment.Price{Ref: ref, UnitAmount: unitAmount}
}

// AddCustomer registers a customer with a gateway balance.
func (g *Gateway) AddCustomer(ref, userID string, balance int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Customers[ref] = &payment.Customer{Ref: ref, UserID: userID, Balance: balance}
}

// CallCount returns how many times op was invoked.
func (g *Gateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (g *Gateway) record(op string) {
	g.Calls = append(g.Calls, op)
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *Gateway) CreateCustomer(_ context.Context, params payment.CustomerParams) (*payment.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("customer.create")
	c := &payment.Customer{Ref: g.nextID("cus"), Email: params.Email, UserID: params.UserID}
	g.Customers[c.Ref] = c
	return c, nil
}

func (g *Gateway) GetCustomer(_ context.Context, customerRef string) (*payment.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("customer.get")
	if g.GetCustomerErr != nil {
		return nil, g.GetCustomerErr
	}
	c, ok := g.Customers[customerRef]
	if !ok {
		return nil, &payment.Error{Op: "customer.get", StatusCode: 404, Err: fmt.Errorf("no such customer %q", customerRef)}
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) CreateSubscription(_ context.Context, params payment.CreateSubscriptionParams) (*payment.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("subscription.create")
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	now := time.Now().UTC()
	s := &payment.Subscription{
		Ref:                g.nextID("sub"),
		CustomerRef:        params.CustomerRef,
		Status:             payment.SubActive,
		ItemRef:            g.nextID("si"),
		PriceRef:           params.PriceRef,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if p, ok := g.Prices[params.PriceRef]; ok {
		s.UnitAmount = p.UnitAmount
	}
	s.LatestInvoice = g.takeInvoice(s)
	g.Subscriptions[s.Ref] = s
	cp := *s
	return &cp, nil
}

func (g *Gateway) SwapPrice(_ context.Context, params payment.SwapPriceParams) (*payment.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("subscription.update")
	if g.SwapErr != nil {
		return nil, g.SwapErr
	}
	s, ok := g.Subscriptions[params.SubscriptionRef]
	if !ok {
		return nil, &payment.Error{Op: "subscription.update", StatusCode: 404, Err: fmt.Errorf("no such subscription %q", params.SubscriptionRef)}
	}
	now := time.Now().UTC()
	s.PriceRef = params.PriceRef
	if p, ok := g.Prices[params.PriceRef]; ok {
		s.UnitAmount = p.UnitAmount
	}
	s.CurrentPeriodStart = now
	s.CurrentPeriodEnd = now.AddDate(0, 1, 0)
	s.LatestInvoice = g.takeInvoice(s)
	cp := *s
	return &cp, nil
}

func (g *Gateway) takeInvoice(s *payment.Subscription) *payment.Invoice {
	inv := g.NextInvoice
	g.NextInvoice = nil
	if inv == nil {
		return nil
	}
	if inv.SubscriptionRef == "" {
		inv.SubscriptionRef = s.Ref
	}
	if inv.CustomerRef == "" {
		inv.CustomerRef = s.CustomerRef
	}
	g.Invoices[s.CustomerRef] = append([]*payment.Invoice{inv}, g.Invoices[s.CustomerRef]...)
	return inv
}

func (g *Gateway) GetSubscription(_ context.Context, subscriptionRef string) (*payment.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("subscription.get")
	if g.GetSubFunc != nil {
		return g.GetSubFunc(subscriptionRef)
	}
	s, ok := g.Subscriptions[subscriptionRef]
	if !ok {
		return nil, &payment.Error{Op: "subscription.get", StatusCode: 404, Err: fmt.Errorf("no such subscription %q", subscriptionRef)}
	}
	cp := *s
	return &cp, nil
}

func (g *Gateway) CancelSubscription(_ context.Context, subscriptionRef string) (*payment.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("subscription.cancel")
	if g.CancelErr != nil {
		return nil, g.CancelErr
	}
	s, ok := g.Subscriptions[subscriptionRef]
	if !ok {
		return nil, &payment.Error{Op: "subscription.cancel", StatusCode: 404, Err: fmt.Errorf("no such subscription %q", subscriptionRef)}
	}
	s.Status = payment.SubCanceled
	cp := *s
	return &cp, nil
}

func (g *Gateway) PreviewSwap(_ context.Context, params payment.SwapPriceParams) (*payment.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("invoice.upcoming")
	if g.PreviewFunc != nil {
		return g.PreviewFunc(params)
	}
	return nil, &payment.Error{Op: "invoice.upcoming", Transient: true, Err: fmt.Errorf("preview not programmed")}
}

func (g *Gateway) ListInvoices(_ context.Context, customerRef string, limit int) ([]*payment.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("invoice.list")
	invs := g.Invoices[customerRef]
	if len(invs) > limit {
		invs = invs[:limit]
	}
	return append([]*payment.Invoice(nil), invs...), nil
}

func (g *Gateway) GetPrice(_ context.Context, priceRef string) (*payment.Price, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("price.get")
	if g.GetPriceFunc != nil {
		return g.GetPriceFunc(priceRef)
	}
	p, ok := g.Prices[priceRef]
	if !ok {
		return nil, &payment.Error{Op: "price.get", StatusCode: 404, Err: fmt.Errorf("no such price %q", priceRef)}
	}
	cp := *p
	return &cp, nil
}

// EventParser is a payment.EventParser that accepts a fixed signature and
// returns queued events.
type EventParser struct {
	Signature string
	Events    map[string]*payment.Event // by payload
}

// NewEventParser returns a parser accepting signature.
func NewEventParser(signature string) *EventParser {
	return &EventParser{Signature: signature, Events: make(map[string]*payment.Event)}
}

// Add queues ev to be returned for payload.
func (p *EventParser) Add(payload string, ev *payment.Event) {
	p.Events[payload] = ev
}

func (p *EventParser) ParseEvent(payload []byte, signatureHeader string) (*payment.Event, error) {
	if signatureHeader != p.Signature {
		return nil, payment.ErrInvalidSignature
	}
	ev, ok := p.Events[string(payload)]
	if !ok {
		return nil, payment.ErrMalformedEvent
	}
	return ev, nil
}

var (
	_ payment.Gateway     = (*Gateway)(nil)
	_ payment.EventParser = (*EventParser)(nil)
)
