package payment

import (
	"context"
	"errors"
	"time"
)

// Gateway defines the payment provider operations the billing core uses.
// Amounts are in minor currency units.
type Gateway interface {
	// CreateCustomer registers a customer and returns its reference.
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)
	// GetCustomer returns a customer, including deleted ones (Deleted=true).
	GetCustomer(ctx context.Context, customerRef string) (*Customer, error)

	// CreateSubscription starts a subscription on a single price.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)
	// SwapPrice replaces the price of the subscription's single item with
	// proration enabled and the billing anchor reset to now.
	SwapPrice(ctx context.Context, params SwapPriceParams) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)

	// PreviewSwap returns the invoice a SwapPrice call would produce,
	// without committing anything.
	PreviewSwap(ctx context.Context, params SwapPriceParams) (*Invoice, error)
	// ListInvoices returns the customer's most recent invoices, newest first.
	ListInvoices(ctx context.Context, customerRef string, limit int) ([]*Invoice, error)

	GetPrice(ctx context.Context, priceRef string) (*Price, error)
}

// EventParser verifies and decodes signed webhook deliveries.
type EventParser interface {
	ParseEvent(payload []byte, signatureHeader string) (*Event, error)
}

var (
	// ErrInvalidSignature is returned for webhook payloads whose signature
	// does not verify against the shared secret.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrMalformedEvent is returned for webhook payloads that cannot be decoded.
	ErrMalformedEvent = errors.New("payment: malformed webhook event")
)

// Error is a classified gateway failure.
type Error struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	return "payment: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a gateway failure worth retrying later.
func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}

// CustomerParams describes a customer to create.
type CustomerParams struct {
	UserID string
	Email  string
}

// Customer is a gateway customer record. Balance follows the gateway ledger
// convention: negative means credit owed to the customer, positive debt.
type Customer struct {
	Ref     string
	Email   string
	UserID  string // from customer metadata, when present
	Balance int64
	Deleted bool
}

// CreateSubscriptionParams describes a new subscription.
type CreateSubscriptionParams struct {
	CustomerRef      string
	PriceRef         string
	PaymentMethodRef string
	UserID           string
}

// SwapPriceParams describes a price swap on an existing subscription.
type SwapPriceParams struct {
	CustomerRef     string
	SubscriptionRef string
	PriceRef        string
	ProrationDate   time.Time
}

// SubscriptionStatus is the gateway-side subscription state.
type SubscriptionStatus string

const (
	SubActive            SubscriptionStatus = "active"
	SubTrialing          SubscriptionStatus = "trialing"
	SubIncomplete        SubscriptionStatus = "incomplete"
	SubIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubPastDue           SubscriptionStatus = "past_due"
	SubUnpaid            SubscriptionStatus = "unpaid"
	SubCanceled          SubscriptionStatus = "canceled"
)

// Subscription is a gateway subscription with its single priced item.
type Subscription struct {
	Ref                string
	CustomerRef        string
	Status             SubscriptionStatus
	ItemRef            string
	PriceRef           string
	UnitAmount         int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	LatestInvoice      *Invoice
}

// Price is a gateway price object.
type Price struct {
	Ref        string
	UnitAmount int64
}

// InvoiceStatus is the gateway invoice state.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// LineKind tags an invoice line structurally, independent of the
// human-readable description.
type LineKind string

const (
	LineCharge        LineKind = "charge"         // ordinary cycle charge
	LineUnusedTime    LineKind = "unused_time"    // refund of the previous plan's unpaid-for remainder
	LineRemainingTime LineKind = "remaining_time" // charge for the new plan's remainder
)

// LineItem is one invoice line.
type LineItem struct {
	AmountMinor int64
	IsProration bool
	Kind        LineKind
	Description string
	PriceRef    string
}

// Invoice is a gateway invoice, either real or previewed.
type Invoice struct {
	ID               string
	CustomerRef      string
	SubscriptionRef  string
	PaymentIntentRef string
	Status           InvoiceStatus
	TotalMinor       int64
	SubtotalMinor    int64
	AmountPaidMinor  int64
	AmountDueMinor   int64
	Lines            []LineItem
	HostedURL        string
	PaidAt           time.Time
	Created          time.Time
	PeriodStart      time.Time
	PeriodEnd        time.Time
}

// Paid reports whether the invoice is settled.
func (inv *Invoice) Paid() bool {
	return inv != nil && inv.Status == InvoicePaid
}

// Prorated reports whether the line is a proration rather than an ordinary
// cycle charge.
func (l LineItem) Prorated() bool {
	return l.IsProration || l.Kind == LineUnusedTime || l.Kind == LineRemainingTime
}

// ProrationLines returns the proration lines of the invoice, excluding
// ordinary next-cycle charges.
func (inv *Invoice) ProrationLines() []LineItem {
	var lines []LineItem
	for _, l := range inv.Lines {
		if l.Prorated() {
			lines = append(lines, l)
		}
	}
	return lines
}

// EventType is a normalized webhook event kind.
type EventType string

const (
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventIgnored             EventType = "ignored"
)

// Event is a verified webhook delivery.
type Event struct {
	ID           string
	Type         EventType
	RawType      string
	Invoice      *Invoice
	Subscription *Subscription
}
