package domain

import "time"

// PaymentStatus is the settlement state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "Paid"
	PaymentPending PaymentStatus = "Pending"
	PaymentFailed  PaymentStatus = "Failed"
)

// Payment method labels stored on PaymentRecord.
const (
	MethodCard   = "card"
	MethodCredit = "credit"
	MethodHybrid = "card+credit"
)

// PaymentRecord mirrors one gateway invoice in the local ledger. Rows are
// keyed by GatewayInvoiceID; once Paid, the money columns never change.
type PaymentRecord struct {
	ID                     string        `json:"id"`
	UserID                 string        `json:"userId"`
	SubscriptionID         string        `json:"subscriptionId,omitempty"`
	GatewayInvoiceID       string        `json:"gatewayInvoiceId"`
	GatewayPaymentIntentID string        `json:"gatewayPaymentIntentId,omitempty"`
	GatewayCustomerID      string        `json:"gatewayCustomerId"`
	Amount                 Money         `json:"amount"`
	CardAmount             Money         `json:"cardAmount"`
	CreditAmount           Money         `json:"creditAmount"`
	CreditGenerated        Money         `json:"creditGenerated"`
	DifferenceAmount       *Money        `json:"differenceAmount,omitempty"`
	Status                 PaymentStatus `json:"status"`
	PaymentMethod          string        `json:"paymentMethod"`
	PaymentDate            time.Time     `json:"paymentDate"`
	PlanName               string        `json:"planName"`
	Period                 BillingType   `json:"period"`
	InvoiceURL             string        `json:"invoiceUrl,omitempty"`
	CreditBalanceSnapshot  Money         `json:"creditBalanceSnapshot"`
	CreatedAt              time.Time     `json:"createdAt"`
	UpdatedAt              time.Time     `json:"updatedAt"`
}

// Reconciled reports whether card and credit portions add up to Amount
// within ReconcileTolerance.
func (p *PaymentRecord) Reconciled() bool {
	return (p.CardAmount + p.CreditAmount).Within(p.Amount, ReconcileTolerance)
}

// CustomerLink maps a local user to the gateway customer created for them.
type CustomerLink struct {
	UserID            string    `json:"userId"`
	GatewayCustomerID string    `json:"gatewayCustomerId"`
	CreatedAt         time.Time `json:"createdAt"`
}
