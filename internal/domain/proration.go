package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProrationLine is one proration line item shown in a preview.
type ProrationLine struct {
	Description string `json:"description"`
	Amount      Money  `json:"amount"`
	UnusedTime  bool   `json:"unusedTime"`
}

// ProrationPreview is the read-only what-if result of a plan change.
type ProrationPreview struct {
	Kind        ChangeKind  `json:"kind"`
	CurrentPlan *Plan       `json:"currentPlan"`
	TargetPlan  *Plan       `json:"targetPlan"`
	BillingType BillingType `json:"billingType"`

	// Adjustment is the sum of proration lines only. Positive values are
	// charged now, negative values become credit for the next cycle.
	Adjustment        Money `json:"adjustment"`
	ImmediateCharge   bool  `json:"immediateCharge"`
	NextCycleCredit   bool  `json:"nextCycleCredit"`
	AvailableCredit   Money `json:"availableCredit"`
	RealCardCharge    Money `json:"realCardCharge"`
	NextInvoiceAmount Money `json:"nextInvoiceAmount"`

	Lines []ProrationLine `json:"lines"`

	CycleStart    time.Time       `json:"cycleStart"`
	CycleEnd      time.Time       `json:"cycleEnd"`
	DaysUsed      int             `json:"daysUsed"`
	DaysRemaining int             `json:"daysRemaining"`
	PercentUsed   decimal.Decimal `json:"percentUsed"`

	// GatewayCalculated is false when the gateway preview failed and the
	// adjustment is a naive list-price difference.
	GatewayCalculated bool `json:"stripeCalculated"`
}
