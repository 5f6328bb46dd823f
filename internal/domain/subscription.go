package domain

import "time"

// SubscriptionStatus is the local lifecycle state of a subscription row.
type SubscriptionStatus string

const (
	StatusPending    SubscriptionStatus = "pending"
	StatusActive     SubscriptionStatus = "active"
	StatusDelinquent SubscriptionStatus = "delinquent"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusTrial      SubscriptionStatus = "trial"
	StatusExpired    SubscriptionStatus = "expired"
)

// IsCurrent reports whether a row in this status is the user's live
// subscription for plan-change decisions.
func (s SubscriptionStatus) IsCurrent() bool {
	return s == StatusActive || s == StatusTrial
}

// Subscription represents one period of a user's subscription to a plan.
// Plan and period changes close the row and open a new one.
type Subscription struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"userId"`
	PlanID                string             `json:"planId"`
	BillingType           BillingType        `json:"billingType"`
	Status                SubscriptionStatus `json:"status"`
	GatewaySubscriptionID string             `json:"gatewaySubscriptionId,omitempty"`
	StartDate             time.Time          `json:"startDate"`
	EndDate               *time.Time         `json:"endDate,omitempty"`
	AmountPaid            Money              `json:"amountPaid"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// ChangeKind classifies a requested plan change.
type ChangeKind string

const (
	ChangeNew          ChangeKind = "NEW"
	ChangeUpgrade      ChangeKind = "UPGRADE"
	ChangeDowngrade    ChangeKind = "DOWNGRADE"
	ChangePeriodChange ChangeKind = "PERIOD_CHANGE"
)

// ClassifyChange decides the kind of change from the current subscription
// (nil when the user has none) to target. ok is false when the request
// names the plan and period the user already has.
func ClassifyChange(current *Subscription, currentPlan, target *Plan, billing BillingType) (kind ChangeKind, ok bool) {
	if current == nil || currentPlan == nil {
		return ChangeNew, true
	}
	if currentPlan.ID == target.ID {
		if current.BillingType == billing {
			return "", false
		}
		return ChangePeriodChange, true
	}
	if target.Outranks(currentPlan) {
		return ChangeUpgrade, true
	}
	return ChangeDowngrade, true
}

// ChangePlanRequest is the validated input for creating or changing a
// subscription.
type ChangePlanRequest struct {
	UserID           string      `json:"-" validate:"required"`
	PlanID           string      `json:"planId" validate:"required,max=64"`
	BillingType      BillingType `json:"billingType" validate:"required,oneof=monthly annual"`
	PaymentMethodRef string      `json:"paymentMethodId" validate:"omitempty,max=255"`
}

// PreviewRequest is the validated input for a proration preview.
type PreviewRequest struct {
	PlanID      string      `json:"planId" validate:"required,max=64"`
	BillingType BillingType `json:"billingType" validate:"required,oneof=monthly annual"`
}

// ChangeResult is returned after a successful change operation.
type ChangeResult struct {
	Kind         ChangeKind     `json:"kind"`
	Subscription *Subscription  `json:"subscription"`
	Plan         *Plan          `json:"plan"`
	Payment      *PaymentRecord `json:"payment,omitempty"`
}

// CurrentSubscription pairs the user's current subscription with its plan.
type CurrentSubscription struct {
	Subscription *Subscription `json:"subscription"`
	Plan         *Plan         `json:"plan"`
}
