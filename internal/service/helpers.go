package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/pkg/payment"
	"github.com/go-playground/validator/v10"
)

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// userLockKey is the lock held by every mutation of a user's billing state,
// synchronous or webhook-driven.
func userLockKey(userID string) string { return "user:" + userID }

var errGatewayNotConfigured = domain.ErrConfiguration("payment gateway is not configured")

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// gatewayError converts a gateway failure into an AppError, keeping the
// transient/rejected split.
func gatewayError(msg string, err error) error {
	if _, ok := domain.AsAppError(err); ok {
		return err
	}
	return domain.ErrGateway(msg, payment.IsTransient(err), err)
}

// isGatewayNotFound reports whether the gateway answered 404.
func isGatewayNotFound(err error) bool {
	var gwErr *payment.Error
	return errors.As(err, &gwErr) && gwErr.StatusCode == 404
}

// localStatus maps a gateway subscription state onto the local lifecycle.
func localStatus(s payment.SubscriptionStatus) domain.SubscriptionStatus {
	switch s {
	case payment.SubActive:
		return domain.StatusActive
	case payment.SubTrialing:
		return domain.StatusTrial
	case payment.SubPastDue, payment.SubUnpaid:
		return domain.StatusDelinquent
	case payment.SubCanceled:
		return domain.StatusCanceled
	case payment.SubIncompleteExpired:
		return domain.StatusExpired
	default:
		return domain.StatusPending
	}
}

// planForPrice finds the plan and billing period a gateway price belongs to.
func planForPrice(plans []domain.Plan, priceRef string) (*domain.Plan, domain.BillingType, bool) {
	if priceRef == "" {
		return nil, "", false
	}
	for i := range plans {
		switch priceRef {
		case plans[i].MonthlyPriceRef:
			return &plans[i], domain.BillingMonthly, true
		case plans[i].AnnualPriceRef:
			return &plans[i], domain.BillingAnnual, true
		}
	}
	return nil, "", false
}

// cycleEnd returns the nominal end of a billing cycle starting at start.
func cycleEnd(start time.Time, b domain.BillingType) time.Time {
	if b == domain.BillingAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
