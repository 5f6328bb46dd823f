package service

import (
	"context"
	"testing"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditBalance(t *testing.T) {
	h := newHarness(t)
	h.gw.AddCustomer("cus_credit", "u1", -1000)
	h.gw.AddCustomer("cus_debt", "u2", 500)
	h.gw.AddCustomer("cus_deleted", "", -9000)
	h.gw.Customers["cus_deleted"].Deleted = true

	ctx := context.Background()
	assert.Equal(t, domain.Money(1000), h.credit.Balance(ctx, "cus_credit"))
	assert.Equal(t, domain.Money(0), h.credit.Balance(ctx, "cus_debt"))
	assert.Equal(t, domain.Money(0), h.credit.Balance(ctx, "cus_deleted"))
	assert.Equal(t, domain.Money(0), h.credit.Balance(ctx, "cus_missing"))
	assert.Equal(t, domain.Money(0), h.credit.Balance(ctx, ""))
}

func TestCreditBalanceDegradesOnGatewayError(t *testing.T) {
	h := newHarness(t)
	h.gw.AddCustomer("cus_1", "u1", -1000)
	h.gw.GetCustomerErr = errNetwork("customer.get")

	assert.Equal(t, domain.Money(0), h.credit.Balance(context.Background(), "cus_1"))
	assert.NotEmpty(t, h.logs.AllEntries())
}

func TestCreditBalanceForUser(t *testing.T) {
	h := newHarness(t)
	h.gw.AddCustomer("cus_1", "u1", -2500)
	require.NoError(t, h.customers.Link(context.Background(), &domain.CustomerLink{UserID: "u1", GatewayCustomerID: "cus_1"}))

	got, err := h.credit.BalanceForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(2500), got)

	got, err = h.credit.BalanceForUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(0), got)
}

func TestCreditWithoutGateway(t *testing.T) {
	h := newHarness(t)
	h.wire(nil)

	assert.Equal(t, domain.Money(0), h.credit.Balance(context.Background(), "cus_1"))
	_, err := h.credit.BalanceForUser(context.Background(), "u1")
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}
