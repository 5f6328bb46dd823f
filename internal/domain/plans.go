package domain

// BillingType is the recurring billing period of a subscription.
type BillingType string

const (
	BillingMonthly BillingType = "monthly"
	BillingAnnual  BillingType = "annual"
)

// Valid reports whether b is a known billing period.
func (b BillingType) Valid() bool {
	return b == BillingMonthly || b == BillingAnnual
}

// PlanLimits are the resource limits granted by a plan.
type PlanLimits struct {
	MaxUsers     int `json:"maxUsers"`
	MaxStorageGB int `json:"maxStorageGb"`
	MaxProjects  int `json:"maxProjects"`
}

// Plan is a purchasable subscription plan. Plans referenced by an active
// subscription are never edited in place; price changes ship as new plans.
type Plan struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Rank         int        `json:"rank"`         // ordering for upgrade/downgrade
	MonthlyPrice Money      `json:"monthlyPrice"` // charged every month
	AnnualPrice  Money      `json:"annualPrice"`  // monthly equivalent when billed yearly
	AnnualTotal  Money      `json:"annualTotal"`  // charged once a year
	Limits       PlanLimits `json:"limits"`
	Popular      bool       `json:"popular"`

	// Gateway price references, one per billing period.
	MonthlyPriceRef string `json:"-"`
	AnnualPriceRef  string `json:"-"`
}

// PriceRef returns the gateway price reference for a billing period, or ""
// when the plan is not sold for that period.
func (p *Plan) PriceRef(b BillingType) string {
	switch b {
	case BillingMonthly:
		return p.MonthlyPriceRef
	case BillingAnnual:
		return p.AnnualPriceRef
	}
	return ""
}

// ListPrice returns the amount charged per cycle for a billing period.
func (p *Plan) ListPrice(b BillingType) Money {
	if b == BillingAnnual {
		return p.AnnualTotal
	}
	return p.MonthlyPrice
}

// Outranks reports whether p sits above other in the plan ladder. Plans of
// equal rank are ordered by monthly price.
func (p *Plan) Outranks(other *Plan) bool {
	if p.Rank != other.Rank {
		return p.Rank > other.Rank
	}
	return p.MonthlyPrice > other.MonthlyPrice
}

// DefaultPlans returns the plans seeded into an empty database. Price
// references are filled from configuration at seed time.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:           "essencial",
			Name:         "Essencial",
			Rank:         1,
			MonthlyPrice: 4790, // R$47,90/mo
			AnnualPrice:  3990,
			AnnualTotal:  47880,
			Limits:       PlanLimits{MaxUsers: 3, MaxStorageGB: 5, MaxProjects: 10},
		},
		{
			ID:           "profissional",
			Name:         "Profissional",
			Rank:         2,
			MonthlyPrice: 9700, // R$97,00/mo
			AnnualPrice:  8083,
			AnnualTotal:  97000,
			Limits:       PlanLimits{MaxUsers: 10, MaxStorageGB: 50, MaxProjects: 100},
			Popular:      true,
		},
		{
			ID:           "empresarial",
			Name:         "Empresarial",
			Rank:         3,
			MonthlyPrice: 19700, // R$197,00/mo
			AnnualPrice:  16417,
			AnnualTotal:  197000,
			Limits:       PlanLimits{MaxUsers: 50, MaxStorageGB: 500, MaxProjects: 0},
		},
	}
}
