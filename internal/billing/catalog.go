package billing

import "github.com/PortNumber53/creditmeter/backend/internal/models"

// Plan maps a subscription tier to its provider price and monthly allowance.
type Plan struct {
	Key            models.PlanKey
	PriceID        string
	MonthlyCredits int
}

// Addon maps a one-off credit pack to its provider price.
type Addon struct {
	Key     string
	PriceID string
	Credits int
}

// Catalog is the price configuration passed in at construction time.
type Catalog struct {
	Plans  []Plan
	Addons []Addon
}

// PlanByKey looks up a plan by key. Plans without a price are not purchasable.
func (c Catalog) PlanByKey(key models.PlanKey) (Plan, bool) {
	for _, p := range c.Plans {
		if p.Key == key && p.PriceID != "" {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanByPrice resolves a provider price id to a plan.
func (c Catalog) PlanByPrice(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.Plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// AddonByKey looks up an addon pack by key.
func (c Catalog) AddonByKey(key string) (Addon, bool) {
	for _, a := range c.Addons {
		if a.Key == key && a.PriceID != "" {
			return a, true
		}
	}
	return Addon{}, false
}

// AddonByPrice resolves a provider price id to an addon pack.
func (c Catalog) AddonByPrice(priceID string) (Addon, bool) {
	if priceID == "" {
		return Addon{}, false
	}
	for _, a := range c.Addons {
		if a.PriceID == priceID {
			return a, true
		}
	}
	return Addon{}, false
}
