package domain

import "strings"

// Plan is a purchasable credit package. One credit buys one paid minute.
type Plan struct {
	Name       string `json:"name"`
	Credits    int    `json:"credits"`
	PriceCents int    `json:"price_cents"`
	Currency   string `json:"currency"`
	Popular    bool   `json:"popular,omitempty"`
}

var plans = []Plan{
	{Name: "Starter Plan", Credits: 10, PriceCents: 699, Currency: "EUR"},
	{Name: "Popular Plan", Credits: 20, PriceCents: 1199, Currency: "EUR", Popular: true},
	{Name: "Deep Dive Plan", Credits: 30, PriceCents: 1699, Currency: "EUR"},
}

// Plans returns a copy of the catalogue.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PlanByName matches case-insensitively, with or without the " Plan" suffix.
func PlanByName(name string) (Plan, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, " plan")
	for _, p := range plans {
		if strings.TrimSuffix(strings.ToLower(p.Name), " plan") == n {
			return p, true
		}
	}
	return Plan{}, false
}

// PricePerMinuteCents is the effective per-minute price of the plan.
func (p Plan) PricePerMinuteCents() int {
	if p.Credits <= 0 {
		return 0
	}
	return p.PriceCents / p.Credits
}
