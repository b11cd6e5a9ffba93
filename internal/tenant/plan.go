package tenant

// Plan identifies a billing plan. The catalog is a closed set; "scale"
// is accepted as a legacy alias for enterprise.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBuilder    Plan = "builder"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// PlanLimits are the per-plan entitlement defaults. A tenant settings
// field left null falls back to these.
type PlanLimits struct {
	MaxRunsPerMonth      int `json:"maxRunsPerMonth"`
	MaxWebhooks          int `json:"maxWebhooks"`
	MaxIngestKeys        int `json:"maxIngestKeys"`
	UploadsPerMinute     int `json:"uploadsPerMinute"`
	APIRequestsPerMinute int `json:"apiRequestsPerMinute"`
	RetentionDaysDefault int `json:"retentionDaysDefault"`
	RetentionDaysMax     int `json:"retentionDaysMax"`
}

// PlanBilling is catalog metadata surfaced to the billing mirror.
type PlanBilling struct {
	MonthlyUsd      int  `json:"monthlyUsd"`
	OveragePerRunCt int  `json:"overagePerRunCents"`
	Invoiced        bool `json:"invoiced"`
}

// PlanSpec is one catalog row.
type PlanSpec struct {
	Plan    Plan        `json:"plan"`
	Limits  PlanLimits  `json:"limits"`
	Billing PlanBilling `json:"billing"`
}

var planCatalog = map[Plan]PlanSpec{
	PlanFree: {
		Plan: PlanFree,
		Limits: PlanLimits{
			MaxRunsPerMonth: 25, MaxWebhooks: 1, MaxIngestKeys: 2,
			UploadsPerMinute: 3, APIRequestsPerMinute: 60,
			RetentionDaysDefault: 30, RetentionDaysMax: 90,
		},
		Billing: PlanBilling{MonthlyUsd: 0},
	},
	PlanBuilder: {
		Plan: PlanBuilder,
		Limits: PlanLimits{
			MaxRunsPerMonth: 500, MaxWebhooks: 5, MaxIngestKeys: 10,
			UploadsPerMinute: 20, APIRequestsPerMinute: 300,
			RetentionDaysDefault: 90, RetentionDaysMax: 365,
		},
		Billing: PlanBilling{MonthlyUsd: 49, OveragePerRunCt: 25},
	},
	PlanGrowth: {
		Plan: PlanGrowth,
		Limits: PlanLimits{
			MaxRunsPerMonth: 5000, MaxWebhooks: 20, MaxIngestKeys: 50,
			UploadsPerMinute: 60, APIRequestsPerMinute: 1200,
			RetentionDaysDefault: 180, RetentionDaysMax: 1095,
		},
		Billing: PlanBilling{MonthlyUsd: 299, OveragePerRunCt: 15},
	},
	PlanEnterprise: {
		Plan: PlanEnterprise,
		Limits: PlanLimits{
			MaxRunsPerMonth: 100000, MaxWebhooks: 100, MaxIngestKeys: 500,
			UploadsPerMinute: 600, APIRequestsPerMinute: 6000,
			RetentionDaysDefault: 365, RetentionDaysMax: 3650,
		},
		Billing: PlanBilling{MonthlyUsd: 0, Invoiced: true},
	},
}

// NormalizePlan maps aliases and validates membership in the catalog.
func NormalizePlan(s string) (Plan, bool) {
	if s == "scale" {
		return PlanEnterprise, true
	}
	p := Plan(s)
	_, ok := planCatalog[p]
	return p, ok
}

// PlanOf returns the catalog row, defaulting unknown plans to free.
func PlanOf(p Plan) PlanSpec {
	if spec, ok := planCatalog[p]; ok {
		return spec
	}
	return planCatalog[PlanFree]
}

// Entitlements are the effective limits for a tenant: plan defaults with
// any explicit settings overrides applied.
type Entitlements struct {
	Plan                 Plan           `json:"plan"`
	Limits               PlanLimits     `json:"limits"`
	RateLimits           map[string]int `json:"rateLimits"` // endpoint -> per-minute
	RetentionDays        int            `json:"retentionDays"`
	PaymentTriggersOn    bool           `json:"paymentTriggersOn"`
	BuyerNotificationsOn bool           `json:"buyerNotificationsOn"`
}

// ResolveEntitlements merges the plan catalog with explicit settings.
func (s *Settings) ResolveEntitlements() *Entitlements {
	spec := PlanOf(s.Plan)
	ent := &Entitlements{
		Plan:          spec.Plan,
		Limits:        spec.Limits,
		RateLimits:    map[string]int{},
		RetentionDays: spec.Limits.RetentionDaysDefault,
	}
	if s.RetentionDays != nil {
		ent.RetentionDays = *s.RetentionDays
	}
	for endpoint, rl := range s.RateLimits {
		if rl.PerMinute > 0 {
			ent.RateLimits[endpoint] = rl.PerMinute
		}
	}
	if _, ok := ent.RateLimits["upload"]; !ok {
		ent.RateLimits["upload"] = spec.Limits.UploadsPerMinute
	}
	if _, ok := ent.RateLimits["api"]; !ok {
		ent.RateLimits["api"] = spec.Limits.APIRequestsPerMinute
	}
	if s.PaymentTriggers != nil {
		ent.PaymentTriggersOn = s.PaymentTriggers.Enabled
	}
	if s.BuyerNotifications != nil {
		ent.BuyerNotificationsOn = s.BuyerNotifications.Enabled
	}
	return ent
}
