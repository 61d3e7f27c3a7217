package catalog

import (
	"fmt"

	"mycelium-ei-lang.com/cloud/models"
)

// Entitlement is what a plan grants: its feature set and restriction caps.
type Entitlement struct {
	Features     []string
	Restrictions models.Restrictions
	MonthlyUSD   float64
	SupportLevel string
}

// Catalog maps plan tiers to entitlements. It is an immutable value built
// once and injected wherever plans need resolving, never a mutable global.
type Catalog struct {
	tiers map[models.Plan]Entitlement
	order []models.Plan
}

// Default returns the production tier table. Feature sets are cumulative
// by tier; -1 caps are unlimited.
func Default() *Catalog {
	base := []string{"basic_compilation"}
	personal := append(append([]string{}, base...), "optimization_passes", "email_support")
	professional := append(append([]string{}, personal...), "gpu_acceleration", "commercial_use", "priority_support")
	team := append(append([]string{}, professional...), "team_management", "shared_build_cache")
	enterprise := append(append([]string{}, team...), "custom_integrations", "dedicated_support", "white_label")

	return &Catalog{
		order: []models.Plan{
			models.PlanFree,
			models.PlanPersonal,
			models.PlanProfessional,
			models.PlanTeam,
			models.PlanEnterprise,
		},
		tiers: map[models.Plan]Entitlement{
			models.PlanFree: {
				Features: base,
				Restrictions: models.Restrictions{
					MaxCompilations: 100,
					MaxAPICalls:     1000,
					MaxUsers:        1,
					AllowCommercial: false,
				},
				MonthlyUSD:   0,
				SupportLevel: "community",
			},
			models.PlanPersonal: {
				Features: personal,
				Restrictions: models.Restrictions{
					MaxCompilations: 1000,
					MaxAPICalls:     10000,
					MaxUsers:        1,
					AllowCommercial: false,
				},
				MonthlyUSD:   29,
				SupportLevel: "email",
			},
			models.PlanProfessional: {
				Features: professional,
				Restrictions: models.Restrictions{
					MaxCompilations: 10000,
					MaxAPICalls:     100000,
					MaxUsers:        5,
					AllowCommercial: true,
				},
				MonthlyUSD:   299,
				SupportLevel: "priority",
			},
			models.PlanTeam: {
				Features: team,
				Restrictions: models.Restrictions{
					MaxCompilations: 100000,
					MaxAPICalls:     1000000,
					MaxUsers:        25,
					AllowCommercial: true,
				},
				MonthlyUSD:   999,
				SupportLevel: "dedicated",
			},
			models.PlanEnterprise: {
				Features: enterprise,
				Restrictions: models.Restrictions{
					MaxCompilations: models.Unlimited,
					MaxAPICalls:     models.Unlimited,
					MaxUsers:        models.Unlimited,
					AllowCommercial: true,
				},
				MonthlyUSD:   2999,
				SupportLevel: "white-glove",
			},
		},
	}
}

// Resolve returns the entitlement for a plan. Unknown plans are an error,
// never a silent default: defaulting here would grant entitlements the
// customer did not pay for.
func (c *Catalog) Resolve(plan models.Plan) (Entitlement, error) {
	ent, ok := c.tiers[plan]
	if !ok {
		return Entitlement{}, fmt.Errorf("unknown plan %q", plan)
	}
	// Copy the feature slice so callers cannot mutate the table.
	features := make([]string, len(ent.Features))
	copy(features, ent.Features)
	ent.Features = features
	return ent, nil
}

// Plans lists all tiers in ascending order, for the pricing endpoint.
func (c *Catalog) Plans() []models.Plan {
	out := make([]models.Plan, len(c.order))
	copy(out, c.order)
	return out
}

// CounterLimit maps a usage counter name to its cap under the given
// restrictions. Unknown counters are an error so callers fail closed.
func CounterLimit(r models.Restrictions, counter string) (int64, error) {
	switch counter {
	case models.CounterCompilations:
		return r.MaxCompilations, nil
	case models.CounterAPICalls:
		return r.MaxAPICalls, nil
	default:
		return 0, fmt.Errorf("unknown usage counter %q", counter)
	}
}
