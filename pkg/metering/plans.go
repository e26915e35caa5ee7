package metering

import (
	"context"
	"fmt"
	"sync"
)

// FreePlanID is the tier every new balance is seeded from.
const FreePlanID = "free"

// Compiled-in monthly allotments per plan.
var defaultPlanCredits = map[string]Credits{
	FreePlanID: 20,
	"pro":      500,
	"business": 2000,
}

// DefaultPlanCredits returns a copy of the compiled-in allotment table.
func DefaultPlanCredits() map[string]Credits {
	credits := make(map[string]Credits, len(defaultPlanCredits))
	for key, allotment := range defaultPlanCredits {
		credits[key] = allotment
	}
	return credits
}

// PlanOverrideSource supplies administrator allotment overrides, keyed by plan.
// A negative value disables the override for that plan.
type PlanOverrideSource interface {
	PlanCreditOverrides(ctx context.Context) (map[string]int64, error)
}

// PlanResolver maps a plan identifier to its monthly credit allotment.
// Consumed by the billing-sync collaborator, not by request-time metering.
type PlanResolver struct {
	defaults   map[string]Credits
	source     PlanOverrideSource
	ttlSeconds int64
	nowFn      func() int64

	mutex            sync.Mutex
	overrides        map[string]int64
	refreshedUnixUTC int64
}

// NewPlanResolver wires a PlanResolver. A nil source disables the override
// layer and serves compiled-in defaults only.
func NewPlanResolver(defaults map[string]Credits, source PlanOverrideSource, ttlSeconds int64, now func() int64) (*PlanResolver, error) {
	if len(defaults) == 0 {
		return nil, fmt.Errorf("%w: empty default plan table", ErrInvalidCostConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCostConfig)
	}
	if ttlSeconds < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrInvalidCostConfig)
	}
	for key, allotment := range defaults {
		if allotment < 0 {
			return nil, fmt.Errorf("%w: negative default allotment for %q", ErrInvalidCostConfig, key)
		}
	}
	return &PlanResolver{
		defaults:   defaults,
		source:     source,
		ttlSeconds: ttlSeconds,
		nowFn:      now,
	}, nil
}

// Credits returns the monthly allotment for a plan. Unknown or inactive plans
// resolve to zero rather than an error.
func (resolver *PlanResolver) Credits(ctx context.Context, planID PlanID) (Credits, error) {
	overrides, err := resolver.currentOverrides(ctx)
	if err != nil {
		return 0, err
	}
	if override, found := overrides[planID.String()]; found && override >= 0 {
		return Credits(override), nil
	}
	if allotment, found := resolver.defaults[planID.String()]; found {
		return allotment, nil
	}
	return 0, nil
}

// Refresh discards the cached override table and reloads it immediately.
func (resolver *PlanResolver) Refresh(ctx context.Context) error {
	if resolver.source == nil {
		return nil
	}
	overrides, err := resolver.source.PlanCreditOverrides(ctx)
	if err != nil {
		return WrapError("plans", "overrides", "refresh", err)
	}
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	resolver.overrides = overrides
	resolver.refreshedUnixUTC = resolver.nowFn()
	return nil
}

func (resolver *PlanResolver) currentOverrides(ctx context.Context) (map[string]int64, error) {
	if resolver.source == nil {
		return nil, nil
	}
	resolver.mutex.Lock()
	cached := resolver.overrides
	fresh := cached != nil && resolver.nowFn()-resolver.refreshedUnixUTC < resolver.ttlSeconds
	resolver.mutex.Unlock()
	if fresh {
		return cached, nil
	}
	if err := resolver.Refresh(ctx); err != nil {
		return nil, err
	}
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	return resolver.overrides, nil
}
