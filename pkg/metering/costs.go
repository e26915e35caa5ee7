package metering

import (
	"context"
	"fmt"
	"sync"
)

// Compiled-in per-use prices. Administrator overrides layer on top.
var defaultFeatureCosts = map[string]Credits{
	"chat_turn":        1,
	"image_generation": 5,
}

// DefaultFeatureCosts returns a copy of the compiled-in price table.
func DefaultFeatureCosts() map[string]Credits {
	costs := make(map[string]Credits, len(defaultFeatureCosts))
	for key, cost := range defaultFeatureCosts {
		costs[key] = cost
	}
	return costs
}

// CostOverrideSource supplies administrator price overrides, keyed by feature.
// A negative value disables the override for that feature.
type CostOverrideSource interface {
	FeatureCostOverrides(ctx context.Context) (map[string]int64, error)
}

// CostResolver resolves the effective per-use price of a feature:
// administrator override if present and non-negative, else the compiled-in
// default. Unknown features fail closed. Override reads are cached for a
// caller-supplied TTL; staleness affects pricing fairness only, never the
// balance invariant.
type CostResolver struct {
	defaults   map[string]Credits
	source     CostOverrideSource
	ttlSeconds int64
	nowFn      func() int64

	mutex            sync.Mutex
	overrides        map[string]int64
	refreshedUnixUTC int64
}

// NewCostResolver wires a CostResolver. A nil source disables the override
// layer and serves compiled-in defaults only.
func NewCostResolver(defaults map[string]Credits, source CostOverrideSource, ttlSeconds int64, now func() int64) (*CostResolver, error) {
	if len(defaults) == 0 {
		return nil, fmt.Errorf("%w: empty default cost table", ErrInvalidCostConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCostConfig)
	}
	if ttlSeconds < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrInvalidCostConfig)
	}
	for key, cost := range defaults {
		if cost < 0 {
			return nil, fmt.Errorf("%w: negative default cost for %q", ErrInvalidCostConfig, key)
		}
	}
	return &CostResolver{
		defaults:   defaults,
		source:     source,
		ttlSeconds: ttlSeconds,
		nowFn:      now,
	}, nil
}

// Cost returns the effective per-use price for a feature, or
// ErrUnknownFeature for a key with neither default nor override.
func (resolver *CostResolver) Cost(ctx context.Context, feature Feature) (Credits, error) {
	overrides, err := resolver.currentOverrides(ctx)
	if err != nil {
		return 0, err
	}
	if override, found := overrides[feature.String()]; found && override >= 0 {
		return Credits(override), nil
	}
	if cost, found := resolver.defaults[feature.String()]; found {
		return cost, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, feature.String())
}

// Refresh discards the cached override table and reloads it immediately.
func (resolver *CostResolver) Refresh(ctx context.Context) error {
	if resolver.source == nil {
		return nil
	}
	overrides, err := resolver.source.FeatureCostOverrides(ctx)
	if err != nil {
		return WrapError("costs", "overrides", "refresh", err)
	}
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	resolver.overrides = overrides
	resolver.refreshedUnixUTC = resolver.nowFn()
	return nil
}

func (resolver *CostResolver) currentOverrides(ctx context.Context) (map[string]int64, error) {
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
