package metering

import (
	"context"
	"errors"
	"testing"
)

func TestCostPrecedenceOverrideThenDefault(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		overrides map[string]int64
		feature   string
		wantCost  Credits
	}{
		{name: "default without override", overrides: map[string]int64{}, feature: "chat_turn", wantCost: 1},
		{name: "override wins", overrides: map[string]int64{"chat_turn": 3}, feature: "chat_turn", wantCost: 3},
		{name: "zero override is valid", overrides: map[string]int64{"chat_turn": 0}, feature: "chat_turn", wantCost: 0},
		{name: "negative override falls back", overrides: map[string]int64{"chat_turn": -1}, feature: "chat_turn", wantCost: 1},
		{name: "override-only feature", overrides: map[string]int64{"audio_minute": 2}, feature: "audio_minute", wantCost: 2},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			source := &stubCostSource{overrides: testCase.overrides}
			resolver, err := NewCostResolver(DefaultFeatureCosts(), source, 60, func() int64 { return 100 })
			if err != nil {
				test.Fatalf("resolver: %v", err)
			}
			cost, err := resolver.Cost(context.Background(), mustFeature(test, testCase.feature))
			if err != nil {
				test.Fatalf("cost: %v", err)
			}
			if cost != testCase.wantCost {
				test.Fatalf("expected cost %d, got %d", testCase.wantCost, cost)
			}
		})
	}
}

func TestCostUnknownFeatureFailsClosed(test *testing.T) {
	test.Parallel()
	resolver := mustCostResolver(test)
	_, err := resolver.Cost(context.Background(), mustFeature(test, "no-such-feature"))
	if !errors.Is(err, ErrUnknownFeature) {
		test.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestCostCacheServesWithinTTL(test *testing.T) {
	test.Parallel()
	clock := int64(1000)
	source := &stubCostSource{overrides: map[string]int64{"chat_turn": 2}}
	resolver, err := NewCostResolver(DefaultFeatureCosts(), source, 60, func() int64 { return clock })
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	feature := mustFeature(test, "chat_turn")

	for call := 0; call < 3; call++ {
		if _, err := resolver.Cost(context.Background(), feature); err != nil {
			test.Fatalf("cost: %v", err)
		}
	}
	if loads := source.loadCount(); loads != 1 {
		test.Fatalf("expected one source load within ttl, got %d", loads)
	}

	clock += 61
	if _, err := resolver.Cost(context.Background(), feature); err != nil {
		test.Fatalf("cost after ttl: %v", err)
	}
	if loads := source.loadCount(); loads != 2 {
		test.Fatalf("expected reload after ttl, got %d loads", loads)
	}
}

func TestCostRefreshReloadsImmediately(test *testing.T) {
	test.Parallel()
	source := &stubCostSource{overrides: map[string]int64{"chat_turn": 2}}
	resolver, err := NewCostResolver(DefaultFeatureCosts(), source, 3600, func() int64 { return 1000 })
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	feature := mustFeature(test, "chat_turn")

	cost, err := resolver.Cost(context.Background(), feature)
	if err != nil || cost != 2 {
		test.Fatalf("expected override 2, got %d (%v)", cost, err)
	}

	source.mutex.Lock()
	source.overrides = map[string]int64{"chat_turn": 7}
	source.mutex.Unlock()

	if err := resolver.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	cost, err = resolver.Cost(context.Background(), feature)
	if err != nil || cost != 7 {
		test.Fatalf("expected refreshed override 7, got %d (%v)", cost, err)
	}
}

func TestCostSourceErrorsPropagate(test *testing.T) {
	test.Parallel()
	sourceFailure := errors.New("pricing table unavailable")
	source := &stubCostSource{loadError: sourceFailure}
	resolver, err := NewCostResolver(DefaultFeatureCosts(), source, 60, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	_, err = resolver.Cost(context.Background(), mustFeature(test, "chat_turn"))
	if !errors.Is(err, sourceFailure) {
		test.Fatalf("expected source failure, got %v", err)
	}
}

func TestNewCostResolverRejectsBadConfig(test *testing.T) {
	test.Parallel()
	if _, err := NewCostResolver(nil, nil, 0, func() int64 { return 0 }); !errors.Is(err, ErrInvalidCostConfig) {
		test.Fatalf("expected ErrInvalidCostConfig for empty defaults, got %v", err)
	}
	if _, err := NewCostResolver(DefaultFeatureCosts(), nil, 0, nil); !errors.Is(err, ErrInvalidCostConfig) {
		test.Fatalf("expected ErrInvalidCostConfig for nil clock, got %v", err)
	}
	if _, err := NewCostResolver(map[string]Credits{"chat_turn": -1}, nil, 0, func() int64 { return 0 }); !errors.Is(err, ErrInvalidCostConfig) {
		test.Fatalf("expected ErrInvalidCostConfig for negative default, got %v", err)
	}
}
