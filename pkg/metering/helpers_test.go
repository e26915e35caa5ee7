package metering

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// --- stub store ---

type stubStore struct {
	mutex sync.Mutex

	balance    Balance
	created    bool
	usage      []UsageRecord
	nextRecord int
	refundOf   map[string]struct{}

	getBalanceError  error
	decrementError   error
	incrementError   error
	setBalanceError  error
	insertUsageError error
	listUsageError   error
}

func newStubStore(remaining Credits) *stubStore {
	return &stubStore{
		balance: Balance{
			BalanceID:        "bal-1",
			UserID:           "user-1",
			CreditsTotal:     remaining,
			CreditsRemaining: remaining,
		},
		created:  true,
		refundOf: make(map[string]struct{}),
	}
}

func newEmptyStubStore() *stubStore {
	store := newStubStore(0)
	store.created = false
	return store
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, s)
}

func (s *stubStore) GetOrCreateBalance(ctx context.Context, userID UserID, seedCredits Credits, nowUnixUTC int64) (Balance, error) {
	if s.getBalanceError != nil {
		return Balance{}, s.getBalanceError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.created {
		s.created = true
		s.balance.UserID = userID.String()
		s.balance.CreditsTotal = seedCredits
		s.balance.CreditsRemaining = seedCredits
		s.balance.LastSyncedUnixUTC = nowUnixUTC
	}
	return s.balance, nil
}

func (s *stubStore) TryDecrement(ctx context.Context, balanceID string, amount Credits) (Credits, bool, error) {
	if s.decrementError != nil {
		return 0, false, s.decrementError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.balance.CreditsRemaining < amount {
		return s.balance.CreditsRemaining, false, nil
	}
	s.balance.CreditsRemaining -= amount
	return s.balance.CreditsRemaining, true, nil
}

func (s *stubStore) Increment(ctx context.Context, balanceID string, amount Credits) (Credits, error) {
	if s.incrementError != nil {
		return 0, s.incrementError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.balance.CreditsRemaining += amount
	return s.balance.CreditsRemaining, nil
}

func (s *stubStore) SetBalance(ctx context.Context, userID UserID, amount Credits, nowUnixUTC int64) (Balance, error) {
	if s.setBalanceError != nil {
		return Balance{}, s.setBalanceError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.created = true
	s.balance.UserID = userID.String()
	s.balance.CreditsTotal = amount
	s.balance.CreditsRemaining = amount
	s.balance.LastSyncedUnixUTC = nowUnixUTC
	return s.balance, nil
}

func (s *stubStore) InsertUsage(ctx context.Context, input UsageInput) (UsageRecord, error) {
	if s.insertUsageError != nil {
		return UsageRecord{}, s.insertUsageError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if input.RefundOfRecord != "" {
		if _, exists := s.refundOf[input.RefundOfRecord]; exists {
			return UsageRecord{}, ErrDuplicateRefund
		}
		s.refundOf[input.RefundOfRecord] = struct{}{}
	}
	s.nextRecord++
	record := UsageRecord{
		RecordID:       fmt.Sprintf("rec-%d", s.nextRecord),
		UserID:         input.UserID.String(),
		BalanceID:      input.BalanceID,
		Kind:           input.Kind,
		Feature:        input.Feature,
		CreditsUsed:    input.CreditsUsed,
		Reason:         input.Reason,
		RefundOfRecord: input.RefundOfRecord,
		DetailsJSON:    input.Details.String(),
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	s.usage = append(s.usage, record)
	return record, nil
}

func (s *stubStore) ListUsage(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]UsageRecord, error) {
	if s.listUsageError != nil {
		return nil, s.listUsageError
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]UsageRecord(nil), s.usage...), nil
}

func (s *stubStore) usageRows(test *testing.T) []UsageRecord {
	test.Helper()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]UsageRecord(nil), s.usage...)
}

func (s *stubStore) remaining(test *testing.T) Credits {
	test.Helper()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.balance.CreditsRemaining
}

// --- stub override sources ---

type stubCostSource struct {
	mutex     sync.Mutex
	overrides map[string]int64
	loadError error
	loads     int
}

func (source *stubCostSource) FeatureCostOverrides(ctx context.Context) (map[string]int64, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.loads++
	if source.loadError != nil {
		return nil, source.loadError
	}
	return source.overrides, nil
}

func (source *stubCostSource) loadCount() int {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.loads
}

type stubPlanSource struct {
	overrides map[string]int64
	loadError error
}

func (source *stubPlanSource) PlanCreditOverrides(ctx context.Context) (map[string]int64, error) {
	if source.loadError != nil {
		return nil, source.loadError
	}
	return source.overrides, nil
}

// --- domain helper constructors ---

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, mustCostResolver(test), mustPlanResolver(test), func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCostResolver(test *testing.T) *CostResolver {
	test.Helper()
	resolver, err := NewCostResolver(DefaultFeatureCosts(), nil, 0, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("cost resolver: %v", err)
	}
	return resolver
}

func mustPlanResolver(test *testing.T) *PlanResolver {
	test.Helper()
	resolver, err := NewPlanResolver(DefaultPlanCredits(), nil, 0, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("plan resolver: %v", err)
	}
	return resolver
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustFeature(test *testing.T, raw string) Feature {
	test.Helper()
	value, err := NewFeature(raw)
	if err != nil {
		test.Fatalf("feature: %v", err)
	}
	return value
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	value, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	return value
}

func mustQuantity(test *testing.T, raw int) Quantity {
	test.Helper()
	value, err := NewQuantity(raw)
	if err != nil {
		test.Fatalf("quantity: %v", err)
	}
	return value
}

func mustDetails(test *testing.T, raw string) DetailsJSON {
	test.Helper()
	value, err := NewDetailsJSON(raw)
	if err != nil {
		test.Fatalf("details: %v", err)
	}
	return value
}
