package metering

import (
	"context"
	"errors"
	"testing"
)

var errStoreFailure = errors.New("store error")

func TestDeductReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: "balance lookup error",
			configure: func(store *stubStore) {
				store.getBalanceError = errStoreFailure
			},
		},
		{
			name: "decrement error",
			configure: func(store *stubStore) {
				store.decrementError = errStoreFailure
			},
		},
		{
			name: "usage insert error",
			configure: func(store *stubStore) {
				store.insertUsageError = errStoreFailure
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(100)
			testCase.configure(store)
			service := mustNewService(test, store)
			userID := mustUserID(test, "user-1")

			_, err := service.Deduct(context.Background(), userID, mustFeature(test, featureChat), mustQuantity(test, 1), mustDetails(test, "{}"))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf("expected %v, got %v", errStoreFailure, err)
			}
		})
	}
}

func TestRefundReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: "increment error",
			configure: func(store *stubStore) {
				store.incrementError = errStoreFailure
			},
		},
		{
			name: "usage insert error",
			configure: func(store *stubStore) {
				store.insertUsageError = errStoreFailure
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(100)
			testCase.configure(store)
			service := mustNewService(test, store)
			userID := mustUserID(test, "user-1")

			_, err := service.Refund(context.Background(), userID, mustFeature(test, featureChat), mustQuantity(test, 1), "provider_failure", "", mustDetails(test, "{}"))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf("expected %v, got %v", errStoreFailure, err)
			}
		})
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(0)
	costs := mustCostResolver(test)
	plans := mustPlanResolver(test)
	clock := func() int64 { return 0 }

	if _, err := NewService(nil, costs, plans, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, plans, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil costs, got %v", err)
	}
	if _, err := NewService(store, costs, nil, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil plans, got %v", err)
	}
	if _, err := NewService(store, costs, plans, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
