package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestConcurrentDeductsNeverLoseUpdates(test *testing.T) {
	test.Parallel()
	store := newStubStore(10)
	service := mustNewService(test, store)
	userID := mustUserID(test, "contended-user")
	feature := mustFeature(test, featureChat)
	details := mustDetails(test, "{}")

	const attempts = 20
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for worker := 0; worker < attempts; worker++ {
		go func() {
			start.Wait()
			_, err := service.Deduct(context.Background(), userID, feature, mustQuantityValue(1), details)
			results <- err
		}()
	}
	start.Done()

	var succeeded, insufficient int
	for worker := 0; worker < attempts; worker++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientCredits):
			insufficient++
		default:
			test.Fatalf("unexpected deduct error: %v", err)
		}
	}

	if succeeded != 10 || insufficient != 10 {
		test.Fatalf("expected 10 successes and 10 shortfalls, got %d/%d", succeeded, insufficient)
	}
	if remaining := store.remaining(test); remaining != 0 {
		test.Fatalf("expected drained balance, got %d", remaining)
	}
	if rows := store.usageRows(test); len(rows) != 10 {
		test.Fatalf("expected exactly one usage row per successful deduct, got %d", len(rows))
	}
}

func TestConcurrentDeductsAndRefundsStayNonNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore(5)
	service := mustNewService(test, store)
	userID := mustUserID(test, "contended-user")
	feature := mustFeature(test, featureChat)
	details := mustDetails(test, "{}")

	const pairs = 10
	var wait sync.WaitGroup
	for worker := 0; worker < pairs; worker++ {
		wait.Add(2)
		go func() {
			defer wait.Done()
			_, _ = service.Deduct(context.Background(), userID, feature, mustQuantityValue(1), details)
		}()
		go func() {
			defer wait.Done()
			_, _ = service.Refund(context.Background(), userID, feature, mustQuantityValue(1), "provider_failure", "", details)
		}()
	}
	wait.Wait()

	if remaining := store.remaining(test); remaining < 0 {
		test.Fatalf("balance went negative: %d", remaining)
	}
}

// mustQuantityValue builds a quantity without a testing.T for use inside
// goroutines.
func mustQuantityValue(raw int) Quantity {
	quantity, err := NewQuantity(raw)
	if err != nil {
		panic(err)
	}
	return quantity
}
