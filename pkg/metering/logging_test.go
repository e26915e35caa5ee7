package metering

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsDeductOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(10)
	logger := &recorderLogger{}
	service, err := NewService(store, mustCostResolver(test), mustPlanResolver(test), func() int64 { return 42 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")

	if _, err := service.Deduct(context.Background(), userID, mustFeature(test, featureChat), mustQuantity(test, 2), mustDetails(test, "{}")); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationDeduct || entry.UserID != userID || entry.Feature != featureChat || entry.Credits != 2 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(1)
	logger := &recorderLogger{}
	service, err := NewService(store, mustCostResolver(test), mustPlanResolver(test), func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")

	_, err = service.Deduct(context.Background(), userID, mustFeature(test, featureImage), mustQuantity(test, 1), mustDetails(test, "{}"))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}
