package platform

import (
	"context"
	"errors"
	"testing"
)

// Input validation rejects before any database work, so a nil pool is safe.
func TestInitializeValidation(t *testing.T) {
	svc := NewService(nil)

	if _, err := svc.Initialize(context.Background(), "admin", 10001, 100); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("expected ErrInvalidFeeRate for platform fee, got %v", err)
	}
	if _, err := svc.Initialize(context.Background(), "admin", 50, -1); !errors.Is(err, ErrInvalidFeeRate) {
		t.Fatalf("expected ErrInvalidFeeRate for dispute fee, got %v", err)
	}
	if _, err := svc.Initialize(context.Background(), "", 50, 100); err == nil {
		t.Fatal("expected error for missing authority")
	}
}
