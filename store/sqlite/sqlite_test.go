package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tourmatch/customization"
	"tourmatch/customization/customizationtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	customizationtest.RunRepositoryContract(t, func(t *testing.T) customization.Repository {
		return newTestStore(t)
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tourmatch.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created := time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)
	req := customizationtest.NewRequest("req-reopen", "cust-1", created)
	if _, err := store.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "req-reopen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %s, want %s", got.CreatedAt, created)
	}
	if !got.ChargeAmount.Equal(req.ChargeAmount) {
		t.Fatalf("charge amount = %s, want %s", got.ChargeAmount, req.ChargeAmount)
	}
	if got.TravelParams.Destination != req.TravelParams.Destination {
		t.Fatalf("destination = %q, want %q", got.TravelParams.Destination, req.TravelParams.Destination)
	}
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, customizationtest.NewRequest("req-1", "cust-1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := store.Get(ctx, "req-1"); err != customization.ErrNotFound {
		t.Fatalf("expected ErrNotFound after reset, got %v", err)
	}
}
