package service

import (
	"context"
	"errors"
	"testing"

	"airlift/internal/blob"
)

func TestCleanupPolicyDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	st := newMemTaskStore()
	m := NewManager(st, blob.NewMemoryStore(), &fakeDownloader{}, &fakeInjector{}, discardLogger(), Defaults{
		AutoCleanupDays:  7,
		AutoCleanupMaxMB: 512,
	})
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	policy, err := m.GetCleanupPolicy(ctx)
	if err != nil {
		t.Fatalf("GetCleanupPolicy: %v", err)
	}
	if policy.Days != 7 || policy.MaxMB != 512 {
		t.Fatalf("defaults = %+v", policy)
	}

	if err := m.SetCleanupPolicy(ctx, CleanupPolicy{Days: 30, MaxMB: 4096}); err != nil {
		t.Fatalf("SetCleanupPolicy: %v", err)
	}
	policy, err = m.GetCleanupPolicy(ctx)
	if err != nil {
		t.Fatalf("GetCleanupPolicy: %v", err)
	}
	if policy.Days != 30 || policy.MaxMB != 4096 {
		t.Fatalf("stored policy = %+v, want 30/4096", policy)
	}

	// Zero is a valid override, not a fallback to the defaults.
	if err := m.SetCleanupPolicy(ctx, CleanupPolicy{}); err != nil {
		t.Fatalf("SetCleanupPolicy: %v", err)
	}
	policy, err = m.GetCleanupPolicy(ctx)
	if err != nil {
		t.Fatalf("GetCleanupPolicy: %v", err)
	}
	if policy.Days != 0 || policy.MaxMB != 0 {
		t.Fatalf("zero policy = %+v", policy)
	}
}

func TestSetCleanupPolicyRejectsNegative(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newMemTaskStore(), blob.NewMemoryStore(), &fakeDownloader{}, &fakeInjector{})
	ctx := context.Background()

	if err := m.SetCleanupPolicy(ctx, CleanupPolicy{Days: -1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative days: err = %v", err)
	}
	if err := m.SetCleanupPolicy(ctx, CleanupPolicy{MaxMB: -1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative max mb: err = %v", err)
	}
}

func TestGetStorageTotals(t *testing.T) {
	t.Parallel()
	blobs := blob.NewMemoryStore()
	ctx := context.Background()
	if err := blobs.Put(ctx, "packages/a/com.app/x.ipa", make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(ctx, "packages/b/com.app/y.ipa", make([]byte, 250)); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(ctx, "unrelated/z.bin", make([]byte, 999)); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, newMemTaskStore(), blobs, &fakeDownloader{}, &fakeInjector{})

	totals, err := m.GetStorageTotals(ctx)
	if err != nil {
		t.Fatalf("GetStorageTotals: %v", err)
	}
	if totals.Objects != 2 || totals.Bytes != 350 {
		t.Fatalf("totals = %+v, want 2 objects / 350 bytes", totals)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newMemTaskStore(), blob.NewMemoryStore(), &fakeDownloader{}, &fakeInjector{})
	ctx := context.Background()

	if _, ok, err := m.GetPasswordHash(ctx); err != nil || ok {
		t.Fatalf("fresh store: ok = %v, err = %v", ok, err)
	}
	if err := m.SetPasswordHash(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty hash: err = %v", err)
	}
	if err := m.SetPasswordHash(ctx, "salt.hash"); err != nil {
		t.Fatalf("SetPasswordHash: %v", err)
	}
	hash, ok, err := m.GetPasswordHash(ctx)
	if err != nil || !ok || hash != "salt.hash" {
		t.Fatalf("GetPasswordHash = (%q, %v, %v)", hash, ok, err)
	}
}

func TestSetPasswordHashIfNotExists(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newMemTaskStore(), blob.NewMemoryStore(), &fakeDownloader{}, &fakeInjector{})
	ctx := context.Background()

	if err := m.SetPasswordHashIfNotExists(ctx, "first.hash"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := m.SetPasswordHashIfNotExists(ctx, "second.hash"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second set: err = %v, want ErrConflict", err)
	}
	hash, _, err := m.GetPasswordHash(ctx)
	if err != nil || hash != "first.hash" {
		t.Fatalf("hash after conflict = %q (err %v)", hash, err)
	}
}
