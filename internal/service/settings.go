package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"airlift/internal/blob"
	"airlift/internal/store"
)

const (
	configAutoCleanupDays  = "auto_cleanup_days"
	configAutoCleanupMaxMB = "auto_cleanup_max_mb"
	configPasswordHash     = "password_hash"
)

// CleanupPolicy is the janitor's knobs. Zero disables the phase.
type CleanupPolicy struct {
	Days  int `json:"autoCleanupDays"`
	MaxMB int `json:"autoCleanupMaxMB"`
}

// GetCleanupPolicy reads the policy, preferring kv_config over the env
// defaults the process booted with.
func (m *Manager) GetCleanupPolicy(ctx context.Context) (CleanupPolicy, error) {
	policy := CleanupPolicy{Days: m.defaults.AutoCleanupDays, MaxMB: m.defaults.AutoCleanupMaxMB}

	if v, ok, err := m.store.GetConfigValue(ctx, configAutoCleanupDays); err != nil {
		return CleanupPolicy{}, err
	} else if ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return CleanupPolicy{}, fmt.Errorf("stored %s is not a number: %q", configAutoCleanupDays, v)
		}
		policy.Days = n
	}
	if v, ok, err := m.store.GetConfigValue(ctx, configAutoCleanupMaxMB); err != nil {
		return CleanupPolicy{}, err
	} else if ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return CleanupPolicy{}, fmt.Errorf("stored %s is not a number: %q", configAutoCleanupMaxMB, v)
		}
		policy.MaxMB = n
	}
	return policy, nil
}

func (m *Manager) SetCleanupPolicy(ctx context.Context, policy CleanupPolicy) error {
	if policy.Days < 0 {
		return fmt.Errorf("%w: autoCleanupDays must not be negative", ErrInvalidInput)
	}
	if policy.MaxMB < 0 {
		return fmt.Errorf("%w: autoCleanupMaxMB must not be negative", ErrInvalidInput)
	}
	if err := m.store.SetConfigValue(ctx, configAutoCleanupDays, strconv.Itoa(policy.Days)); err != nil {
		return err
	}
	return m.store.SetConfigValue(ctx, configAutoCleanupMaxMB, strconv.Itoa(policy.MaxMB))
}

// StorageTotals sums the published artifacts in the blob store.
type StorageTotals struct {
	Objects     int     `json:"objects"`
	Bytes       int64   `json:"bytes"`
	TotalSizeMB float64 `json:"totalSizeMB"`
}

func (m *Manager) GetStorageTotals(ctx context.Context) (StorageTotals, error) {
	objects, err := blob.ListAll(ctx, m.blobs, "packages/")
	if err != nil {
		return StorageTotals{}, err
	}
	totals := StorageTotals{Objects: len(objects)}
	for _, o := range objects {
		totals.Bytes += o.Size
	}
	totals.TotalSizeMB = float64(totals.Bytes) / (1 << 20)
	return totals, nil
}

// GetPasswordHash returns the stored access password hash, if one was set.
func (m *Manager) GetPasswordHash(ctx context.Context) (string, bool, error) {
	return m.store.GetConfigValue(ctx, configPasswordHash)
}

func (m *Manager) SetPasswordHash(ctx context.Context, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty password hash", ErrInvalidInput)
	}
	return m.store.SetConfigValue(ctx, configPasswordHash, hash)
}

// SetPasswordHashIfNotExists is the compare-and-set behind first-run
// setup. ErrConflict when a password is already configured.
func (m *Manager) SetPasswordHashIfNotExists(ctx context.Context, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty password hash", ErrInvalidInput)
	}
	if err := m.store.SetConfigValueIfNotExists(ctx, configPasswordHash, hash); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrConflict
		}
		return err
	}
	return nil
}
