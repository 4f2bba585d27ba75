// Package janitor enforces retention: age-based expiry, a storage quota
// and orphaned blob cleanup. One run makes a single pass over the blob
// listing and the task table.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"airlift/internal/blob"
	"airlift/internal/service"
	"airlift/internal/store"
)

// TaskSource is the slice of the task store the janitor reads and prunes.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// PolicySource yields the current retention policy.
type PolicySource interface {
	GetCleanupPolicy(ctx context.Context) (service.CleanupPolicy, error)
}

// WorkerRegistry cancels a task's worker before its data disappears.
type WorkerRegistry interface {
	CancelWorker(id uuid.UUID)
}

type Summary struct {
	AgePurged      int
	QuotaPurged    int
	OrphansDeleted int
	BytesFreed     int64
}

type Janitor struct {
	tasks   TaskSource
	blobs   blob.Store
	policy  PolicySource
	workers WorkerRegistry
	log     *slog.Logger

	now func() time.Time
}

func New(tasks TaskSource, blobs blob.Store, policy PolicySource, workers WorkerRegistry, log *slog.Logger) *Janitor {
	return &Janitor{
		tasks:   tasks,
		blobs:   blobs,
		policy:  policy,
		workers: workers,
		log:     log,
		now:     time.Now,
	}
}

// RunOnce performs one cleanup pass: expire by age (skipped when the
// policy's day count is zero), then evict oldest-first down to the quota
// (skipped when the quota is zero), then sweep blobs no task references.
func (j *Janitor) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	policy, err := j.policy.GetCleanupPolicy(ctx)
	if err != nil {
		return sum, err
	}
	tasks, err := j.tasks.ListTasks(ctx)
	if err != nil {
		return sum, err
	}
	objects, err := blob.ListAll(ctx, j.blobs, "packages/")
	if err != nil {
		return sum, err
	}
	sizes := make(map[string]int64, len(objects))
	for _, o := range objects {
		sizes[o.Key] = o.Size
	}

	survivors := tasks[:0:0]
	if policy.Days > 0 {
		cutoff := j.now().UTC().AddDate(0, 0, -policy.Days)
		for _, t := range tasks {
			if t.CreatedAt.Before(cutoff) {
				freed, err := j.purge(ctx, t, sizes)
				if err != nil {
					// Per-task failures don't stop the run.
					j.log.Warn("age purge failed", "task", t.ID, "err", err)
					survivors = append(survivors, t)
					continue
				}
				sum.AgePurged++
				sum.BytesFreed += freed
				continue
			}
			survivors = append(survivors, t)
		}
	} else {
		survivors = append(survivors, tasks...)
	}

	if policy.MaxMB > 0 {
		limit := int64(policy.MaxMB) * (1 << 20)
		var used int64
		for _, size := range sizes {
			used += size
		}
		// survivors are newest-first; evict from the tail.
		for used > limit && len(survivors) > 0 {
			oldest := survivors[len(survivors)-1]
			survivors = survivors[:len(survivors)-1]
			freed, err := j.purge(ctx, oldest, sizes)
			if err != nil {
				j.log.Warn("quota purge failed", "task", oldest.ID, "err", err)
				continue
			}
			sum.QuotaPurged++
			sum.BytesFreed += freed
			used -= freed
		}
	}

	referenced := make(map[string]bool, 3*len(survivors))
	for _, t := range survivors {
		key := store.ArtifactKey(t.AccountHash, t.BundleID, t.ID)
		referenced[key] = true
		referenced[key+".new"] = true
		if t.R2Key != nil {
			referenced[*t.R2Key] = true
		}
	}
	var orphans []string
	var orphanBytes int64
	for key, size := range sizes {
		if !referenced[key] {
			orphans = append(orphans, key)
			orphanBytes += size
			sum.OrphansDeleted++
			sum.BytesFreed += size
		}
	}
	if len(orphans) > 0 {
		if err := j.blobs.DeleteBatch(ctx, orphans); err != nil {
			// Report the counts from the earlier phases anyway.
			j.log.Warn("orphan sweep failed", "count", len(orphans), "err", err)
			sum.OrphansDeleted = 0
			sum.BytesFreed -= orphanBytes
			return sum, nil
		}
		j.log.Info("deleted orphaned blobs", "count", len(orphans))
	}

	return sum, nil
}

// purge removes one task and its blobs, returning the bytes freed. sizes
// is updated in place so later phases see the remaining usage.
func (j *Janitor) purge(ctx context.Context, t store.Task, sizes map[string]int64) (int64, error) {
	if j.workers != nil {
		j.workers.CancelWorker(t.ID)
	}

	key := store.ArtifactKey(t.AccountHash, t.BundleID, t.ID)
	keys := []string{key, key + ".new"}
	if t.R2Key != nil && *t.R2Key != key {
		keys = append(keys, *t.R2Key)
	}

	var freed int64
	for _, k := range keys {
		if size, ok := sizes[k]; ok {
			freed += size
			delete(sizes, k)
		}
	}
	if err := j.blobs.DeleteBatch(ctx, keys); err != nil {
		return 0, err
	}
	if err := j.tasks.DeleteTask(ctx, t.ID); err != nil && !store.IsNotFound(err) {
		return freed, err
	}
	j.log.Info("purged task", "task", t.ID, "bundle", t.BundleID, "freed", freed)
	return freed, nil
}
