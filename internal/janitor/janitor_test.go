package janitor

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"airlift/internal/blob"
	"airlift/internal/service"
	"airlift/internal/store"
)

type memTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]store.Task
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[uuid.UUID]store.Task)}
}

func (m *memTasks) ListTasks(ctx context.Context) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	// Newest first, like the SQL store.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memTasks) DeleteTask(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memTasks) add(t store.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *memTasks) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *memTasks) has(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

type fixedPolicy struct {
	policy service.CleanupPolicy
}

func (f fixedPolicy) GetCleanupPolicy(ctx context.Context) (service.CleanupPolicy, error) {
	return f.policy, nil
}

type recordingRegistry struct {
	mu       sync.Mutex
	canceled []uuid.UUID
}

func (r *recordingRegistry) CancelWorker(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, id)
}

func newTestJanitor(tasks *memTasks, blobs blob.Store, policy service.CleanupPolicy, reg WorkerRegistry) *Janitor {
	return New(tasks, blobs, fixedPolicy{policy}, reg, slog.New(slog.DiscardHandler))
}

// seedTask creates a completed task with an artifact of the given size,
// created ageDays days ago.
func seedTask(t *testing.T, tasks *memTasks, blobs *blob.MemoryStore, ageDays int, size int) store.Task {
	t.Helper()
	id := uuid.New()
	key := store.ArtifactKey("acct", "com.example.app", id)
	if err := blobs.Put(context.Background(), key, bytes.Repeat([]byte{0x42}, size)); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	task := store.Task{
		ID:          id,
		AccountHash: "acct",
		BundleID:    "com.example.app",
		Status:      store.StatusCompleted,
		R2Key:       &key,
		FileSize:    int64(size),
		CreatedAt:   time.Now().UTC().AddDate(0, 0, -ageDays),
	}
	tasks.add(task)
	return task
}

func TestRunOnceAgePhase(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	blobs := blob.NewMemoryStore()

	old1 := seedTask(t, tasks, blobs, 30, 100)
	old2 := seedTask(t, tasks, blobs, 10, 100)
	fresh := seedTask(t, tasks, blobs, 1, 100)

	j := newTestJanitor(tasks, blobs, service.CleanupPolicy{Days: 7}, nil)
	sum, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sum.AgePurged != 2 {
		t.Fatalf("AgePurged = %d, want 2", sum.AgePurged)
	}
	if sum.BytesFreed != 200 {
		t.Fatalf("BytesFreed = %d, want 200", sum.BytesFreed)
	}
	if tasks.has(old1.ID) || tasks.has(old2.ID) {
		t.Fatal("expired tasks still present")
	}
	if !tasks.has(fresh.ID) {
		t.Fatal("fresh task was purged")
	}
	if _, err := blobs.Head(context.Background(), *fresh.R2Key); err != nil {
		t.Fatalf("fresh artifact gone: %v", err)
	}
	if _, err := blobs.Head(context.Background(), *old1.R2Key); err == nil {
		t.Fatal("expired artifact still stored")
	}
}

func TestRunOnceQuotaEvictsOldestFirst(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	blobs := blob.NewMemoryStore()

	const mib = 1 << 20
	var all []store.Task
	for i := 0; i < 10; i++ {
		// Oldest task is 10 days old, newest 1 day.
		all = append(all, seedTask(t, tasks, blobs, 10-i, 10*mib))
	}

	j := newTestJanitor(tasks, blobs, service.CleanupPolicy{MaxMB: 55}, nil)
	sum, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sum.QuotaPurged != 5 {
		t.Fatalf("QuotaPurged = %d, want 5", sum.QuotaPurged)
	}
	if tasks.count() != 5 {
		t.Fatalf("surviving tasks = %d, want 5", tasks.count())
	}
	// The five oldest went, the five newest stayed.
	for i, task := range all {
		if i < 5 {
			if tasks.has(task.ID) {
				t.Fatalf("old task %d survived quota eviction", i)
			}
		} else if !tasks.has(task.ID) {
			t.Fatalf("new task %d was evicted", i)
		}
	}
}

func TestRunOnceOrphanSweep(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	blobs := blob.NewMemoryStore()

	live := seedTask(t, tasks, blobs, 1, 50)
	// Rewrite leftovers of a live task must survive the sweep.
	if err := blobs.Put(context.Background(), *live.R2Key+".new", []byte("temp")); err != nil {
		t.Fatalf("seed temp: %v", err)
	}
	if err := blobs.Put(context.Background(), "packages/gone/com.old.app/dead.ipa", []byte("orphan")); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	j := newTestJanitor(tasks, blobs, service.CleanupPolicy{}, nil)
	sum, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if sum.OrphansDeleted != 1 {
		t.Fatalf("OrphansDeleted = %d, want 1", sum.OrphansDeleted)
	}
	if _, err := blobs.Head(context.Background(), "packages/gone/com.old.app/dead.ipa"); err == nil {
		t.Fatal("orphan blob still stored")
	}
	if _, err := blobs.Head(context.Background(), *live.R2Key); err != nil {
		t.Fatalf("live artifact swept: %v", err)
	}
	if _, err := blobs.Head(context.Background(), *live.R2Key+".new"); err != nil {
		t.Fatalf("live temp swept: %v", err)
	}
}

func TestRunOnceZeroPolicyOnlySweepsOrphans(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	blobs := blob.NewMemoryStore()

	ancient := seedTask(t, tasks, blobs, 365, 100)

	j := newTestJanitor(tasks, blobs, service.CleanupPolicy{Days: 0, MaxMB: 0}, nil)
	sum, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.AgePurged != 0 || sum.QuotaPurged != 0 {
		t.Fatalf("purged %d/%d tasks with disabled policy", sum.AgePurged, sum.QuotaPurged)
	}
	if !tasks.has(ancient.ID) {
		t.Fatal("task purged despite disabled policy")
	}
}

func TestPurgeCancelsWorker(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks()
	blobs := blob.NewMemoryStore()
	reg := &recordingRegistry{}

	old := seedTask(t, tasks, blobs, 30, 100)

	j := newTestJanitor(tasks, blobs, service.CleanupPolicy{Days: 7}, reg)
	if _, err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.canceled) != 1 || reg.canceled[0] != old.ID {
		t.Fatalf("canceled = %v, want [%s]", reg.canceled, old.ID)
	}
}

func TestWorkerUntilNextRun(t *testing.T) {
	t.Parallel()
	w := NewWorker(nil, slog.New(slog.DiscardHandler))
	w.Hour = 2

	w.now = func() time.Time {
		return time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)
	}
	if got := w.untilNextRun(); got != time.Hour {
		t.Fatalf("untilNextRun = %s, want 1h", got)
	}

	w.now = func() time.Time {
		return time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	}
	if got := w.untilNextRun(); got != 23*time.Hour {
		t.Fatalf("untilNextRun = %s, want 23h", got)
	}
}
