package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"airlift/internal/download"
	"airlift/internal/store"
)

// minAccountHashLen is the floor on the opaque tenant identifier.
const minAccountHashLen = 8

// SoftwareInfo is the subset of the app descriptor the server acts on.
// The rest of the descriptor (icon, genre, rating and so on) is stored
// and echoed back untouched.
type SoftwareInfo struct {
	ID       int64  `json:"id"`
	BundleID string `json:"bundleId"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// ParseSoftware extracts the acted-on fields from a raw descriptor.
func ParseSoftware(raw json.RawMessage) (SoftwareInfo, error) {
	var info SoftwareInfo
	if len(raw) == 0 {
		return info, fmt.Errorf("software descriptor required")
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("invalid software descriptor: %w", err)
	}
	return info, nil
}

type CreateTaskInput struct {
	AccountHash string
	Software    json.RawMessage
	URL         string
	Sinfs       []store.Sinf
	Metadata    []byte
}

// TaskView is the sanitized task shape returned to clients. Download URL,
// sinfs and metadata never leave the server.
type TaskView struct {
	ID          uuid.UUID       `json:"id"`
	AccountHash string          `json:"accountHash"`
	Software    json.RawMessage `json:"software"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Speed       string          `json:"speed,omitempty"`
	Error       string          `json:"error,omitempty"`
	HasFile     bool            `json:"hasFile"`
	FileSize    int64           `json:"fileSize,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// PublicTaskView is the unauthenticated shape served to install
// endpoints, gated only by the unguessable task UUID.
type PublicTaskView struct {
	Software json.RawMessage `json:"software"`
	HasFile  bool            `json:"hasFile"`
}

func viewOf(t store.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		AccountHash: t.AccountHash,
		Software:    t.Software,
		Status:      t.Status,
		Progress:    t.Progress,
		Speed:       t.Speed,
		HasFile:     t.R2Key != nil,
		FileSize:    t.FileSize,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.Error != nil {
		v.Error = *t.Error
	}
	return v
}

// CreateTask validates and registers a new task, then starts its worker.
// An active task for the same account, bundle and version is a conflict.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (TaskView, error) {
	in.AccountHash = strings.TrimSpace(in.AccountHash)
	if len(in.AccountHash) < minAccountHashLen {
		return TaskView{}, fmt.Errorf("%w: account hash must be at least %d characters", ErrInvalidInput, minAccountHashLen)
	}
	info, err := ParseSoftware(in.Software)
	if err != nil {
		return TaskView{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(info.BundleID) == "" {
		return TaskView{}, fmt.Errorf("%w: software bundle id required", ErrInvalidInput)
	}
	if err := download.ValidateURL(in.URL); err != nil {
		return TaskView{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok, err := m.store.FindActiveDuplicate(ctx, in.AccountHash, info.BundleID, info.Version); err != nil {
		return TaskView{}, err
	} else if ok {
		return TaskView{}, fmt.Errorf("%w: a task for %s %s is already in flight", ErrConflict, info.BundleID, info.Version)
	}

	sinfs := append([]store.Sinf(nil), in.Sinfs...)
	sort.SliceStable(sinfs, func(i, j int) bool { return sinfs[i].ID < sinfs[j].ID })

	t := store.Task{
		ID:          uuid.New(),
		AccountHash: in.AccountHash,
		Software:    in.Software,
		BundleID:    info.BundleID,
		Name:        info.Name,
		Version:     info.Version,
		URL:         in.URL,
		Sinfs:       sinfs,
		Metadata:    in.Metadata,
		Status:      store.StatusPending,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return TaskView{}, err
	}
	m.spawnLocked(t.ID)

	created, err := m.store.GetTask(ctx, t.ID)
	if err != nil {
		return TaskView{}, err
	}
	return viewOf(created), nil
}

func (m *Manager) GetTask(ctx context.Context, accountHash string, id uuid.UUID) (TaskView, error) {
	t, err := m.ownedTask(ctx, accountHash, id)
	if err != nil {
		return TaskView{}, err
	}
	return viewOf(t), nil
}

// ListTasks returns the union of the per-account task lists, newest first.
func (m *Manager) ListTasks(ctx context.Context, accountHashes []string) ([]TaskView, error) {
	return m.listFiltered(ctx, accountHashes, func(store.Task) bool { return true })
}

// ListPackages returns only completed tasks, the ones with a stored file.
func (m *Manager) ListPackages(ctx context.Context, accountHashes []string) ([]TaskView, error) {
	return m.listFiltered(ctx, accountHashes, func(t store.Task) bool {
		return t.Status == store.StatusCompleted && t.R2Key != nil
	})
}

func (m *Manager) listFiltered(ctx context.Context, accountHashes []string, keep func(store.Task) bool) ([]TaskView, error) {
	members := make(map[string]struct{}, len(accountHashes))
	for _, h := range accountHashes {
		if h = strings.TrimSpace(h); h != "" {
			members[h] = struct{}{}
		}
	}
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := members[t.AccountHash]; !ok {
			continue
		}
		if !keep(t) {
			continue
		}
		views = append(views, viewOf(t))
	}
	return views, nil
}

// GetTaskPublic serves the install endpoints. No tenant check: the task
// UUID is unguessable and is the only capability the device has.
func (m *Manager) GetTaskPublic(ctx context.Context, id uuid.UUID) (PublicTaskView, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return PublicTaskView{}, ErrNotFound
		}
		return PublicTaskView{}, err
	}
	return PublicTaskView{Software: t.Software, HasFile: t.R2Key != nil}, nil
}

// ArtifactKeyPublic returns the blob key for a completed task, gated only
// by the task UUID.
func (m *Manager) ArtifactKeyPublic(ctx context.Context, id uuid.UUID) (string, error) {
	key, err := m.store.GetR2Key(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return "", fmt.Errorf("%w: task %s has no file", ErrNotFound, id)
		}
		return "", err
	}
	return key, nil
}

// ArtifactKey returns the blob key for a completed task's IPA.
func (m *Manager) ArtifactKey(ctx context.Context, accountHash string, id uuid.UUID) (string, error) {
	t, err := m.ownedTask(ctx, accountHash, id)
	if err != nil {
		return "", err
	}
	if t.Status != store.StatusCompleted || t.R2Key == nil {
		return "", fmt.Errorf("%w: task %s has no file", ErrNotFound, id)
	}
	return *t.R2Key, nil
}

func (m *Manager) PauseTask(ctx context.Context, accountHash string, id uuid.UUID) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedTask(ctx, accountHash, id)
	if err != nil {
		return TaskView{}, err
	}
	switch t.Status {
	case store.StatusPending, store.StatusDownloading:
	default:
		return TaskView{}, fmt.Errorf("%w: cannot pause a %s task", ErrInvalidInput, t.Status)
	}

	if cancel, ok := m.workers[id]; ok {
		cancel()
		delete(m.workers, id)
	}
	if err := m.store.SetStatus(ctx, id, store.StatusPaused); err != nil {
		return TaskView{}, err
	}
	t.Status = store.StatusPaused
	return viewOf(t), nil
}

func (m *Manager) ResumeTask(ctx context.Context, accountHash string, id uuid.UUID) (TaskView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedTask(ctx, accountHash, id)
	if err != nil {
		return TaskView{}, err
	}
	if t.Status != store.StatusPaused {
		return TaskView{}, fmt.Errorf("%w: cannot resume a %s task", ErrInvalidInput, t.Status)
	}
	// Resume goes straight to downloading; the worker restarts the fetch.
	if err := m.store.SetStatus(ctx, id, store.StatusDownloading); err != nil {
		return TaskView{}, err
	}
	m.spawnLocked(id)
	t.Status = store.StatusDownloading
	return viewOf(t), nil
}

// DeleteTask cancels the worker, removes the task's blobs (published key,
// deterministic key and rewrite leftovers) and erases the record.
func (m *Manager) DeleteTask(ctx context.Context, accountHash string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.ownedTask(ctx, accountHash, id)
	if err != nil {
		return err
	}

	if cancel, ok := m.workers[id]; ok {
		cancel()
		delete(m.workers, id)
	}

	key := store.ArtifactKey(t.AccountHash, t.BundleID, t.ID)
	keys := []string{key, key + ".new"}
	if t.R2Key != nil && *t.R2Key != key {
		keys = append(keys, *t.R2Key)
	}
	if err := m.blobs.DeleteBatch(ctx, keys); err != nil {
		return fmt.Errorf("delete task blobs: %w", err)
	}

	if err := m.store.DeleteTask(ctx, id); err != nil {
		if store.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (m *Manager) ownedTask(ctx context.Context, accountHash string, id uuid.UUID) (store.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Task{}, ErrNotFound
		}
		return store.Task{}, err
	}
	if t.AccountHash != accountHash {
		// Foreign tasks are indistinguishable from missing ones.
		return store.Task{}, ErrNotFound
	}
	return t, nil
}

// spawnLocked starts the worker for id. Callers hold m.mu.
func (m *Manager) spawnLocked(id uuid.UUID) {
	wctx, cancel := context.WithCancel(m.baseCtx)
	m.workers[id] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			if c, ok := m.workers[id]; ok {
				c()
				delete(m.workers, id)
			}
			m.mu.Unlock()
		}()
		m.runTask(wctx, id)
	}()
}

// runTask drives one task through download, injection and completion.
// A canceled context means pause or shutdown; the status was (or will be)
// set by whoever canceled, so the worker just leaves.
func (m *Manager) runTask(ctx context.Context, id uuid.UUID) {
	// Bookkeeping writes survive the worker's own cancellation.
	bg := context.WithoutCancel(ctx)

	t, err := m.store.GetTask(bg, id)
	if err != nil {
		m.log.Error("worker: load task", "task", id, "err", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := m.store.SetStatus(bg, id, store.StatusDownloading); err != nil {
		m.log.Error("worker: set downloading", "task", id, "err", err)
		return
	}

	key := store.ArtifactKey(t.AccountHash, t.BundleID, t.ID)
	onProgress := func(progress int, speed string) {
		if progress < 0 {
			progress = 0
		}
		if err := m.store.UpdateProgress(bg, id, progress, speed); err != nil {
			m.log.Debug("worker: progress update failed", "task", id, "err", err)
		}
	}

	size, err := m.download.Run(ctx, t.URL, key, onProgress)
	if err != nil {
		m.finishWithError(bg, ctx, id, fmt.Errorf("download: %w", err))
		return
	}

	if ctx.Err() != nil {
		return
	}
	if err := m.store.SetStatus(bg, id, store.StatusInjecting); err != nil {
		m.log.Error("worker: set injecting", "task", id, "err", err)
		return
	}
	if len(t.Sinfs) > 0 || len(t.Metadata) > 0 {
		sinfs := make([][]byte, len(t.Sinfs))
		for i, s := range t.Sinfs {
			sinfs[i] = s.Data
		}
		if err := m.inject.Run(ctx, key, sinfs, t.Metadata); err != nil {
			m.finishWithError(bg, ctx, id, fmt.Errorf("inject: %w", err))
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	info, err := m.blobs.Head(bg, key)
	if err == nil {
		size = info.Size
	}
	if err := m.store.MarkCompleted(bg, id, key, size); err != nil {
		m.log.Error("worker: mark completed", "task", id, "err", err)
		return
	}
	m.log.Info("task completed", "task", id, "key", key, "size", size)
}

func (m *Manager) finishWithError(bg, ctx context.Context, id uuid.UUID, err error) {
	if ctx.Err() != nil {
		// Deliberate pause or shutdown, not a failure.
		m.log.Info("worker stopped", "task", id, "reason", context.Cause(ctx))
		return
	}
	m.log.Warn("task failed", "task", id, "err", err)
	if serr := m.store.MarkFailed(bg, id, err.Error()); serr != nil {
		m.log.Error("worker: mark failed", "task", id, "err", serr)
	}
}
