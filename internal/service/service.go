// Package service owns the task lifecycle: one manager serializes all
// mutations and supervises at most one worker goroutine per active task.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"airlift/internal/blob"
	"airlift/internal/download"
	"airlift/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// TaskStore is the persistence surface the manager needs; *store.Store
// implements it, tests use an in-memory fake.
type TaskStore interface {
	CreateTask(ctx context.Context, t store.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (store.Task, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	FindActiveDuplicate(ctx context.Context, accountHash, bundleID, version string) (uuid.UUID, bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, speed string) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, r2Key string, fileSize int64) error
	GetR2Key(ctx context.Context, id uuid.UUID) (string, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
	SetConfigValueIfNotExists(ctx context.Context, key, value string) error
}

// Downloader streams a CDN URL into the blob key.
type Downloader interface {
	Run(ctx context.Context, rawURL, key string, onProgress download.ProgressFunc) (int64, error)
}

// Injector rewrites the stored archive with the task's sinfs and metadata.
type Injector interface {
	Run(ctx context.Context, key string, sinfs [][]byte, metadata []byte) error
}

// Defaults carries env-level fallbacks for settings that the kv_config
// table may override.
type Defaults struct {
	AutoCleanupDays  int
	AutoCleanupMaxMB int
}

type Manager struct {
	store    TaskStore
	blobs    blob.Store
	download Downloader
	inject   Injector
	log      *slog.Logger
	defaults Defaults

	// mu serializes every state mutation; reads of the workers map too.
	mu      sync.Mutex
	workers map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewManager(st TaskStore, blobs blob.Store, dl Downloader, inj Injector, log *slog.Logger, defaults Defaults) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		blobs:    blobs,
		download: dl,
		inject:   inj,
		log:      log,
		defaults: defaults,
		workers:  make(map[uuid.UUID]context.CancelFunc),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Shutdown cancels every running worker and waits for them to finish
// their bookkeeping.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	for _, cancel := range m.workers {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// CancelWorker stops a task's worker goroutine if one is running. The
// janitor uses it before purging.
func (m *Manager) CancelWorker(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.workers[id]; ok {
		cancel()
		delete(m.workers, id)
	}
}

// RecoverInterrupted parks tasks that were mid-flight when the previous
// process died. Their secrets are intact, so they resume on demand.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		switch t.Status {
		case store.StatusPending, store.StatusDownloading, store.StatusInjecting:
			if err := m.store.SetStatus(ctx, t.ID, store.StatusPaused); err != nil {
				return err
			}
			m.log.Info("parked interrupted task", "task", t.ID, "was", t.Status)
		}
	}
	return nil
}
