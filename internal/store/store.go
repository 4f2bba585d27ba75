package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusInjecting   = "injecting"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

var ErrConflict = errors.New("conflict")

// Sinf is one DRM signature blob; ID orders the blobs within a task.
// JSON encoding keeps Data as base64, matching the API payload.
type Sinf struct {
	ID   int64  `json:"id"`
	Data []byte `json:"sinf"`
}

// Task is one download-and-inject job. Sinfs, Metadata and URL are the
// per-account secrets; they are erased once the task completes. Software
// is the client's app descriptor, opaque except for the extracted
// BundleID, Name and Version columns.
type Task struct {
	ID          uuid.UUID
	AccountHash string
	Software    json.RawMessage
	BundleID    string
	Name        string
	Version     string
	URL         string
	Sinfs       []Sinf
	Metadata    []byte
	Status      string
	Progress    int
	Speed       string
	Error       *string
	R2Key       *string
	FileSize    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the task still owns a worker slot.
func (t Task) Active() bool {
	return t.Status != StatusCompleted && t.Status != StatusFailed
}

// ArtifactKey is the deterministic blob key for a task's published IPA.
func ArtifactKey(accountHash, bundleID string, id uuid.UUID) string {
	return fmt.Sprintf("packages/%s/%s/%s.ipa", accountHash, bundleID, id)
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Idempotent; runs at every boot.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           uuid PRIMARY KEY,
			account_hash text NOT NULL,
			software     jsonb NOT NULL DEFAULT '{}',
			bundle_id    text NOT NULL,
			name         text NOT NULL DEFAULT '',
			version      text NOT NULL DEFAULT '',
			url          text NOT NULL DEFAULT '',
			sinfs        jsonb NOT NULL DEFAULT '[]',
			metadata     bytea,
			status       text NOT NULL,
			progress     int NOT NULL DEFAULT 0,
			speed        text NOT NULL DEFAULT '',
			error        text,
			r2_key       text,
			file_size    bigint NOT NULL DEFAULT 0,
			created_at   timestamptz NOT NULL DEFAULT now(),
			updated_at   timestamptz NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS tasks_account_bundle_idx
			ON tasks (account_hash, bundle_id);
		CREATE TABLE IF NOT EXISTS kv_config (
			config_key text PRIMARY KEY,
			value      text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
	`)
	return err
}

const taskColumns = `id, account_hash, software, bundle_id, name, version, url, sinfs, metadata,
	status, progress, speed, error, r2_key, file_size, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var software, sinfs []byte
	err := row.Scan(
		&t.ID, &t.AccountHash, &software, &t.BundleID, &t.Name, &t.Version, &t.URL,
		&sinfs, &t.Metadata, &t.Status, &t.Progress, &t.Speed, &t.Error,
		&t.R2Key, &t.FileSize, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Software = json.RawMessage(software)
	if len(sinfs) > 0 {
		if err := json.Unmarshal(sinfs, &t.Sinfs); err != nil {
			return Task{}, fmt.Errorf("decode sinfs for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t Task) error {
	sinfs, err := json.Marshal(t.Sinfs)
	if err != nil {
		return fmt.Errorf("encode sinfs: %w", err)
	}
	if t.Sinfs == nil {
		sinfs = json.RawMessage(`[]`)
	}
	software := t.Software
	if len(software) == 0 {
		software = json.RawMessage(`{}`)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, account_hash, software, bundle_id, name, version, url, sinfs, metadata, status, progress)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
	`, t.ID, t.AccountHash, software, t.BundleID, t.Name, t.Version, t.URL, sinfs, t.Metadata, t.Status, t.Progress)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	return scanTask(s.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id))
}

func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FindActiveDuplicate returns the id of a not-yet-finished task for the
// same account, bundle and version, if one exists.
func (s *Store) FindActiveDuplicate(ctx context.Context, accountHash, bundleID, version string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT id
		FROM tasks
		WHERE account_hash = $1
		  AND bundle_id = $2
		  AND version = $3
		  AND status NOT IN ($4, $5)
		ORDER BY created_at DESC
		LIMIT 1
	`, accountHash, bundleID, version, StatusCompleted, StatusFailed).Scan(&id)
	if IsNotFound(err) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, speed string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET progress = $2, speed = $3, updated_at = now()
		WHERE id = $1
	`, id, progress, speed)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, error = $3, speed = '', updated_at = now()
		WHERE id = $1
	`, id, StatusFailed, message)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkCompleted publishes the artifact and scrubs the task's secrets.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, r2Key string, fileSize int64) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2,
			progress = 100,
			speed = '',
			error = NULL,
			r2_key = $3,
			file_size = $4,
			url = '',
			sinfs = '[]'::jsonb,
			metadata = NULL,
			updated_at = now()
		WHERE id = $1
	`, id, StatusCompleted, r2Key, fileSize)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) GetR2Key(ctx context.Context, id uuid.UUID) (string, error) {
	var key *string
	err := s.db.QueryRow(ctx, `
		SELECT r2_key
		FROM tasks
		WHERE id = $1 AND status = $2
	`, id, StatusCompleted).Scan(&key)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", pgx.ErrNoRows
	}
	return *key, nil
}

func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ---- Key-value config ----

func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM kv_config WHERE config_key = $1`, key,
	).Scan(&value)
	if IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetConfigValueIfNotExists writes the value only when the key is absent.
// Returns ErrConflict when a value already exists.
func (s *Store) SetConfigValueIfNotExists(ctx context.Context, key, value string) error {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO kv_config (config_key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (config_key) DO NOTHING
	`, key, value)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kv_config (config_key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (config_key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}

func (s *Store) DeleteConfigValue(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM kv_config WHERE config_key = $1`, key)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
