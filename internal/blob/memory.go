package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*memUpload

	// Aborted counts aborted multipart uploads, for tests.
	Aborted int
	// PageSize bounds List pages; zero means everything in one page.
	PageSize int
}

type memUpload struct {
	key   string
	parts map[int32][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		uploads: make(map[string]*memUpload),
	}
}

func (m *MemoryStore) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get range %q: %w", key, ErrNotFound)
	}
	if off < 0 || off > int64(len(data)) {
		return nil, fmt.Errorf("get range %q: offset %d out of bounds", key, off)
	}
	end := off + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-off)
	copy(out, data[off:end])
	return out, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("head %q: %w", key, ErrNotFound)
	}
	return ObjectInfo{Key: key, Size: int64(len(data)), ETag: memETag(data)}, nil
}

func (m *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("open %q: %w", key, ErrNotFound)
	}
	info := ObjectInfo{Key: key, Size: int64(len(data)), ETag: memETag(data)}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), info, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.uploads[id] = &memUpload{key: key, parts: make(map[int32][]byte)}
	return id, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (CompletedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return CompletedPart{}, fmt.Errorf("upload part: unknown upload %q", uploadID)
	}
	up.parts[partNumber] = append([]byte(nil), data...)
	return CompletedPart{PartNumber: partNumber, ETag: memETag(data)}, nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return fmt.Errorf("complete multipart: unknown upload %q", uploadID)
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return fmt.Errorf("complete multipart: parts out of order")
	}
	var assembled []byte
	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("complete multipart: missing part %d", p.PartNumber)
		}
		assembled = append(assembled, data...)
	}
	m.objects[key] = assembled
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	m.Aborted++
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix, cursor string) (ListPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return ListPage{}, fmt.Errorf("list: invalid cursor %q", cursor)
		}
		start = parsed
	}
	if start > len(keys) {
		start = len(keys)
	}

	end := len(keys)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
	}

	page := ListPage{Objects: make([]ObjectInfo, 0, end-start)}
	for _, k := range keys[start:end] {
		page.Objects = append(page.Objects, ObjectInfo{Key: k, Size: int64(len(m.objects[k])), ETag: memETag(m.objects[k])})
	}
	if end < len(keys) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MemoryStore) DeleteBatch(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

// PendingUploads reports open multipart uploads, for tests.
func (m *MemoryStore) PendingUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func memETag(data []byte) string {
	return fmt.Sprintf("\"%08x\"", len(data))
}
