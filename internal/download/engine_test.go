package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"airlift/internal/blob"
)

func testEngine(blobs blob.Store) *Engine {
	e := NewEngine(blobs, slog.New(slog.DiscardHandler))
	e.PartSize = 1 << 20 // keep tests small
	return e
}

// runLocal bypasses ValidateURL so tests can fetch from httptest servers.
func runLocal(t *testing.T, e *Engine, ctx context.Context, rawURL, key string, onProgress ProgressFunc) (int64, error) {
	t.Helper()
	readCtx, cancelRead := context.WithCancelCause(ctx)
	defer cancelRead(nil)

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	if resp.ContentLength > e.MaxBytes {
		return 0, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, resp.ContentLength)
	}

	uploadID, err := e.blobs.CreateMultipartUpload(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := e.stream(ctx, readCtx, cancelRead, resp.Body, resp.ContentLength, key, uploadID, onProgress)
	if err != nil {
		_ = e.blobs.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID)
		return 0, err
	}
	return n, nil
}

func TestValidateURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"apple cdn", "https://iosapps.itunes.apple.com/itunes-assets/x.ipa", true},
		{"plain apple", "https://cdn.apple.com/x.ipa", true},
		{"http", "http://cdn.apple.com/x.ipa", false},
		{"wrong domain", "https://cdn.evil.com/x.ipa", false},
		{"apple.com itself", "https://apple.com/x.ipa", false},
		{"fake suffix", "https://notapple.com/x.ipa", false},
		{"ipv4 literal", "https://17.253.144.10/x.ipa", false},
		{"empty", "", false},
		{"garbage", "://nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tt.url)
			if tt.ok && err != nil {
				t.Fatalf("ValidateURL(%q) = %v, want nil", tt.url, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("ValidateURL(%q) = nil, want error", tt.url)
			}
		})
	}
}

func TestRunRejectsBadURLBeforeDialing(t *testing.T) {
	t.Parallel()
	store := blob.NewMemoryStore()
	e := testEngine(store)
	if _, err := e.Run(context.Background(), "https://cdn.evil.com/x.ipa", "k", nil); err == nil {
		t.Fatal("want validation error")
	}
}

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()
	// 2.5 parts worth of data: expect exactly 3 parts.
	payload := bytes.Repeat([]byte{0x42}, (1<<20)*2+(1<<19))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	store := blob.NewMemoryStore()
	e := testEngine(store)

	var lastProgress atomic.Int64
	n, err := runLocal(t, e, context.Background(), srv.URL, "packages/a/b/c.ipa", func(p int, speed string) {
		lastProgress.Store(int64(p))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("n = %d, want %d", n, len(payload))
	}

	info, err := store.Head(context.Background(), "packages/a/b/c.ipa")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("stored size = %d, want %d", info.Size, len(payload))
	}
	got, err := store.GetRange(context.Background(), "packages/a/b/c.ipa", 0, info.Size)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("stored bytes differ from payload")
	}
	if lastProgress.Load() != 100 {
		t.Fatalf("final progress = %d, want 100", lastProgress.Load())
	}
	if store.PendingUploads() != 0 {
		t.Fatalf("pending uploads = %d, want 0", store.PendingUploads())
	}
}

func TestStreamRejectsDeclaredOversize(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "9000000000")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := blob.NewMemoryStore()
	e := testEngine(store)
	_, err := runLocal(t, e, context.Background(), srv.URL, "k", nil)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestStreamRejectsCountedOversize(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: chunked body larger than the cap.
		w.Write(bytes.Repeat([]byte{1}, 4<<20))
	}))
	defer srv.Close()

	store := blob.NewMemoryStore()
	e := testEngine(store)
	e.MaxBytes = 2 << 20
	_, err := runLocal(t, e, context.Background(), srv.URL, "k", nil)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if store.Aborted != 1 {
		t.Fatalf("aborted uploads = %d, want 1", store.Aborted)
	}
	if store.PendingUploads() != 0 {
		t.Fatalf("pending uploads = %d, want 0", store.PendingUploads())
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := testEngine(blob.NewMemoryStore())
	resp, err := e.fetchWithRetry(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetchWithRetry: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e := testEngine(blob.NewMemoryStore())
	if _, err := e.fetchWithRetry(context.Background(), srv.URL); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := testEngine(blob.NewMemoryStore())
	e.Retries = 1
	if _, err := e.fetchWithRetry(context.Background(), srv.URL); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestCancellationDuringBackoffPropagates(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := testEngine(blob.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := e.fetchWithRetry(ctx, srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not interrupt backoff sleep")
	}
}

func TestCancellationMidStreamAborts(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10485760")
		w.Write(bytes.Repeat([]byte{1}, 1<<19))
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	store := blob.NewMemoryStore()
	e := testEngine(store)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := runLocal(t, e, ctx, srv.URL, "k", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if store.Aborted != 1 {
		t.Fatalf("aborted uploads = %d, want 1", store.Aborted)
	}
}

func TestStallWatchdog(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	store := blob.NewMemoryStore()
	e := testEngine(store)
	e.StallTimeout = 300 * time.Millisecond
	_, err := runLocal(t, e, context.Background(), srv.URL, "k", nil)
	if !errors.Is(err, ErrStall) {
		t.Fatalf("err = %v, want ErrStall", err)
	}
}

func TestSpeedOf(t *testing.T) {
	t.Parallel()
	if got := speedOf(10<<20, time.Second); !strings.Contains(got, "MB/s") {
		t.Fatalf("speedOf = %q, want MB/s", got)
	}
	if got := speedOf(512, time.Second); !strings.Contains(got, "B/s") {
		t.Fatalf("speedOf = %q, want B/s", got)
	}
}

func TestPartNumbersAreConsecutive(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte{7}, (1<<20)*5+123)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	store := blob.NewMemoryStore()
	e := testEngine(store)
	if _, err := runLocal(t, e, context.Background(), srv.URL, "k", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	// MemoryStore.CompleteMultipartUpload rejects out-of-order or missing
	// parts, so success implies a consecutive run starting at 1. Verify
	// the assembled object for good measure.
	got, err := store.GetRange(context.Background(), "k", 0, int64(len(payload)))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("assembled object differs from payload")
	}
}
