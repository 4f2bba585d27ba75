// Package download streams a CDN artifact into a multipart blob upload.
// The whole object never sits in memory: chunks are buffered up to two
// part sizes and shipped with at most one part upload in flight.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"airlift/internal/blob"
)

var (
	ErrTooLarge = errors.New("artifact too large")
	ErrStall    = errors.New("no data from CDN within stall timeout")
	ErrUpstream = errors.New("upstream error")
)

const (
	defaultMaxBytes       = 8 << 30 // 8 GiB
	defaultPartSize       = 25 << 20
	defaultRetries        = 3
	defaultAttemptTimeout = 30 * time.Second
	defaultStallTimeout   = 60 * time.Second
	progressInterval      = 2 * time.Second
)

// ProgressFunc receives throttled progress updates. progress is -1 when
// the total size is unknown.
type ProgressFunc func(progress int, speed string)

// Engine fetches CDN URLs and publishes them as blob store objects.
type Engine struct {
	blobs blob.Store
	log   *slog.Logger

	client *http.Client

	// Tunables, overridable in tests.
	MaxBytes     int64
	PartSize     int64
	Retries      int
	StallTimeout time.Duration
}

func NewEngine(blobs blob.Store, log *slog.Logger) *Engine {
	return &Engine{
		blobs: blobs,
		log:   log,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultAttemptTimeout}).DialContext,
				ResponseHeaderTimeout: defaultAttemptTimeout,
				MaxIdleConns:          4,
			},
		},
		MaxBytes:     defaultMaxBytes,
		PartSize:     defaultPartSize,
		Retries:      defaultRetries,
		StallTimeout: defaultStallTimeout,
	}
}

// ValidateURL enforces the CDN URL policy: https, an .apple.com hostname,
// never a literal IP.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid download URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("download URL must use https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("download URL missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return errors.New("download URL must not be an IP literal")
	}
	if !strings.HasSuffix(host, ".apple.com") {
		return fmt.Errorf("download host %q is not an apple.com domain", host)
	}
	return nil
}

// Run downloads rawURL into key and returns the byte count. A canceled
// ctx aborts the multipart upload and returns ctx's error; callers treat
// that as a silent pause.
func (e *Engine) Run(ctx context.Context, rawURL, key string, onProgress ProgressFunc) (int64, error) {
	if err := ValidateURL(rawURL); err != nil {
		return 0, err
	}

	// The stall watchdog cancels this context to interrupt a hung body
	// read; the request must therefore be created under it.
	readCtx, cancelRead := context.WithCancelCause(ctx)
	defer cancelRead(nil)

	resp, err := e.fetchWithRetry(readCtx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total > e.MaxBytes {
		return 0, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, total)
	}

	uploadID, err := e.blobs.CreateMultipartUpload(ctx, key)
	if err != nil {
		return 0, err
	}

	n, err := e.stream(ctx, readCtx, cancelRead, resp.Body, total, key, uploadID, onProgress)
	if err != nil {
		abortCtx := context.WithoutCancel(ctx)
		if abortErr := e.blobs.AbortMultipartUpload(abortCtx, key, uploadID); abortErr != nil {
			e.log.Warn("abort multipart upload failed", "key", key, "err", abortErr)
		}
		return 0, err
	}
	return n, nil
}

// fetchWithRetry retries transport failures and 5xx responses with
// 1s/2s/4s backoff. Anything below 500 fails immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= e.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			e.log.Info("cdn fetch failed, retrying", "attempt", attempt+1, "err", err)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
			e.log.Info("cdn returned server error, retrying", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrUpstream, lastErr)
}

// pendingPart is the single-slot mailbox for the one in-flight upload.
type pendingPart struct {
	done chan struct{}
	part blob.CompletedPart
	err  error
}

func (e *Engine) stream(ctx, readCtx context.Context, cancelRead context.CancelCauseFunc, body io.Reader, total int64, key, uploadID string, onProgress ProgressFunc) (int64, error) {
	// Stall watchdog: cancel the body read if no chunk lands in time.
	var lastChunk atomic.Int64
	lastChunk.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-readCtx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastChunk.Load()))
				if idle > e.StallTimeout {
					cancelRead(ErrStall)
					return
				}
			}
		}
	}()

	var (
		chunks     [][]byte
		buffered   int64
		downloaded int64
		partNumber int32
		parts      []blob.CompletedPart
		pending    *pendingPart
		started    = time.Now()
		lastReport time.Time
	)

	drainPending := func() error {
		if pending == nil {
			return nil
		}
		<-pending.done
		p := pending
		pending = nil
		if p.err != nil {
			return p.err
		}
		parts = append(parts, p.part)
		return nil
	}

	uploadSync := func(data []byte) error {
		partNumber++
		part, err := e.blobs.UploadPart(ctx, key, uploadID, partNumber, data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	}

	fireAsync := func(data []byte) {
		partNumber++
		p := &pendingPart{done: make(chan struct{})}
		num := partNumber
		go func() {
			p.part, p.err = e.blobs.UploadPart(ctx, key, uploadID, num, data)
			close(p.done)
		}()
		pending = p
	}

	cutPart := func() []byte {
		part := make([]byte, 0, e.PartSize)
		for int64(len(part)) < e.PartSize {
			need := e.PartSize - int64(len(part))
			head := chunks[0]
			if int64(len(head)) <= need {
				part = append(part, head...)
				chunks = chunks[1:]
			} else {
				part = append(part, head[:need]...)
				chunks[0] = head[need:]
			}
		}
		buffered -= e.PartSize
		return part
	}

	buf := make([]byte, 1<<20)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			lastChunk.Store(time.Now().UnixNano())
			downloaded += int64(n)
			if downloaded > e.MaxBytes {
				return 0, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, e.MaxBytes)
			}
			chunks = append(chunks, append([]byte(nil), buf[:n]...))
			buffered += int64(n)

			// Two full parts buffered: push the oldest out synchronously
			// (after the in-flight one lands) to bound memory.
			for buffered >= 2*e.PartSize {
				if err := drainPending(); err != nil {
					return 0, err
				}
				if err := uploadSync(cutPart()); err != nil {
					return 0, err
				}
			}
			// One full part and a free slot: ship it without blocking the read.
			if buffered >= e.PartSize && pending == nil {
				fireAsync(cutPart())
			}

			if onProgress != nil && time.Since(lastReport) >= progressInterval {
				lastReport = time.Now()
				onProgress(progressOf(downloaded, total), speedOf(downloaded, time.Since(started)))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if cause := context.Cause(readCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return 0, cause
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: read body: %v", ErrUpstream, readErr)
		}
	}

	if total >= 0 && downloaded != total {
		return 0, fmt.Errorf("%w: truncated body: got %d of %d bytes", ErrUpstream, downloaded, total)
	}

	if err := drainPending(); err != nil {
		return 0, err
	}
	for buffered >= e.PartSize {
		if err := uploadSync(cutPart()); err != nil {
			return 0, err
		}
	}
	if buffered > 0 || partNumber == 0 {
		var trailing []byte
		for _, c := range chunks {
			trailing = append(trailing, c...)
		}
		if err := uploadSync(trailing); err != nil {
			return 0, err
		}
	}

	// Parts were appended in mixed sync/async order; completion wants them
	// sorted by part number.
	sortParts(parts)
	if err := e.blobs.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		return 0, err
	}

	if onProgress != nil {
		onProgress(100, speedOf(downloaded, time.Since(started)))
	}
	return downloaded, nil
}

func sortParts(parts []blob.CompletedPart) {
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j].PartNumber < parts[j-1].PartNumber; j-- {
			parts[j], parts[j-1] = parts[j-1], parts[j]
		}
	}
}

func progressOf(downloaded, total int64) int {
	if total <= 0 {
		return -1
	}
	p := int(downloaded * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

func speedOf(downloaded int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return ""
	}
	bps := float64(downloaded) / elapsed.Seconds()
	switch {
	case bps >= 1<<30:
		return fmt.Sprintf("%.1f GB/s", bps/(1<<30))
	case bps >= 1<<20:
		return fmt.Sprintf("%.1f MB/s", bps/(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1f KB/s", bps/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}
