// Package blob abstracts the artifact object store. The pipeline needs
// random-access range reads against one key while a distinct key is being
// written, so implementations must not serialize reads behind writes of
// other keys.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ListPage is one page of a prefix listing. NextCursor is empty on the
// last page.
type ListPage struct {
	Objects    []ObjectInfo
	NextCursor string
}

// Store is the object-store surface the pipeline and janitor depend on.
type Store interface {
	// GetRange reads length bytes starting at off. A length that runs past
	// the end of the object returns the available suffix.
	GetRange(ctx context.Context, key string, off, length int64) ([]byte, error)

	// Head returns size and etag without reading the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Open streams the whole object. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Put stores data under key in one shot, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// CreateMultipartUpload starts a multipart upload and returns its id.
	CreateMultipartUpload(ctx context.Context, key string) (string, error)

	// UploadPart uploads one part. Part numbers start at 1.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (CompletedPart, error)

	// CompleteMultipartUpload assembles the object. Parts must be sorted by
	// part number.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards all uploaded parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// List returns a page of objects under prefix starting at cursor.
	List(ctx context.Context, prefix, cursor string) (ListPage, error)

	// DeleteBatch removes up to an implementation-defined batch of keys.
	// Missing keys are not an error.
	DeleteBatch(ctx context.Context, keys []string) error
}

// ListAll drains every page of a prefix listing.
func ListAll(ctx context.Context, s Store, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	cursor := ""
	for {
		page, err := s.List(ctx, prefix, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
