// Package inject rewrites the tail of a stored IPA to add DRM signature
// files and optional store metadata, without ever reading the whole
// archive. The prefix is copied between distinct keys because the blob
// store throttles reads against a key that is being written.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"howett.net/plist"

	"airlift/internal/blob"
	"airlift/internal/ziptail"
)

var ErrMissingBundle = errors.New("no .app bundle found in archive")

var bundlePattern = regexp.MustCompile(`^Payload/([^/]+)\.app/`)

const defaultCopyPartSize = 50 << 20

// Injector appends SINF blobs and iTunesMetadata to published artifacts.
type Injector struct {
	blobs blob.Store
	log   *slog.Logger

	// CopyPartSize is the prefix copy chunk, overridable in tests.
	CopyPartSize int64
}

func NewInjector(blobs blob.Store, log *slog.Logger) *Injector {
	return &Injector{blobs: blobs, log: log, CopyPartSize: defaultCopyPartSize}
}

// Run injects sinfs (ordered by their index) and metadata (raw XML plist,
// may be nil) into the archive at key, replacing the object in place via
// a temp sibling key.
func (i *Injector) Run(ctx context.Context, key string, sinfs [][]byte, metadata []byte) error {
	info, err := i.blobs.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("head artifact: %w", err)
	}

	tailLen := int64(ziptail.MaxTailSize)
	if info.Size < tailLen {
		tailLen = info.Size
	}
	tail, err := i.blobs.GetRange(ctx, key, info.Size-tailLen, tailLen)
	if err != nil {
		return fmt.Errorf("read archive tail: %w", err)
	}
	eocd, err := ziptail.FindEOCD(tail, info.Size)
	if err != nil {
		return err
	}
	cd, err := i.blobs.GetRange(ctx, key, eocd.CDOffset, eocd.CDSize)
	if err != nil {
		return fmt.Errorf("read central directory: %w", err)
	}
	entries, err := ziptail.ParseCentralDirectory(cd)
	if err != nil {
		return err
	}

	bundle, err := findBundleName(entries)
	if err != nil {
		return err
	}

	read := func(off, length int64) ([]byte, error) {
		return i.blobs.GetRange(ctx, key, off, length)
	}

	files, err := i.buildFiles(entries, read, bundle, sinfs, metadata)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	suffix, err := ziptail.AppendSuffix(entries, eocd, files)
	if err != nil {
		return err
	}

	tempKey := key + ".new"
	if err := i.writeRewritten(ctx, key, tempKey, suffix); err != nil {
		return err
	}

	// Swap: read the temp object back under the published key, then drop
	// the temp. The key is not served until the task completes, so no CAS
	// is needed.
	newInfo, err := i.blobs.Head(ctx, tempKey)
	if err != nil {
		return fmt.Errorf("head temp object: %w", err)
	}
	data, err := i.blobs.GetRange(ctx, tempKey, 0, newInfo.Size)
	if err != nil {
		return fmt.Errorf("read temp object: %w", err)
	}
	if err := i.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("publish rewritten artifact: %w", err)
	}
	if err := i.blobs.DeleteBatch(ctx, []string{tempKey}); err != nil {
		// The janitor reaps stragglers.
		i.log.Warn("delete temp object failed", "key", tempKey, "err", err)
	}
	return nil
}

// findBundleName returns the first .app bundle under Payload/ that is not
// a watch extension.
func findBundleName(entries []ziptail.Entry) (string, error) {
	for _, e := range entries {
		if strings.Contains(e.Name, "/Watch/") {
			continue
		}
		if m := bundlePattern.FindStringSubmatch(e.Name); m != nil {
			return m[1], nil
		}
	}
	return "", ErrMissingBundle
}

func (i *Injector) buildFiles(entries []ziptail.Entry, read ziptail.RangeReader, bundle string, sinfs [][]byte, metadata []byte) ([]ziptail.NewFile, error) {
	var files []ziptail.NewFile

	if len(sinfs) > 0 {
		paths, err := i.sinfPaths(entries, read, bundle)
		if err != nil {
			return nil, err
		}
		n := len(paths)
		if len(sinfs) < n {
			n = len(sinfs)
		}
		for idx := 0; idx < n; idx++ {
			files = append(files, ziptail.NewFile{
				Name: fmt.Sprintf("Payload/%s.app/%s", bundle, paths[idx]),
				Data: sinfs[idx],
			})
		}
	}

	if len(metadata) > 0 {
		files = append(files, ziptail.NewFile{
			Name: "iTunesMetadata.plist",
			Data: i.metadataBytes(metadata),
		})
	}
	return files, nil
}

// sinfPaths resolves where the SINF blobs belong inside the bundle:
// SC_Info/Manifest.plist's SinfPaths when present, otherwise a single
// path named after CFBundleExecutable.
func (i *Injector) sinfPaths(entries []ziptail.Entry, read ziptail.RangeReader, bundle string) ([]string, error) {
	manifestName := fmt.Sprintf("Payload/%s.app/SC_Info/Manifest.plist", bundle)
	if e, ok := findEntry(entries, manifestName); ok {
		data, err := ziptail.ReadEntryData(e, read)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", manifestName, err)
		}
		var manifest struct {
			SinfPaths []string `plist:"SinfPaths"`
		}
		if _, err := plist.Unmarshal(data, &manifest); err != nil {
			i.log.Warn("manifest plist unparsable, falling back to Info.plist", "err", err)
		} else if len(manifest.SinfPaths) > 0 {
			return manifest.SinfPaths, nil
		}
	}

	infoName := fmt.Sprintf("Payload/%s.app/Info.plist", bundle)
	e, ok := findEntry(entries, infoName)
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrMissingBundle, infoName)
	}
	data, err := ziptail.ReadEntryData(e, read)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", infoName, err)
	}
	var info struct {
		CFBundleExecutable string `plist:"CFBundleExecutable"`
	}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", infoName, err)
	}
	if info.CFBundleExecutable == "" {
		return nil, fmt.Errorf("%s has no CFBundleExecutable", infoName)
	}
	return []string{fmt.Sprintf("SC_Info/%s.sinf", info.CFBundleExecutable)}, nil
}

// metadataBytes converts the XML metadata plist to binary form. A parse
// or conversion failure keeps the raw XML; it must not fail the task.
func (i *Injector) metadataBytes(metadata []byte) []byte {
	var v any
	if _, err := plist.Unmarshal(metadata, &v); err != nil {
		i.log.Warn("metadata plist unparsable, storing raw XML", "err", err)
		return metadata
	}
	bin, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		i.log.Warn("metadata plist conversion failed, storing raw XML", "err", err)
		return metadata
	}
	return bin
}

// writeRewritten assembles prefix[0:splitOffset] ++ tail under tempKey.
// All non-final parts are the same size (blob store requirement), so the
// last prefix remainder is folded into the final part together with the
// tail.
func (i *Injector) writeRewritten(ctx context.Context, key, tempKey string, suffix ziptail.Suffix) error {
	uploadID, err := i.blobs.CreateMultipartUpload(ctx, tempKey)
	if err != nil {
		return err
	}
	abort := func(cause error) error {
		if err := i.blobs.AbortMultipartUpload(context.WithoutCancel(ctx), tempKey, uploadID); err != nil {
			i.log.Warn("abort rewrite upload failed", "key", tempKey, "err", err)
		}
		return cause
	}

	var parts []blob.CompletedPart
	partNumber := int32(0)
	upload := func(data []byte) error {
		partNumber++
		part, err := i.blobs.UploadPart(ctx, tempKey, uploadID, partNumber, data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	}

	fullParts := suffix.SplitOffset / i.CopyPartSize
	for p := int64(0); p < fullParts; p++ {
		data, err := i.blobs.GetRange(ctx, key, p*i.CopyPartSize, i.CopyPartSize)
		if err != nil {
			return abort(fmt.Errorf("copy prefix: %w", err))
		}
		if err := upload(data); err != nil {
			return abort(err)
		}
	}

	final := suffix.Tail
	if rem := suffix.SplitOffset % i.CopyPartSize; rem > 0 {
		data, err := i.blobs.GetRange(ctx, key, fullParts*i.CopyPartSize, rem)
		if err != nil {
			return abort(fmt.Errorf("copy prefix remainder: %w", err))
		}
		final = append(data, suffix.Tail...)
	}
	if err := upload(final); err != nil {
		return abort(err)
	}

	if err := i.blobs.CompleteMultipartUpload(ctx, tempKey, uploadID, parts); err != nil {
		return abort(err)
	}
	return nil
}

func findEntry(entries []ziptail.Entry, name string) (ziptail.Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return ziptail.Entry{}, false
}
