// Package ziptail parses the end-of-archive structures of a ZIP file and
// builds the suffix bytes needed to append files without rewriting the
// existing data. Only single-disk, non-ZIP64 archives are supported.
//
// archive/zip cannot express this: it needs an io.ReaderAt over the whole
// file, while the pipeline only has range reads over the last 64 KiB and
// the central directory. The records are therefore decoded by hand.
package ziptail

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var (
	ErrNotAZip                = errors.New("no end-of-central-directory signature found")
	ErrUnsupported            = errors.New("zip64 or multi-disk archives are not supported")
	ErrUnsupportedCompression = errors.New("unsupported compression method")
)

const (
	eocdSignature        = 0x06054b50
	centralDirSignature  = 0x02014b50
	localHeaderSignature = 0x04034b50

	eocdFixedSize        = 22
	centralDirFixedSize  = 46
	localHeaderFixedSize = 30

	// MaxTailSize is the largest byte range that can contain the EOCD:
	// the fixed record plus a maximal comment.
	MaxTailSize = eocdFixedSize + 0xFFFF + 1

	// Compression methods.
	MethodStored  = 0
	MethodDeflate = 8
)

// EOCD is the parsed end-of-central-directory record.
type EOCD struct {
	Offset     int64 // absolute offset of the record in the archive
	EntryCount int
	CDSize     int64
	CDOffset   int64
}

// Entry is one central directory entry. Raw holds the entry's original CD
// bytes so they can be copied verbatim into a rewritten directory.
type Entry struct {
	Name             string
	Method           uint16
	CRC32            uint32
	CompressedSize   int64
	UncompressedSize int64
	LocalOffset      int64
	Raw              []byte
}

// NewFile is a file to append to the archive. It is stored uncompressed.
type NewFile struct {
	Name string
	Data []byte
}

// Suffix is the result of AppendSuffix: the rewritten archive is
// original[0:SplitOffset] followed by Tail.
type Suffix struct {
	SplitOffset int64
	Tail        []byte
}

// RangeReader reads length bytes at an absolute archive offset.
type RangeReader func(off, length int64) ([]byte, error)

// FindEOCD scans tail, the last len(tail) bytes of an archive of
// archiveSize bytes, backwards for the EOCD record.
func FindEOCD(tail []byte, archiveSize int64) (EOCD, error) {
	if len(tail) < eocdFixedSize {
		return EOCD{}, ErrNotAZip
	}
	base := archiveSize - int64(len(tail))

	for i := len(tail) - eocdFixedSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != eocdSignature {
			continue
		}
		rec := tail[i : i+eocdFixedSize]
		commentLen := int(binary.LittleEndian.Uint16(rec[20:]))
		if i+eocdFixedSize+commentLen > len(tail) {
			continue
		}

		diskNum := binary.LittleEndian.Uint16(rec[4:])
		cdDisk := binary.LittleEndian.Uint16(rec[6:])
		diskEntries := binary.LittleEndian.Uint16(rec[8:])
		totalEntries := binary.LittleEndian.Uint16(rec[10:])
		cdSize := binary.LittleEndian.Uint32(rec[12:])
		cdOffset := binary.LittleEndian.Uint32(rec[16:])

		if diskNum == 0xFFFF || totalEntries == 0xFFFF || cdSize == 0xFFFFFFFF || cdOffset == 0xFFFFFFFF {
			return EOCD{}, ErrUnsupported
		}
		if diskNum != 0 || cdDisk != 0 || diskEntries != totalEntries {
			return EOCD{}, ErrUnsupported
		}

		return EOCD{
			Offset:     base + int64(i),
			EntryCount: int(totalEntries),
			CDSize:     int64(cdSize),
			CDOffset:   int64(cdOffset),
		}, nil
	}
	return EOCD{}, ErrNotAZip
}

// ParseCentralDirectory walks cd, the full central directory bytes, and
// returns its entries with their raw bytes preserved.
func ParseCentralDirectory(cd []byte) ([]Entry, error) {
	var entries []Entry
	off := 0
	for off < len(cd) {
		if off+centralDirFixedSize > len(cd) {
			return nil, fmt.Errorf("truncated central directory at offset %d", off)
		}
		rec := cd[off:]
		if binary.LittleEndian.Uint32(rec) != centralDirSignature {
			return nil, fmt.Errorf("bad central directory signature at offset %d", off)
		}

		nameLen := int(binary.LittleEndian.Uint16(rec[28:]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:]))
		total := centralDirFixedSize + nameLen + extraLen + commentLen
		if off+total > len(cd) {
			return nil, fmt.Errorf("truncated central directory entry at offset %d", off)
		}

		entries = append(entries, Entry{
			Name:             string(rec[centralDirFixedSize : centralDirFixedSize+nameLen]),
			Method:           binary.LittleEndian.Uint16(rec[10:]),
			CRC32:            binary.LittleEndian.Uint32(rec[16:]),
			CompressedSize:   int64(binary.LittleEndian.Uint32(rec[20:])),
			UncompressedSize: int64(binary.LittleEndian.Uint32(rec[24:])),
			LocalOffset:      int64(binary.LittleEndian.Uint32(rec[42:])),
			Raw:              cd[off : off+total],
		})
		off += total
	}
	return entries, nil
}

// ReadEntryData reads and decompresses one entry's data through read.
// The compressed size comes from the central directory, not the local
// header, so entries written with data descriptors still resolve.
func ReadEntryData(e Entry, read RangeReader) ([]byte, error) {
	header, err := read(e.LocalOffset, localHeaderFixedSize)
	if err != nil {
		return nil, err
	}
	if len(header) < localHeaderFixedSize || binary.LittleEndian.Uint32(header) != localHeaderSignature {
		return nil, fmt.Errorf("bad local header for %q at offset %d", e.Name, e.LocalOffset)
	}
	nameLen := int64(binary.LittleEndian.Uint16(header[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(header[28:]))

	dataOff := e.LocalOffset + localHeaderFixedSize + nameLen + extraLen
	data, err := read(dataOff, e.CompressedSize)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != e.CompressedSize {
		return nil, fmt.Errorf("short read for %q: got %d of %d bytes", e.Name, len(data), e.CompressedSize)
	}

	switch e.Method {
	case MethodStored:
		return data, nil
	case MethodDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("inflate %q: %w", e.Name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: method %d for %q", ErrUnsupportedCompression, e.Method, e.Name)
	}
}

// AppendSuffix builds the bytes to append after eocd.CDOffset so that the
// archive gains files. Existing central directory entries are reused
// verbatim; new files use stored (uncompressed) entries.
func AppendSuffix(entries []Entry, eocd EOCD, files []NewFile) (Suffix, error) {
	if eocd.EntryCount+len(files) > 0xFFFE {
		return Suffix{}, fmt.Errorf("%w: entry count overflow", ErrUnsupported)
	}

	var tail bytes.Buffer
	newCD := make([]bytes.Buffer, 0, len(files))
	localOff := eocd.CDOffset

	for _, f := range files {
		if int64(len(f.Data)) >= 0xFFFFFFFF {
			return Suffix{}, fmt.Errorf("%w: appended file %q too large", ErrUnsupported, f.Name)
		}
		crc := crc32.ChecksumIEEE(f.Data)
		name := []byte(f.Name)
		size := uint32(len(f.Data))

		var local [localHeaderFixedSize]byte
		binary.LittleEndian.PutUint32(local[0:], localHeaderSignature)
		binary.LittleEndian.PutUint16(local[4:], 20) // version needed
		binary.LittleEndian.PutUint16(local[8:], MethodStored)
		binary.LittleEndian.PutUint32(local[14:], crc)
		binary.LittleEndian.PutUint32(local[18:], size)
		binary.LittleEndian.PutUint32(local[22:], size)
		binary.LittleEndian.PutUint16(local[26:], uint16(len(name)))
		tail.Write(local[:])
		tail.Write(name)
		tail.Write(f.Data)

		var cd bytes.Buffer
		var fixed [centralDirFixedSize]byte
		binary.LittleEndian.PutUint32(fixed[0:], centralDirSignature)
		binary.LittleEndian.PutUint16(fixed[4:], 20) // version made by
		binary.LittleEndian.PutUint16(fixed[6:], 20) // version needed
		binary.LittleEndian.PutUint16(fixed[10:], MethodStored)
		binary.LittleEndian.PutUint32(fixed[16:], crc)
		binary.LittleEndian.PutUint32(fixed[20:], size)
		binary.LittleEndian.PutUint32(fixed[24:], size)
		binary.LittleEndian.PutUint16(fixed[28:], uint16(len(name)))
		binary.LittleEndian.PutUint32(fixed[42:], uint32(localOff))
		cd.Write(fixed[:])
		cd.Write(name)
		newCD = append(newCD, cd)

		localOff += int64(localHeaderFixedSize + len(name) + len(f.Data))
	}

	// Old CD entries, byte-identical, followed by the new ones.
	cdStart := localOff
	cdSize := int64(0)
	for _, e := range entries {
		tail.Write(e.Raw)
		cdSize += int64(len(e.Raw))
	}
	for i := range newCD {
		tail.Write(newCD[i].Bytes())
		cdSize += int64(newCD[i].Len())
	}

	count := uint16(eocd.EntryCount + len(files))
	var rec [eocdFixedSize]byte
	binary.LittleEndian.PutUint32(rec[0:], eocdSignature)
	binary.LittleEndian.PutUint16(rec[8:], count)
	binary.LittleEndian.PutUint16(rec[10:], count)
	binary.LittleEndian.PutUint32(rec[12:], uint32(cdSize))
	binary.LittleEndian.PutUint32(rec[16:], uint32(cdStart))
	tail.Write(rec[:])

	return Suffix{SplitOffset: eocd.CDOffset, Tail: tail.Bytes()}, nil
}
