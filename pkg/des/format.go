// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package des implements the DES v1 container format: an append-only,
// self-describing archive that packs many small files into one object.
//
// A container is a single octet stream with four regions in fixed order:
// HEADER, DATA, META, INDEX, FOOTER. All integers are little-endian and all
// offsets are absolute from the start of the stream. The footer occupies the
// trailing 80 bytes, so reading the tail of an object is enough to locate
// the index.
package des

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/errs"
)

// Format constants.
const (
	// Version is the only container version this package reads or writes.
	Version = 1

	// HeaderSize is the fixed size of the HEADER region.
	HeaderSize = 16

	// FooterSize is the fixed size of the FOOTER region.
	FooterSize = 80

	// MaxNameLength is the longest permitted file name, in bytes.
	MaxNameLength = 65535

	entryFixedSize = 40 // index entry minus the embedded name

	headerMagic = "DESHEAD1"
	footerMagic = "DESFOOT1"
)

// Index entry flag bits. All bits other than FlagExternal are reserved and
// must be zero in v1.
const (
	// FlagExternal marks an entry whose bytes live outside the container,
	// in the sidecar big-file area.
	FlagExternal uint32 = 1 << 0
)

// Error classes.
var (
	// Error is the default des error class.
	Error = errs.Class("des")

	// ErrCorrupt is returned for containers with bad magic, bad offsets,
	// truncated regions, or an unknown version.
	ErrCorrupt = errs.Class("corrupt container")

	// ErrNameConflict is returned when adding a name that already exists
	// within the container.
	ErrNameConflict = errs.Class("name conflict")

	// ErrInvalidName is returned when a file name fails validation.
	ErrInvalidName = errs.Class("invalid name")

	// ErrNotFound is returned when a requested name is absent.
	ErrNotFound = errs.Class("file not found")
)

// Entry is a single parsed index entry.
type Entry struct {
	Name       string
	DataOffset uint64
	DataLength uint64
	MetaOffset uint64
	MetaLength uint32
	Flags      uint32
}

// External reports whether the entry's bytes live in the sidecar area.
func (e Entry) External() bool { return e.Flags&FlagExternal != 0 }

// Size returns the encoded size of the entry in the INDEX region.
func (e Entry) Size() int { return 2 + len(e.Name) + entryFixedSize }

// Footer holds the parsed FOOTER region.
type Footer struct {
	DataStart   uint64
	DataLength  uint64
	MetaStart   uint64
	MetaLength  uint64
	IndexStart  uint64
	IndexLength uint64
	FileCount   uint64
	Version     uint16
}

// FooterStart returns the absolute offset of the FOOTER region.
func (f Footer) FooterStart() uint64 { return f.IndexStart + f.IndexLength }

// ContainerSize returns the total size of a container with this footer.
func (f Footer) ContainerSize() uint64 { return f.FooterStart() + FooterSize }

// Encode serializes the footer into its fixed 80-byte layout.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.DataStart)
	binary.LittleEndian.PutUint64(buf[8:16], f.DataLength)
	binary.LittleEndian.PutUint64(buf[16:24], f.MetaStart)
	binary.LittleEndian.PutUint64(buf[24:32], f.MetaLength)
	binary.LittleEndian.PutUint64(buf[32:40], f.IndexStart)
	binary.LittleEndian.PutUint64(buf[40:48], f.IndexLength)
	binary.LittleEndian.PutUint64(buf[48:56], f.FileCount)
	binary.LittleEndian.PutUint16(buf[56:58], f.Version)
	// bytes 58..72 are reserved padding
	copy(buf[72:80], footerMagic)
	return buf
}

// ParseFooter parses and validates the trailing 80 bytes of a container.
// The caller is expected to check the footer against the object size with
// Validate before trusting its offsets.
func ParseFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, ErrCorrupt.New("footer is %d bytes, want %d", len(buf), FooterSize)
	}
	if string(buf[72:80]) != footerMagic {
		return Footer{}, ErrCorrupt.New("bad footer magic")
	}
	for _, b := range buf[58:72] {
		if b != 0 {
			return Footer{}, ErrCorrupt.New("footer padding is not zero")
		}
	}

	f := Footer{
		DataStart:   binary.LittleEndian.Uint64(buf[0:8]),
		DataLength:  binary.LittleEndian.Uint64(buf[8:16]),
		MetaStart:   binary.LittleEndian.Uint64(buf[16:24]),
		MetaLength:  binary.LittleEndian.Uint64(buf[24:32]),
		IndexStart:  binary.LittleEndian.Uint64(buf[32:40]),
		IndexLength: binary.LittleEndian.Uint64(buf[40:48]),
		FileCount:   binary.LittleEndian.Uint64(buf[48:56]),
		Version:     binary.LittleEndian.Uint16(buf[56:58]),
	}

	if f.Version != Version {
		return Footer{}, ErrCorrupt.New("unsupported version %d", f.Version)
	}
	if f.DataStart != HeaderSize {
		return Footer{}, ErrCorrupt.New("data region starts at %d, want %d", f.DataStart, HeaderSize)
	}
	if f.MetaStart != f.DataStart+f.DataLength {
		return Footer{}, ErrCorrupt.New("meta region misplaced")
	}
	if f.IndexStart != f.MetaStart+f.MetaLength {
		return Footer{}, ErrCorrupt.New("index region misplaced")
	}
	return f, nil
}

// Validate checks the footer against the total size of the object it was
// read from.
func (f Footer) Validate(objectSize int64) error {
	if objectSize < 0 || f.ContainerSize() != uint64(objectSize) {
		return ErrCorrupt.New("footer does not terminate the object: footer end %d, object size %d",
			f.ContainerSize(), objectSize)
	}
	return nil
}

// EncodeHeader returns the fixed 16-byte HEADER region.
func EncodeHeader() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], headerMagic)
	binary.LittleEndian.PutUint16(buf[8:10], Version)
	// bytes 10..16 are reserved padding
	return buf
}

// ParseHeader verifies the HEADER region. Consumers refuse any stream whose
// version is newer than what this package understands.
func ParseHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrCorrupt.New("header is %d bytes, want %d", len(buf), HeaderSize)
	}
	if string(buf[0:8]) != headerMagic {
		return ErrCorrupt.New("bad header magic")
	}
	if v := binary.LittleEndian.Uint16(buf[8:10]); v > Version {
		return ErrCorrupt.New("unsupported version %d", v)
	}
	return nil
}

// AppendEntry encodes a single index entry onto buf.
func AppendEntry(buf []byte, e Entry) []byte {
	var tmp [8]byte

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(e.Name)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, e.Name...)

	binary.LittleEndian.PutUint64(tmp[:], e.DataOffset)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.DataLength)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.MetaOffset)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:4], e.MetaLength)
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], e.Flags)
	buf = append(buf, tmp[:4]...)
	buf = append(buf, make([]byte, 8)...) // reserved
	return buf
}

// ParseIndex decodes the INDEX region. Entries are variable length because
// the name is embedded, so the region is scanned sequentially.
func ParseIndex(buf []byte, fileCount uint64) ([]Entry, error) {
	entries := make([]Entry, 0, fileCount)
	p := 0
	for p < len(buf) {
		if p+2 > len(buf) {
			return nil, ErrCorrupt.New("truncated index entry")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[p : p+2]))
		p += 2
		if p+nameLen+entryFixedSize > len(buf) {
			return nil, ErrCorrupt.New("truncated index entry")
		}
		name := string(buf[p : p+nameLen])
		p += nameLen

		e := Entry{
			Name:       name,
			DataOffset: binary.LittleEndian.Uint64(buf[p : p+8]),
			DataLength: binary.LittleEndian.Uint64(buf[p+8 : p+16]),
			MetaOffset: binary.LittleEndian.Uint64(buf[p+16 : p+24]),
			MetaLength: binary.LittleEndian.Uint32(buf[p+24 : p+28]),
			Flags:      binary.LittleEndian.Uint32(buf[p+28 : p+32]),
		}
		p += entryFixedSize
		entries = append(entries, e)
	}
	if uint64(len(entries)) != fileCount {
		return nil, ErrCorrupt.New("index holds %d entries, footer says %d", len(entries), fileCount)
	}
	return entries, nil
}

// ValidateName checks a file name against the container naming rules:
// nonempty, valid UTF-8 without NUL, at most MaxNameLength bytes, no
// path-traversal elements, no leading or trailing whitespace.
func ValidateName(name string) error {
	switch {
	case name == "":
		return ErrInvalidName.New("name is empty")
	case len(name) > MaxNameLength:
		return ErrInvalidName.New("name is %d bytes, max %d", len(name), MaxNameLength)
	case !utf8.ValidString(name):
		return ErrInvalidName.New("name is not valid UTF-8")
	case strings.ContainsRune(name, 0):
		return ErrInvalidName.New("name contains NUL")
	case strings.TrimSpace(name) != name:
		return ErrInvalidName.New("name has leading or trailing whitespace")
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return ErrInvalidName.New("name contains a path-traversal element")
		}
	}
	return nil
}
