// Package storage implements the minidb single-file binary format and the
// serialized write path that mutates it.
//
// # File Structure
//
//	+------------------+ 0x000
//	|      Header      | 256 bytes
//	+------------------+ 0x100
//	|  Table Metadata  | TableCount * 128 bytes
//	+------------------+
//	|   Table Data     | One region per table, in metadata order,
//	|     Regions      | each RecordCount * RecordWidth bytes
//	+------------------+
//
// Records occupy fixed-width slots addressed by (Id - 1) within their
// table's region. A slot's first byte is its tombstone: 0x00 live, 0x01
// deleted. Deletion overwrites only that byte; the slot is never reclaimed.
//
// All writes to a file flow through a single-consumer WriteQueue; reads
// open the file independently with shared read access.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"minidb/schema"
)

const (
	// Magic identifies a minidb file.
	Magic = "MDB1"

	// FormatVersion is the only on-disk version this engine reads or
	// writes.
	FormatVersion uint16 = 1

	// HeaderSize is the fixed size of the file header in bytes.
	HeaderSize = 256

	// TableMetaSize is the size of each table metadata slot.
	TableMetaSize = 128
)

var (
	// ErrInvalidFormat is returned when the file magic number doesn't match.
	ErrInvalidFormat = errors.New("invalid file format")

	// ErrUnsupportedVersion is returned when the format version is not 1.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrNotFound is returned when a modify or delete references a slot
	// that has never been written.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownTable is returned when an operation names a table the
	// file does not contain.
	ErrUnknownTable = errors.New("unknown table")
)

// Header is the fixed 256-byte block at the start of every file.
//
// # Binary Layout (Little Endian)
//
//	Offset  Size  Field
//	0x00    4     Magic "MDB1" (ASCII)
//	0x04    2     Version (int16, = 1)
//	0x06    2     TableCount (int16)
//	0x08    248   Reserved (zero)
type Header struct {
	Version    uint16
	TableCount uint16
}

// Write serializes the header as a fixed 256-byte block.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.TableCount)
	_, err := w.Write(buf)
	return err
}

// Read deserializes and validates the header.
//
// Returns:
//   - ErrInvalidFormat if the magic number doesn't match
//   - ErrUnsupportedVersion if the version is not 1
//   - io.ErrUnexpectedEOF if the header is incomplete
func (h *Header) Read(r io.Reader) error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidFormat
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.TableCount = binary.LittleEndian.Uint16(buf[6:8])
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return nil
}

// TableMeta is one 128-byte table metadata slot.
//
// # Binary Layout (Little Endian)
//
//	Offset  Size  Field
//	0x00    64    Name (UTF-8, zero-padded)
//	0x40    4     RecordCount (int32)
//	0x44    4     RecordWidth (int32)
//	0x48    8     DataStart (int64)
//	0x50    48    Reserved (zero)
//
// RecordCount equals the highest slot index ever written plus one;
// tombstoned slots still count.
type TableMeta struct {
	Name        string
	RecordCount int32
	RecordWidth int32
	DataStart   int64
}

// Write serializes the metadata slot as a fixed 128-byte block.
func (tm *TableMeta) Write(w io.Writer) error {
	if len(tm.Name) > schema.MaxTableNameBytes {
		return fmt.Errorf("%w: table name %q exceeds %d bytes", schema.ErrConfiguration, tm.Name, schema.MaxTableNameBytes)
	}
	buf := make([]byte, TableMetaSize)
	copy(buf[0:64], tm.Name)
	binary.LittleEndian.PutUint32(buf[64:68], uint32(tm.RecordCount))
	binary.LittleEndian.PutUint32(buf[68:72], uint32(tm.RecordWidth))
	binary.LittleEndian.PutUint64(buf[72:80], uint64(tm.DataStart))
	_, err := w.Write(buf)
	return err
}

// Read deserializes one metadata slot.
func (tm *TableMeta) Read(r io.Reader) error {
	buf := make([]byte, TableMetaSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	name := buf[0:64]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	tm.Name = string(name)
	tm.RecordCount = int32(binary.LittleEndian.Uint32(buf[64:68]))
	tm.RecordWidth = int32(binary.LittleEndian.Uint32(buf[68:72]))
	tm.DataStart = int64(binary.LittleEndian.Uint64(buf[72:80]))
	return nil
}

// TableMetaOffset returns the file offset of a table's metadata slot.
func TableMetaOffset(index int) int64 {
	return HeaderSize + int64(index)*TableMetaSize
}
