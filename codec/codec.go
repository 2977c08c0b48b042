// Package codec serializes entity records to and from fixed-width byte
// slots.
//
// # Slot Layout (Little Endian)
//
//	Offset  Size  Field
//	0x00    1     Tombstone (0x00 live, 0x01 deleted)
//	0x01    4     Id (int32)
//	0x05    ...   Data fields, in declared order, widths per schema
//
// Nullable fields prepend a one-byte null flag (1 = null, 0 = present) to
// the value bytes; the value bytes stay zero when the field is null.
//
// Strings are UTF-8, zero-padded to their declared capacity. A value that
// exceeds the capacity is truncated at the greatest character boundary that
// still fits, so a stored string never ends mid-codepoint. This is the only
// lossy operation in the engine and it is performed silently.
//
// Timestamps are stored as a 64-bit count of 100ns intervals since
// 0001-01-01 00:00:00 UTC, normalized to UTC on write and marked UTC on
// read. Decimals use the four-word layout: 96-bit coefficient in three
// little-endian 32-bit words (lo, mid, hi) followed by a flags word holding
// the scale in bits 16-23 and the sign in bit 31.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"minidb/schema"
)

// Tombstone byte values of a record slot.
const (
	TombstoneLive    = 0x00
	TombstoneDeleted = 0x01
)

var (
	// ErrShortBuffer is returned when the supplied slot is smaller than
	// the entity's record width.
	ErrShortBuffer = errors.New("buffer shorter than record width")

	// ErrDecimalRange is returned when a decimal value cannot be
	// represented in the 96-bit coefficient / scale 0-28 wire layout.
	ErrDecimalRange = errors.New("decimal value out of range")
)

// Ticks between 0001-01-01T00:00:00Z and the Unix epoch, at 100ns each.
const unixEpochTicks = 621355968000000000

const ticksPerSecond = 10_000_000

// Encode serializes one entity into buf. The entity must be a pointer to
// the struct type meta was built from; buf must hold at least
// meta.RecordWidth bytes. The tombstone byte is always written live.
func Encode(meta *schema.Meta, entity interface{}, buf []byte) error {
	if len(buf) < meta.RecordWidth {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), meta.RecordWidth)
	}
	buf = buf[:meta.RecordWidth]
	for i := range buf {
		buf[i] = 0
	}

	rv := reflect.ValueOf(entity).Elem()
	buf[0] = TombstoneLive
	binary.LittleEndian.PutUint32(buf[1:5], uint32(rv.Field(meta.IDIndex).Int()))

	offset := schema.TombstoneWidth + schema.IDWidth
	for _, f := range meta.Fields {
		fv := rv.Field(f.Index)
		valueWidth := f.Width
		if f.Nullable {
			valueWidth--
			if fv.IsNil() {
				buf[offset] = 1
				offset += f.Width
				continue
			}
			buf[offset] = 0
			offset++
			fv = fv.Elem()
		}
		if err := encodeValue(f, fv, buf[offset:offset+valueWidth]); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		offset += valueWidth
	}
	return nil
}

// Decode deserializes one slot into a new entity and returns it as a
// pointer to the struct type meta was built from. The tombstone byte is
// not interpreted here; callers skip tombstoned slots before decoding.
func Decode(meta *schema.Meta, buf []byte) (interface{}, error) {
	if len(buf) < meta.RecordWidth {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), meta.RecordWidth)
	}

	entity := reflect.New(meta.Type)
	rv := entity.Elem()
	rv.Field(meta.IDIndex).SetInt(int64(int32(binary.LittleEndian.Uint32(buf[1:5]))))

	offset := schema.TombstoneWidth + schema.IDWidth
	for _, f := range meta.Fields {
		valueWidth := f.Width
		if f.Nullable {
			valueWidth--
			null := buf[offset] != 0
			offset++
			if null {
				offset += valueWidth
				continue
			}
		}
		value, err := decodeValue(f.Kind, buf[offset:offset+valueWidth])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		offset += valueWidth

		fv := rv.Field(f.Index)
		if f.Nullable {
			ptr := reflect.New(f.Type)
			assign(ptr.Elem(), f, value)
			fv.Set(ptr)
		} else {
			assign(fv, f, value)
		}
	}
	return entity.Interface(), nil
}

// assign stores a decoded value into a struct field, converting through
// the field's named type so enums land in their declared type.
func assign(fv reflect.Value, f schema.Field, value interface{}) {
	fv.Set(reflect.ValueOf(value).Convert(f.Type))
}

func encodeValue(f schema.Field, fv reflect.Value, buf []byte) error {
	switch f.Kind {
	case schema.KindInt32, schema.KindEnum:
		binary.LittleEndian.PutUint32(buf, uint32(fv.Int()))
	case schema.KindBool:
		if fv.Bool() {
			buf[0] = 1
		}
	case schema.KindDecimal:
		return encodeDecimal(fv.Interface().(decimal.Decimal), buf)
	case schema.KindDateTime:
		binary.LittleEndian.PutUint64(buf, uint64(timeToTicks(fv.Interface().(time.Time))))
	case schema.KindString:
		encodeString(fv.String(), buf)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind)
	}
	return nil
}

func decodeValue(kind schema.FieldKind, buf []byte) (interface{}, error) {
	switch kind {
	case schema.KindInt32, schema.KindEnum:
		return int32(binary.LittleEndian.Uint32(buf)), nil
	case schema.KindBool:
		return buf[0] != 0, nil
	case schema.KindDecimal:
		return decodeDecimal(buf), nil
	case schema.KindDateTime:
		return ticksToTime(int64(binary.LittleEndian.Uint64(buf))), nil
	case schema.KindString:
		return decodeString(buf), nil
	default:
		return nil, fmt.Errorf("unsupported field kind %s", kind)
	}
}

// encodeString writes s into buf, zero-padded, truncating at the greatest
// UTF-8 character boundary that fits.
func encodeString(s string, buf []byte) {
	n := len(s)
	if n > len(buf) {
		n = len(buf)
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
	}
	copy(buf, s[:n])
}

// decodeString takes bytes up to, but not including, the first NUL.
func decodeString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// timeToTicks converts a time to 100ns ticks since 0001-01-01 UTC,
// normalizing to UTC first.
func timeToTicks(t time.Time) int64 {
	t = t.UTC()
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond())/100 + unixEpochTicks
}

// ticksToTime converts stored ticks back to a UTC time.
func ticksToTime(ticks int64) time.Time {
	delta := ticks - unixEpochTicks
	sec := delta / ticksPerSecond
	rem := delta % ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}

// encodeDecimal writes d in the four-word wire layout. Values whose
// coefficient exceeds 96 bits, or that need a scale outside 0-28, are
// rejected rather than silently rounded.
func encodeDecimal(d decimal.Decimal, buf []byte) error {
	coeff := d.Coefficient()
	scale := int(-d.Exponent())
	if scale < 0 {
		// Positive exponent: fold it into the coefficient.
		coeff = new(big.Int).Mul(coeff, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-scale)), nil))
		scale = 0
	}
	if scale > 28 {
		return fmt.Errorf("%w: scale %d exceeds 28", ErrDecimalRange, scale)
	}

	negative := coeff.Sign() < 0
	abs := new(big.Int).Abs(coeff)
	if abs.BitLen() > 96 {
		return fmt.Errorf("%w: coefficient exceeds 96 bits", ErrDecimalRange)
	}

	var words [12]byte // 96-bit coefficient, big-endian
	abs.FillBytes(words[:])

	binary.LittleEndian.PutUint32(buf[0:4], binary.BigEndian.Uint32(words[8:12]))  // lo
	binary.LittleEndian.PutUint32(buf[4:8], binary.BigEndian.Uint32(words[4:8]))   // mid
	binary.LittleEndian.PutUint32(buf[8:12], binary.BigEndian.Uint32(words[0:4]))  // hi
	flags := uint32(scale) << 16
	if negative {
		flags |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	return nil
}

// decodeDecimal reads the four-word wire layout back into a decimal.
func decodeDecimal(buf []byte) decimal.Decimal {
	var words [12]byte
	binary.BigEndian.PutUint32(words[8:12], binary.LittleEndian.Uint32(buf[0:4]))
	binary.BigEndian.PutUint32(words[4:8], binary.LittleEndian.Uint32(buf[4:8]))
	binary.BigEndian.PutUint32(words[0:4], binary.LittleEndian.Uint32(buf[8:12]))
	flags := binary.LittleEndian.Uint32(buf[12:16])

	coeff := new(big.Int).SetBytes(words[:])
	if flags&(1<<31) != 0 {
		coeff.Neg(coeff)
	}
	scale := int32((flags >> 16) & 0xFF)
	return decimal.NewFromBigInt(coeff, -scale)
}
