// Package schema computes the persisted layout of entity types.
//
// Given an entity struct type, the package enumerates its exported fields,
// assigns each a fixed byte width, and derives the total record width. The
// result is cached per type for the life of the process and is immutable
// after construction, so it can be shared between goroutines without locks.
//
// # Supported field types
//
//	Type                      Width  Representation
//	int32                     4      little-endian two's complement
//	bool                      1      0x00 false, non-zero true
//	decimal.Decimal           16     four little-endian 32-bit words
//	time.Time                 8      100ns ticks since 0001-01-01 UTC
//	named int32 (enum)        4      underlying integer little-endian
//	string                    N      declared max byte length, zero-padded
//
// Pointer variants of every type are nullable and prepend a one-byte null
// flag to the value width. String fields must declare a capacity through
// the struct tag `minidb:"maxlen=N"`; `minidb:"-"` excludes a field from
// persistence.
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrConfiguration is returned when an entity type or table declaration
// cannot be mapped to a persisted layout.
var ErrConfiguration = errors.New("invalid schema configuration")

// Fixed widths of the non-string field kinds, excluding the null flag.
const (
	Int32Width    = 4
	BoolWidth     = 1
	DecimalWidth  = 16
	DateTimeWidth = 8
	EnumWidth     = 4

	// TombstoneWidth and IDWidth prefix every record slot.
	TombstoneWidth = 1
	IDWidth        = 4

	// MaxTableNameBytes is the capacity of a table name in the file's
	// metadata region.
	MaxTableNameBytes = 64
)

// FieldKind identifies the wire representation of a field.
type FieldKind int

const (
	KindInt32 FieldKind = iota
	KindBool
	KindDecimal
	KindDateTime
	KindEnum
	KindString
)

// String returns the string representation of a field kind.
func (k FieldKind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindBool:
		return "bool"
	case KindDecimal:
		return "decimal"
	case KindDateTime:
		return "datetime"
	case KindEnum:
		return "enum"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Field describes one persisted field of an entity type.
type Field struct {
	Name     string       // Struct field name
	Kind     FieldKind    // Wire representation
	Nullable bool         // Pointer field with a leading null flag byte
	MaxLen   int          // Declared byte capacity (string fields only)
	Width    int          // Total on-disk width including the null flag
	Index    int          // Struct field index for reflect access
	Type     reflect.Type // Backing type with any pointer stripped
}

// Meta is the persisted layout of one entity type. Field order matches the
// declared struct field order. Meta values are immutable once built.
type Meta struct {
	Type        reflect.Type // Entity struct type (not a pointer)
	Fields      []Field      // Persisted data fields, in declaration order
	IDIndex     int          // Struct index of the Id field
	RecordWidth int          // tombstone + Id + all field widths
}

var (
	decimalType = reflect.TypeOf(decimal.Decimal{})
	timeType    = reflect.TypeOf(time.Time{})

	metaCache sync.Map // reflect.Type -> *Meta
)

// For returns the layout of an entity type, building and caching it on
// first use. The type may be a struct or pointer-to-struct.
func For(t reflect.Type) (*Meta, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := metaCache.Load(t); ok {
		return cached.(*Meta), nil
	}
	meta, err := build(t)
	if err != nil {
		return nil, err
	}
	actual, _ := metaCache.LoadOrStore(t, meta)
	return actual.(*Meta), nil
}

func build(t reflect.Type) (*Meta, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: entity type %s is not a struct", ErrConfiguration, t)
	}

	meta := &Meta{
		Type:    t,
		IDIndex: -1,
	}
	width := TombstoneWidth + IDWidth

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("minidb")
		if tag == "-" {
			continue
		}
		if sf.Name == "Id" {
			if sf.Type != reflect.TypeOf(int32(0)) {
				return nil, fmt.Errorf("%w: %s.Id must be int32, got %s", ErrConfiguration, t.Name(), sf.Type)
			}
			meta.IDIndex = i
			continue
		}

		field, err := buildField(t, sf, i, tag)
		if err != nil {
			return nil, err
		}
		width += field.Width
		meta.Fields = append(meta.Fields, field)
	}

	if meta.IDIndex < 0 {
		return nil, fmt.Errorf("%w: %s has no Id int32 field", ErrConfiguration, t.Name())
	}
	meta.RecordWidth = width
	return meta, nil
}

func buildField(owner reflect.Type, sf reflect.StructField, index int, tag string) (Field, error) {
	ft := sf.Type
	nullable := false
	if ft.Kind() == reflect.Ptr {
		nullable = true
		ft = ft.Elem()
	}

	field := Field{
		Name:     sf.Name,
		Nullable: nullable,
		Index:    index,
		Type:     ft,
	}

	switch {
	case ft == decimalType:
		field.Kind = KindDecimal
		field.Width = DecimalWidth
	case ft == timeType:
		field.Kind = KindDateTime
		field.Width = DateTimeWidth
	case ft.Kind() == reflect.Int32:
		if ft == reflect.TypeOf(int32(0)) {
			field.Kind = KindInt32
		} else {
			field.Kind = KindEnum
		}
		field.Width = Int32Width
	case ft.Kind() == reflect.Bool:
		field.Kind = KindBool
		field.Width = BoolWidth
	case ft.Kind() == reflect.String:
		maxLen, err := parseMaxLen(tag)
		if err != nil {
			return Field{}, fmt.Errorf("%w: %s.%s: %v", ErrConfiguration, owner.Name(), sf.Name, err)
		}
		field.Kind = KindString
		field.MaxLen = maxLen
		field.Width = maxLen
	default:
		return Field{}, fmt.Errorf("%w: %s.%s has unsupported type %s",
			ErrConfiguration, owner.Name(), sf.Name, sf.Type)
	}

	if nullable {
		field.Width++
	}
	return field, nil
}

// parseMaxLen extracts the declared byte capacity from a field tag.
// String fields without a max length are a configuration error.
func parseMaxLen(tag string) (int, error) {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "maxlen="); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid maxlen %q", v)
			}
			return n, nil
		}
	}
	return 0, errors.New("string field requires a minidb:\"maxlen=N\" tag")
}

// ValidateTableName rejects names that do not fit the 64-byte metadata slot.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty table name", ErrConfiguration)
	}
	if len(name) > MaxTableNameBytes {
		return fmt.Errorf("%w: table name %q exceeds %d bytes", ErrConfiguration, name, MaxTableNameBytes)
	}
	return nil
}

// ID reads the Id field of an entity, which must be a pointer to the
// struct type this Meta was built from.
func (m *Meta) ID(entity interface{}) int32 {
	return int32(reflect.ValueOf(entity).Elem().Field(m.IDIndex).Int())
}

// SetID writes the Id field of an entity.
func (m *Meta) SetID(entity interface{}, id int32) {
	reflect.ValueOf(entity).Elem().Field(m.IDIndex).SetInt(int64(id))
}
