package codec

import (
	"fmt"

	"minidb/schema"
)

// DynamicField declares one field of a record for tooling that has no Go
// entity type available, such as the inspector reading a schema file.
type DynamicField struct {
	Name     string
	Kind     schema.FieldKind
	Nullable bool
	MaxLen   int // required for string fields
}

// DynamicMeta is the layout computed from a list of dynamic fields. It
// mirrors schema.Meta for untyped decoding.
type DynamicMeta struct {
	Fields      []DynamicField
	widths      []int
	RecordWidth int
}

// NewDynamicMeta computes slot widths for a declared field list.
func NewDynamicMeta(fields []DynamicField) (*DynamicMeta, error) {
	m := &DynamicMeta{
		Fields: fields,
		widths: make([]int, len(fields)),
	}
	width := schema.TombstoneWidth + schema.IDWidth
	for i, f := range fields {
		var w int
		switch f.Kind {
		case schema.KindInt32, schema.KindEnum:
			w = schema.Int32Width
		case schema.KindBool:
			w = schema.BoolWidth
		case schema.KindDecimal:
			w = schema.DecimalWidth
		case schema.KindDateTime:
			w = schema.DateTimeWidth
		case schema.KindString:
			if f.MaxLen <= 0 {
				return nil, fmt.Errorf("%w: string field %s requires a max length", schema.ErrConfiguration, f.Name)
			}
			w = f.MaxLen
		default:
			return nil, fmt.Errorf("%w: field %s has unknown kind", schema.ErrConfiguration, f.Name)
		}
		if f.Nullable {
			w++
		}
		m.widths[i] = w
		width += w
	}
	m.RecordWidth = width
	return m, nil
}

// Decode reads one slot into its Id and ordered field values. Null fields
// decode as nil. The tombstone byte is returned so callers can filter
// deleted slots.
func (m *DynamicMeta) Decode(buf []byte) (tombstone byte, id int32, values []interface{}, err error) {
	if len(buf) < m.RecordWidth {
		return 0, 0, nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), m.RecordWidth)
	}
	tombstone = buf[0]
	id = int32(uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24)

	values = make([]interface{}, len(m.Fields))
	offset := schema.TombstoneWidth + schema.IDWidth
	for i, f := range m.Fields {
		valueWidth := m.widths[i]
		if f.Nullable {
			valueWidth--
			null := buf[offset] != 0
			offset++
			if null {
				offset += valueWidth
				continue
			}
		}
		values[i], err = decodeValue(f.Kind, buf[offset:offset+valueWidth])
		if err != nil {
			return tombstone, id, nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		offset += valueWidth
	}
	return tombstone, id, values, nil
}
