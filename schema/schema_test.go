package schema

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Color int32

type Widget struct {
	Id       int32
	Name     string `minidb:"maxlen=50"`
	Count    int32
	Active   bool
	Price    decimal.Decimal
	Made     time.Time
	Tint     Color
	Note     *string `minidb:"maxlen=10"`
	Internal string  `minidb:"-"`
	hidden   int
}

func TestWidgetLayout(t *testing.T) {
	meta, err := For(reflect.TypeOf(Widget{}))
	require.NoError(t, err)

	require.Len(t, meta.Fields, 7)
	names := make([]string, len(meta.Fields))
	for i, f := range meta.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"Name", "Count", "Active", "Price", "Made", "Tint", "Note"}, names)

	byName := make(map[string]Field)
	for _, f := range meta.Fields {
		byName[f.Name] = f
	}
	assert.Equal(t, KindString, byName["Name"].Kind)
	assert.Equal(t, 50, byName["Name"].Width)
	assert.Equal(t, KindInt32, byName["Count"].Kind)
	assert.Equal(t, 4, byName["Count"].Width)
	assert.Equal(t, KindBool, byName["Active"].Kind)
	assert.Equal(t, 1, byName["Active"].Width)
	assert.Equal(t, KindDecimal, byName["Price"].Kind)
	assert.Equal(t, 16, byName["Price"].Width)
	assert.Equal(t, KindDateTime, byName["Made"].Kind)
	assert.Equal(t, 8, byName["Made"].Width)
	assert.Equal(t, KindEnum, byName["Tint"].Kind)
	assert.Equal(t, 4, byName["Tint"].Width)

	// Nullable string: null flag + capacity.
	assert.True(t, byName["Note"].Nullable)
	assert.Equal(t, 11, byName["Note"].Width)

	// tombstone + id + 50 + 4 + 1 + 16 + 8 + 4 + 11
	assert.Equal(t, 1+4+50+4+1+16+8+4+11, meta.RecordWidth)
}

func TestMetaCachedPerType(t *testing.T) {
	a, err := For(reflect.TypeOf(Widget{}))
	require.NoError(t, err)
	b, err := For(reflect.TypeOf(&Widget{}))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestStringWithoutMaxLenRejected(t *testing.T) {
	type Bad struct {
		Id   int32
		Name string
	}
	_, err := For(reflect.TypeOf(Bad{}))
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "maxlen")
}

func TestUnsupportedTypeRejected(t *testing.T) {
	type Bad struct {
		Id    int32
		Score float64
	}
	_, err := For(reflect.TypeOf(Bad{}))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestMissingIdRejected(t *testing.T) {
	type Bad struct {
		Count int32
	}
	_, err := For(reflect.TypeOf(Bad{}))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestWrongIdTypeRejected(t *testing.T) {
	type Bad struct {
		Id int64
	}
	_, err := For(reflect.TypeOf(Bad{}))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNonStructRejected(t *testing.T) {
	_, err := For(reflect.TypeOf(42))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestIDAccessors(t *testing.T) {
	meta, err := For(reflect.TypeOf(Widget{}))
	require.NoError(t, err)

	w := &Widget{}
	assert.Equal(t, int32(0), meta.ID(w))
	meta.SetID(w, 7)
	assert.Equal(t, int32(7), w.Id)
	assert.Equal(t, int32(7), meta.ID(w))
}

func TestValidateTableName(t *testing.T) {
	assert.NoError(t, ValidateTableName("Users"))
	assert.ErrorIs(t, ValidateTableName(""), ErrConfiguration)
	assert.ErrorIs(t, ValidateTableName(strings.Repeat("x", 65)), ErrConfiguration)
	// Exactly at the limit is fine.
	assert.NoError(t, ValidateTableName(strings.Repeat("x", 64)))
	// Multi-byte names are measured in bytes, not runes.
	assert.ErrorIs(t, ValidateTableName(strings.Repeat("é", 33)), ErrConfiguration)
}
