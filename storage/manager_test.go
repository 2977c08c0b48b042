package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidb/config"
	"minidb/schema"
)

type user struct {
	Id   int32
	Name string `minidb:"maxlen=16"`
	Age  int32
}

type event struct {
	Id   int32
	Kind int32
}

func testDefs(t *testing.T) []TableDef {
	t.Helper()
	userMeta, err := schema.For(reflect.TypeOf(user{}))
	require.NoError(t, err)
	eventMeta, err := schema.For(reflect.TypeOf(event{}))
	require.NoError(t, err)
	return []TableDef{
		{Name: "Users", Meta: userMeta},
		{Name: "Events", Meta: eventMeta},
	}
}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mdb")
	m, err := Open(path, testDefs(t), config.Default())
	require.NoError(t, err)
	return m, path
}

func TestOpenCreatesFile(t *testing.T) {
	m, path := newManager(t)

	header, metas, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, header.Version)
	assert.Equal(t, uint16(2), header.TableCount)

	require.Len(t, metas, 2)
	assert.Equal(t, "Users", metas[0].Name)
	assert.Equal(t, "Events", metas[1].Name)
	for _, tm := range metas {
		assert.Zero(t, tm.RecordCount)
		// Both regions are empty, so both start right after the metadata.
		assert.Equal(t, TableMetaOffset(2), tm.DataStart)
	}

	// tombstone + id + 16 + 4
	tm, err := m.TableMetadata("Users")
	require.NoError(t, err)
	assert.Equal(t, int32(1+4+16+4), tm.RecordWidth)
}

func TestApplyAddsThenLoad(t *testing.T) {
	m, _ := newManager(t)

	added := []interface{}{
		&user{Id: 1, Name: "Alice", Age: 30},
		&user{Id: 2, Name: "Bob", Age: 25},
	}
	require.NoError(t, m.ApplyChanges(context.Background(), "Users", added, nil, nil))

	tm, err := m.TableMetadata("Users")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tm.RecordCount)

	records, err := m.LoadTable("Users")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Alice", records[0].(*user).Name)
	assert.Equal(t, "Bob", records[1].(*user).Name)
	assert.Equal(t, int32(1), records[0].(*user).Id)
	assert.Equal(t, int32(2), records[1].(*user).Id)
}

func TestApplyModifyRewritesSlot(t *testing.T) {
	m, _ := newManager(t)
	alice := &user{Id: 1, Name: "Alice", Age: 30}
	require.NoError(t, m.ApplyChanges(context.Background(), "Users", []interface{}{alice}, nil, nil))

	alice.Age = 31
	require.NoError(t, m.ApplyChanges(context.Background(), "Users", nil, []interface{}{alice}, nil))

	records, err := m.LoadTable("Users")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int32(31), records[0].(*user).Age)
}

func TestApplyDeleteTombstonesOnly(t *testing.T) {
	m, path := newManager(t)
	alice := &user{Id: 1, Name: "Alice", Age: 30}
	bob := &user{Id: 2, Name: "Bob", Age: 25}
	require.NoError(t, m.ApplyChanges(context.Background(), "Users", []interface{}{alice, bob}, nil, nil))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.ApplyChanges(context.Background(), "Users", nil, nil, []interface{}{bob}))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "tombstoned slot must be retained")

	// The slot count still covers the tombstoned record.
	tm, err := m.TableMetadata("Users")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tm.RecordCount)

	records, err := m.LoadTable("Users")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].(*user).Name)

	// Only byte 0 of the slot was touched: Bob's name bytes are intact.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	slotStart := tm.DataStart + int64(tm.RecordWidth)
	assert.EqualValues(t, 0x01, raw[slotStart])
	assert.Equal(t, "Bob", string(raw[slotStart+5:slotStart+8]))
}

func TestApplyModifyMissingSlotRejected(t *testing.T) {
	m, _ := newManager(t)
	err := m.ApplyChanges(context.Background(), "Users", nil, []interface{}{&user{Id: 5}}, nil)
	require.ErrorIs(t, err, ErrNotFound)

	err = m.ApplyChanges(context.Background(), "Users", nil, nil, []interface{}{&user{Id: 1}})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyUnknownTable(t *testing.T) {
	m, _ := newManager(t)
	err := m.ApplyChanges(context.Background(), "Nope", []interface{}{&user{Id: 1}}, nil, nil)
	require.ErrorIs(t, err, ErrUnknownTable)
	_, err = m.LoadTable("Nope")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestRegionShiftOnGrowth(t *testing.T) {
	m, _ := newManager(t)

	require.NoError(t, m.ApplyChanges(context.Background(), "Users",
		[]interface{}{&user{Id: 1, Name: "Alice", Age: 30}}, nil, nil))
	require.NoError(t, m.ApplyChanges(context.Background(), "Events",
		[]interface{}{&event{Id: 1, Kind: 4}, &event{Id: 2, Kind: 9}}, nil, nil))

	// Growing Users now collides with the Events region and must slide it.
	require.NoError(t, m.ApplyChanges(context.Background(), "Users",
		[]interface{}{&user{Id: 2, Name: "Bob", Age: 25}, &user{Id: 3, Name: "Cara", Age: 41}}, nil, nil))

	users, err := m.LoadTable("Users")
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "Cara", users[2].(*user).Name)

	events, err := m.LoadTable("Events")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int32(4), events[0].(*event).Kind)
	assert.Equal(t, int32(9), events[1].(*event).Kind)

	usersMeta, err := m.TableMetadata("Users")
	require.NoError(t, err)
	eventsMeta, err := m.TableMetadata("Events")
	require.NoError(t, err)
	assert.Equal(t, usersMeta.DataStart+3*int64(usersMeta.RecordWidth), eventsMeta.DataStart)
}

func TestReopenExistingFile(t *testing.T) {
	m, path := newManager(t)
	require.NoError(t, m.ApplyChanges(context.Background(), "Users",
		[]interface{}{&user{Id: 1, Name: "Alice", Age: 30}}, nil, nil))

	reopened, err := Open(path, testDefs(t), config.Default())
	require.NoError(t, err)

	records, err := reopened.LoadTable("Users")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].(*user).Name)
}

func TestOpenRejectsUnknownDeclaredTable(t *testing.T) {
	_, path := newManager(t)

	extraMeta, err := schema.For(reflect.TypeOf(event{}))
	require.NoError(t, err)
	defs := append(testDefs(t), TableDef{Name: "Extra", Meta: extraMeta})
	_, err = Open(path, defs, config.Default())
	require.ErrorIs(t, err, schema.ErrConfiguration)
}

func TestOpenRejectsCorruptMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mdb")
	require.NoError(t, os.WriteFile(path, append([]byte("JUNK"), make([]byte, HeaderSize)...), 0644))
	_, err := Open(path, testDefs(t), config.Default())
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestLoadIgnoresPartiallyWrittenTail(t *testing.T) {
	m, path := newManager(t)
	require.NoError(t, m.ApplyChanges(context.Background(), "Events",
		[]interface{}{&event{Id: 1, Kind: 1}, &event{Id: 2, Kind: 2}}, nil, nil))

	// A crash between appending a record and rewriting the metadata slot
	// leaves trailing bytes the count does not cover; they are ignored.
	tm, err := m.TableMetadata("Events")
	require.NoError(t, err)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	orphan := make([]byte, tm.RecordWidth)
	_, err = file.WriteAt(orphan, tm.DataStart+int64(tm.RecordCount)*int64(tm.RecordWidth))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	reopened, err := Open(path, testDefs(t), config.Default())
	require.NoError(t, err)
	records, err := reopened.LoadTable("Events")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLoadToleratesTruncatedRegion(t *testing.T) {
	m, path := newManager(t)
	require.NoError(t, m.ApplyChanges(context.Background(), "Events",
		[]interface{}{&event{Id: 1, Kind: 1}, &event{Id: 2, Kind: 2}}, nil, nil))

	tm, err := m.TableMetadata("Events")
	require.NoError(t, err)
	// Cut the last slot in half; the partial slot must be dropped, not
	// crash the load.
	cut := tm.DataStart + int64(tm.RecordCount)*int64(tm.RecordWidth) - int64(tm.RecordWidth)/2
	require.NoError(t, os.Truncate(path, cut))

	reopened, err := Open(path, testDefs(t), config.Default())
	require.NoError(t, err)
	records, err := reopened.LoadTable("Events")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestApplyCancelledBeforeWrites(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.ApplyChanges(ctx, "Users", []interface{}{&user{Id: 1, Name: "x"}}, nil, nil)
	require.ErrorIs(t, err, context.Canceled)

	tm, err := m.TableMetadata("Users")
	require.NoError(t, err)
	assert.Zero(t, tm.RecordCount)
}
