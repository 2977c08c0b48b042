package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"minidb/codec"
	"minidb/config"
	"minidb/logger"
	"minidb/schema"
	"minidb/storage/pools"
)

// TableDef binds a table name to the entity layout stored in it. The order
// of definitions fixes the order of metadata slots and data regions in a
// newly created file.
type TableDef struct {
	Name string
	Meta *schema.Meta
}

// tableState is the manager's view of one table: its on-disk metadata slot
// plus the entity layout used to encode and decode its records.
type tableState struct {
	meta   TableMeta
	layout *schema.Meta
	index  int
}

// Manager owns the binary layout of one file. It validates or creates the
// header and metadata region on open and applies per-table change batches
// at known offsets.
//
// The Manager keeps the authoritative record counts in memory; the file is
// opened per operation, read paths with shared read access and write paths
// read/write. Mutating calls must arrive serialized through the WriteQueue;
// the internal mutex only protects the metadata map against concurrent
// readers.
type Manager struct {
	path   string
	cfg    *config.Config
	mu     sync.RWMutex
	tables map[string]*tableState
	order  []string
}

// Open validates an existing file against the declared tables, or creates
// a fresh file holding them with zero records.
//
// Fails with ErrInvalidFormat when the magic is wrong, ErrUnsupportedVersion
// when the version differs, and schema.ErrConfiguration when a declared
// table is missing from an existing file (schema evolution is unsupported).
func Open(path string, defs []TableDef, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		path:   path,
		cfg:    cfg,
		tables: make(map[string]*tableState),
	}
	for _, def := range defs {
		if err := schema.ValidateTableName(def.Name); err != nil {
			return nil, err
		}
		if _, dup := m.tables[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate table name %q", schema.ErrConfiguration, def.Name)
		}
		m.tables[def.Name] = &tableState{layout: def.Meta}
		m.order = append(m.order, def.Name)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.create(defs); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.readExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

// create writes the header and one metadata slot per table. No data bytes
// are reserved; regions grow at write time.
func (m *Manager) create(defs []TableDef) error {
	logger.TraceIf("storage", "creating file %s with %d tables", m.path, len(defs))
	file, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", m.path, err)
	}
	defer file.Close()

	header := &Header{Version: FormatVersion, TableCount: uint16(len(defs))}
	if err := header.Write(file); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	// Every region is empty, so they all start where the metadata ends.
	dataStart := TableMetaOffset(len(defs))
	for i, def := range defs {
		st := m.tables[def.Name]
		st.index = i
		st.meta = TableMeta{
			Name:        def.Name,
			RecordCount: 0,
			RecordWidth: int32(def.Meta.RecordWidth),
			DataStart:   dataStart,
		}
		if err := st.meta.Write(file); err != nil {
			return fmt.Errorf("write table metadata %q: %w", def.Name, err)
		}
	}
	if err := file.Sync(); err != nil {
		return err
	}
	logger.Debug("created %s (%d tables, data start %d)", m.path, len(defs), dataStart)
	return nil
}

// readExisting validates the header and loads every metadata slot,
// then checks each declared table against the file.
func (m *Manager) readExisting() error {
	file, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.path, err)
	}
	defer file.Close()

	header := &Header{}
	if err := header.Read(file); err != nil {
		return err
	}

	onDisk := make(map[string]TableMeta, header.TableCount)
	indexes := make(map[string]int, header.TableCount)
	for i := 0; i < int(header.TableCount); i++ {
		var tm TableMeta
		if err := tm.Read(file); err != nil {
			return fmt.Errorf("read table metadata %d: %w", i, err)
		}
		onDisk[tm.Name] = tm
		indexes[tm.Name] = i
	}

	for name, st := range m.tables {
		tm, ok := onDisk[name]
		if !ok {
			return fmt.Errorf("%w: table %q not present in %s", schema.ErrConfiguration, name, m.path)
		}
		if int(tm.RecordWidth) != st.layout.RecordWidth {
			return fmt.Errorf("%w: table %q record width %d does not match declared %d",
				schema.ErrConfiguration, name, tm.RecordWidth, st.layout.RecordWidth)
		}
		st.meta = tm
		st.index = indexes[name]
	}
	logger.TraceIf("storage", "opened %s: %d tables on disk", m.path, header.TableCount)
	return nil
}

// Register validates additional table definitions against the already-open
// file, for a second context sharing this manager. Tables already known
// must agree on record width; new names must exist on disk.
func (m *Manager) Register(defs []TableDef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range defs {
		if st, ok := m.tables[def.Name]; ok {
			if st.layout.RecordWidth != def.Meta.RecordWidth {
				return fmt.Errorf("%w: table %q declared with conflicting record widths",
					schema.ErrConfiguration, def.Name)
			}
			continue
		}
		_, metas, err := Inspect(m.path)
		if err != nil {
			return err
		}
		i := 0
		for i < len(metas) && metas[i].Name != def.Name {
			i++
		}
		if i == len(metas) {
			return fmt.Errorf("%w: table %q not present in %s", schema.ErrConfiguration, def.Name, m.path)
		}
		if int(metas[i].RecordWidth) != def.Meta.RecordWidth {
			return fmt.Errorf("%w: table %q declared with conflicting record widths", schema.ErrConfiguration, def.Name)
		}
		m.tables[def.Name] = &tableState{meta: metas[i], layout: def.Meta, index: i}
		m.order = append(m.order, def.Name)
	}
	return nil
}

// TableMetadata returns a copy of a table's metadata slot.
func (m *Manager) TableMetadata(name string) (TableMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tables[name]
	if !ok {
		return TableMeta{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return st.meta, nil
}

// LoadTable reads a whole table into memory, decoding every live slot in
// slot order and skipping tombstoned ones. The returned values are
// pointers to the table's entity struct type.
func (m *Manager) LoadTable(name string) ([]interface{}, error) {
	m.mu.RLock()
	st, ok := m.tables[name]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	meta := st.meta
	layout := st.layout
	m.mu.RUnlock()

	file, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", m.path, err)
	}
	defer file.Close()

	width := int(meta.RecordWidth)
	size := int(meta.RecordCount) * width
	region := make([]byte, size)
	if size > 0 {
		n, err := file.ReadAt(region, meta.DataStart)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read table %q: %w", name, err)
		}
		// A crash between appending records and rewriting the metadata
		// slot can leave the region shorter than the recorded count
		// claims; whole missing slots are treated as never written.
		region = region[:n-n%width]
	}

	var records []interface{}
	for off := 0; off+width <= len(region); off += width {
		slot := region[off : off+width]
		if slot[0] != codec.TombstoneLive {
			continue
		}
		record, err := codec.Decode(layout, slot)
		if err != nil {
			return nil, fmt.Errorf("decode table %q slot %d: %w", name, off/width, err)
		}
		records = append(records, record)
	}
	logger.TraceIf("storage", "loaded table %q: %d live of %d slots", name, len(records), meta.RecordCount)
	return records, nil
}

// ApplyChanges writes one commit's batch for a single table: appends in
// caller order, then in-place record rewrites, then tombstones, then a
// data flush, and finally the rewritten metadata slot. The data flush
// precedes the metadata rewrite so a crash mid-commit leaves the recorded
// count conservatively small.
//
// Modifies and deletes must reference slots that exist; otherwise the
// whole batch fails with ErrNotFound before anything is written.
func (m *Manager) ApplyChanges(ctx context.Context, name string, added, modified, deleted []interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tables[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	layout := st.layout
	width := int64(st.meta.RecordWidth)

	for _, e := range modified {
		if id := layout.ID(e); id < 1 || id > st.meta.RecordCount {
			return fmt.Errorf("%w: cannot modify id %d in table %q", ErrNotFound, id, name)
		}
	}
	for _, e := range deleted {
		if id := layout.ID(e); id < 1 || id > st.meta.RecordCount {
			return fmt.Errorf("%w: cannot delete id %d in table %q", ErrNotFound, id, name)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	file, err := os.OpenFile(m.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.path, err)
	}
	defer file.Close()

	// Growing a region that is not the last one would run into its
	// neighbor; slide every later region toward the end first.
	if len(added) > 0 {
		if err := m.makeRoom(file, st, int64(len(added))*width); err != nil {
			return err
		}
	}

	buf := pools.GetByteSlice()
	defer pools.PutByteSlice(buf)
	if cap(*buf) < int(width) {
		*buf = make([]byte, width)
	}
	slot := (*buf)[:width]

	for _, e := range added {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := codec.Encode(layout, e, slot); err != nil {
			return fmt.Errorf("encode add in table %q: %w", name, err)
		}
		offset := st.meta.DataStart + int64(st.meta.RecordCount)*width
		if _, err := file.WriteAt(slot, offset); err != nil {
			return fmt.Errorf("append to table %q: %w", name, err)
		}
		st.meta.RecordCount++
	}

	for _, e := range modified {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := codec.Encode(layout, e, slot); err != nil {
			return fmt.Errorf("encode modify in table %q: %w", name, err)
		}
		offset := st.meta.DataStart + int64(layout.ID(e)-1)*width
		if _, err := file.WriteAt(slot, offset); err != nil {
			return fmt.Errorf("rewrite slot in table %q: %w", name, err)
		}
	}

	tombstone := []byte{codec.TombstoneDeleted}
	for _, e := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		offset := st.meta.DataStart + int64(layout.ID(e)-1)*width
		if _, err := file.WriteAt(tombstone, offset); err != nil {
			return fmt.Errorf("tombstone slot in table %q: %w", name, err)
		}
	}

	if m.cfg.SyncWrites {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync data: %w", err)
		}
	}

	if err := m.writeMetaSlot(file, st); err != nil {
		return err
	}
	if m.cfg.SyncWrites {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync metadata: %w", err)
		}
	}

	logger.TraceIf("storage", "applied changes to %q: +%d ~%d -%d (count now %d)",
		name, len(added), len(modified), len(deleted), st.meta.RecordCount)
	return nil
}

// makeRoom shifts every region after st's toward the end of the file so
// st's region can grow by at least grow bytes, and rewrites the shifted
// tables' metadata slots. Files are bounded at tens of megabytes, so the
// tail is moved through memory in one piece.
func (m *Manager) makeRoom(file *os.File, st *tableState, grow int64) error {
	regionEnd := st.meta.DataStart + int64(st.meta.RecordCount)*int64(st.meta.RecordWidth)
	neededEnd := regionEnd + grow

	// The next region is the smallest data start beyond this table's.
	var next *tableState
	for _, other := range m.tables {
		if other.index <= st.index {
			continue
		}
		if next == nil || other.meta.DataStart < next.meta.DataStart {
			next = other
		}
	}
	if next == nil || neededEnd <= next.meta.DataStart {
		return nil
	}
	delta := neededEnd - next.meta.DataStart

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	tailLen := stat.Size() - next.meta.DataStart
	if tailLen > 0 {
		tail := make([]byte, tailLen)
		if _, err := file.ReadAt(tail, next.meta.DataStart); err != nil {
			return fmt.Errorf("read tail regions: %w", err)
		}
		if _, err := file.WriteAt(tail, next.meta.DataStart+delta); err != nil {
			return fmt.Errorf("shift tail regions: %w", err)
		}
	}

	for _, other := range m.tables {
		if other.index <= st.index {
			continue
		}
		other.meta.DataStart += delta
		if err := m.writeMetaSlot(file, other); err != nil {
			return err
		}
	}
	logger.Debug("shifted %d trailing bytes by %d to grow table %q", tailLen, delta, st.meta.Name)
	return nil
}

// writeMetaSlot rewrites one table's 128-byte metadata slot in place.
func (m *Manager) writeMetaSlot(file *os.File, st *tableState) error {
	buf := pools.GetBuffer()
	defer pools.PutBuffer(buf)
	if err := st.meta.Write(buf); err != nil {
		return err
	}
	if _, err := file.WriteAt(buf.Bytes(), TableMetaOffset(st.index)); err != nil {
		return fmt.Errorf("rewrite metadata slot for %q: %w", st.meta.Name, err)
	}
	return nil
}

// Inspect reads a file's header and metadata slots without a schema.
// It is the read path used by tooling; nothing is validated beyond the
// header itself.
func Inspect(path string) (Header, []TableMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer file.Close()

	var header Header
	if err := header.Read(file); err != nil {
		return Header{}, nil, err
	}
	metas := make([]TableMeta, header.TableCount)
	for i := range metas {
		if err := metas[i].Read(file); err != nil {
			return header, nil, fmt.Errorf("read table metadata %d: %w", i, err)
		}
	}
	return header, metas, nil
}
