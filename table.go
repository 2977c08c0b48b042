package minidb

import (
	"fmt"
	"reflect"

	"minidb/cache"
	"minidb/schema"
)

// Table is the per-table handle exposed through a context's struct fields.
// It reads the shared in-memory buffer and records intent in the owning
// context's change tracker; nothing touches the file until SaveChanges.
//
// Entities are tracked by object identity: the pointer handed to Add is
// the one the buffer holds, and Update and Remove must receive that same
// pointer.
type Table[T any] struct {
	name string
	ctx  *Context
	meta *schema.Meta
}

// tableBinder is how the context wires handles discovered by reflection.
type tableBinder interface {
	entityType() reflect.Type
	bind(ctx *Context, name string, meta *schema.Meta)
}

func (t *Table[T]) entityType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (t *Table[T]) bind(ctx *Context, name string, meta *schema.Meta) {
	t.ctx = ctx
	t.name = name
	t.meta = meta
}

// Name returns the table name, which is the declaring field's name.
func (t *Table[T]) Name() string { return t.name }

// Add inserts an entity into the table. An entity with Id zero is
// assigned the next id; an explicit Id that collides with a live record
// fails with ErrDuplicateKey. The entity is visible to every context on
// the file immediately; it reaches disk on SaveChanges.
func (t *Table[T]) Add(e *T) error {
	if t.ctx.closed.Load() {
		return ErrClosed
	}
	c := t.ctx.cache
	c.AcquireLock(cache.WriteLock)
	defer c.ReleaseLock(cache.WriteLock)

	id := t.meta.ID(e)
	maxID := c.MaxID(t.name)
	if id == 0 {
		id = maxID + 1
		t.meta.SetID(e, id)
		c.SetMaxID(t.name, id)
	} else {
		for _, r := range c.Table(t.name) {
			if t.meta.ID(r) == id {
				return fmt.Errorf("%w: id %d in table %q", ErrDuplicateKey, id, t.name)
			}
		}
		if id > maxID {
			c.SetMaxID(t.name, id)
		}
	}

	c.Append(t.name, e)
	t.ctx.tracker.trackAdded(t.name, e)
	return nil
}

// Update marks an entity already in the buffer as modified. The entity's
// current state at commit time is what gets written.
func (t *Table[T]) Update(e *T) error {
	if t.ctx.closed.Load() {
		return ErrClosed
	}
	t.ctx.tracker.trackModified(t.name, e)
	return nil
}

// Remove takes an entity out of the buffer and marks it deleted. The
// on-disk slot is tombstoned on SaveChanges; it is never reclaimed.
func (t *Table[T]) Remove(e *T) error {
	if t.ctx.closed.Load() {
		return ErrClosed
	}
	c := t.ctx.cache
	c.AcquireLock(cache.WriteLock)
	defer c.ReleaseLock(cache.WriteLock)
	c.Remove(t.name, e)
	t.ctx.tracker.trackDeleted(t.name, e)
	return nil
}

// All returns a snapshot of the live records in slot order. Mutations made
// after the call are not observed by the returned slice.
func (t *Table[T]) All() ([]*T, error) {
	if t.ctx.closed.Load() {
		return nil, ErrClosed
	}
	records := t.ctx.cache.Snapshot(t.name)
	out := make([]*T, len(records))
	for i, r := range records {
		out[i] = r.(*T)
	}
	return out, nil
}

// Find returns the live record with the given id, or false.
func (t *Table[T]) Find(id int32) (*T, bool) {
	if t.ctx.closed.Load() {
		return nil, false
	}
	for _, r := range t.ctx.cache.Snapshot(t.name) {
		if t.meta.ID(r) == id {
			return r.(*T), true
		}
	}
	return nil, false
}

// Count returns the number of live records.
func (t *Table[T]) Count() (int, error) {
	if t.ctx.closed.Load() {
		return 0, ErrClosed
	}
	return t.ctx.cache.Count(t.name), nil
}
