// Package minidb is a single-file embedded storage engine for small
// structured datasets.
//
// A user declares a context struct embedding Context, with one exported
// *Table[T] field per table; the field name is the table name and T is the
// entity type. Entities are structs with an `Id int32` primary key and
// data fields drawn from the supported set (see package schema).
//
//	type User struct {
//	    Id   int32
//	    Name string `minidb:"maxlen=50"`
//	    Age  int32
//	}
//
//	type AppContext struct {
//	    minidb.Context
//	    Users *minidb.Table[User]
//	}
//
//	db, err := minidb.OpenAt[AppContext]("app.mdb")
//	...
//	db.Users.Add(&User{Name: "Alice", Age: 30})
//	err = db.SaveChanges()
//
// Every context on the same path shares one authoritative in-memory copy
// of the tables; reads never touch the file after load. Closing a context
// does not release that shared state; call ReleaseSharedCache once no
// context on the path will be reopened.
package minidb

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"minidb/cache"
	"minidb/config"
	"minidb/logger"
	"minidb/schema"
	"minidb/storage"
)

// Context coordinates table handles, the shared file cache, and commits.
// Embed it as the first field of a context struct and open with OpenAt.
//
// A Context is not a transaction in the database sense: buffer mutations
// are visible to sibling contexts immediately, and SaveChanges only
// decides when they reach the file.
type Context struct {
	path       string
	cache      *cache.FileCache
	manager    *storage.Manager
	tracker    *changeTracker
	tableOrder []string
	closed     atomic.Bool
}

var contextType = reflect.TypeOf(Context{})

// configured maps context types to file paths registered with Configure.
var configured sync.Map // reflect.Type -> string

// Configure registers the file path for a context type, so Open can be
// called without repeating it.
func Configure[T any](path string) {
	configured.Store(reflect.TypeOf((*T)(nil)).Elem(), path)
}

// Open constructs a context of a type previously registered with
// Configure. It fails with ErrConfiguration when no path is registered.
func Open[T any]() (*T, error) {
	path, ok := configured.Load(reflect.TypeOf((*T)(nil)).Elem())
	if !ok {
		return nil, fmt.Errorf("%w: no file path configured for %s",
			ErrConfiguration, reflect.TypeOf((*T)(nil)).Elem())
	}
	return OpenAt[T](path.(string))
}

// OpenAt constructs a context bound to the given file, creating the file
// when it does not exist. The first context on a path loads its tables
// into the shared cache; later contexts reuse them.
func OpenAt[T any](path string) (*T, error) {
	ctxPtr := new(T)
	rv := reflect.ValueOf(ctxPtr).Elem()
	rt := rv.Type()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: context type %s is not a struct", ErrConfiguration, rt)
	}

	var base *Context
	type boundTable struct {
		name   string
		binder tableBinder
		meta   *schema.Meta
	}
	var tables []boundTable
	var defs []storage.TableDef
	seen := make(map[string]bool)

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.Anonymous && sf.Type == contextType {
			base = rv.Field(i).Addr().Interface().(*Context)
			continue
		}
		if !sf.IsExported() || sf.Type.Kind() != reflect.Ptr {
			continue
		}
		handle := reflect.New(sf.Type.Elem())
		binder, ok := handle.Interface().(tableBinder)
		if !ok {
			continue
		}
		if err := schema.ValidateTableName(sf.Name); err != nil {
			return nil, err
		}
		if seen[sf.Name] {
			return nil, fmt.Errorf("%w: duplicate table name %q", ErrConfiguration, sf.Name)
		}
		seen[sf.Name] = true

		meta, err := schema.For(binder.entityType())
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", sf.Name, err)
		}
		rv.Field(i).Set(handle)
		tables = append(tables, boundTable{name: sf.Name, binder: binder, meta: meta})
		defs = append(defs, storage.TableDef{Name: sf.Name, Meta: meta})
	}

	if base == nil {
		return nil, fmt.Errorf("%w: context type %s must embed minidb.Context", ErrConfiguration, rt)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: context type %s declares no tables", ErrConfiguration, rt)
	}

	cfg := config.Load()
	normalized, err := cache.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	fc, err := cache.Acquire(normalized, cfg)
	if err != nil {
		return nil, err
	}

	err = fc.Initialize(func(current *storage.Manager) (*storage.Manager, error) {
		if current == nil {
			return storage.Open(normalized, defs, cfg)
		}
		if err := current.Register(defs); err != nil {
			return nil, err
		}
		return current, nil
	})
	if err != nil {
		cache.Release(normalized)
		return nil, err
	}
	manager := fc.Manager()

	// Populate any table buffer this is the first context to need.
	// Loads bypass the write queue; the file is opened read-only.
	fc.AcquireLock(cache.WriteLock)
	for _, tbl := range tables {
		if fc.HasTable(tbl.name) {
			continue
		}
		records, err := manager.LoadTable(tbl.name)
		if err != nil {
			fc.ReleaseLock(cache.WriteLock)
			cache.Release(normalized)
			return nil, err
		}
		tm, err := manager.TableMetadata(tbl.name)
		if err != nil {
			fc.ReleaseLock(cache.WriteLock)
			cache.Release(normalized)
			return nil, err
		}
		// RecordCount covers tombstoned slots, so it is the floor for id
		// assignment even when the highest slots are all deleted.
		maxID := tm.RecordCount
		for _, r := range records {
			if id := tbl.meta.ID(r); id > maxID {
				maxID = id
			}
		}
		fc.SetTable(tbl.name, records, maxID)
	}
	fc.ReleaseLock(cache.WriteLock)

	base.path = normalized
	base.cache = fc
	base.manager = manager
	base.tracker = newChangeTracker()
	for _, tbl := range tables {
		base.tableOrder = append(base.tableOrder, tbl.name)
		tbl.binder.bind(base, tbl.name, tbl.meta)
	}
	logger.Debug("opened context %s on %s (%d tables)", rt.Name(), normalized, len(tables))
	return ctxPtr, nil
}

// Path returns the normalized file path this context is bound to.
func (c *Context) Path() string { return c.path }

// SaveChanges persists every tracked change.
func (c *Context) SaveChanges() error {
	return c.SaveChangesContext(context.Background())
}

// SaveChangesContext persists every tracked change, one write-queue job
// per changed table, serialized against commits from sibling contexts.
// On success the tracker is cleared. On failure, including cancellation,
// the tracker is left intact so the caller can inspect and retry; the
// in-memory buffers already reflect the caller's operations either way.
func (c *Context) SaveChangesContext(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(c.tracker.pending(c.tableOrder)) == 0 {
		return nil
	}

	if err := c.cache.AcquireCommit(ctx); err != nil {
		return err
	}
	defer c.cache.ReleaseCommit()

	c.cache.AcquireLock(cache.WriteLock)
	defer c.cache.ReleaseLock(cache.WriteLock)

	// Snapshot under the write lock so nothing tracked after this point
	// is cleared without having been written.
	pending := c.tracker.pending(c.tableOrder)

	for _, pt := range pending {
		done, err := c.cache.Queue().Submit(ctx, func(jobCtx context.Context) error {
			return c.manager.ApplyChanges(jobCtx, pt.name, pt.added, pt.modified, pt.deleted)
		})
		if err != nil {
			return err
		}
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("commit table %q: %w", pt.name, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.tracker.clear()
	return nil
}

// Close marks the context unusable. It is idempotent and does not release
// the shared cache; see ReleaseSharedCache.
func (c *Context) Close() error {
	c.closed.Store(true)
	return nil
}

// ReleaseSharedCache decrements the shared cache reference count for a
// path, tearing the in-memory state down when it reaches zero. Call it
// once per successful context open, after the last context on the path is
// done.
func ReleaseSharedCache(path string) error {
	return cache.Release(path)
}

// ReleaseAllSharedCaches tears down every shared cache regardless of
// reference counts. Intended for process shutdown.
func ReleaseAllSharedCaches() {
	cache.ReleaseAll()
}
