// Package cache holds the process-wide registry of per-file in-memory
// state.
//
// Every open context on a path shares one FileCache: the loaded table
// buffers, the reader/writer lock guarding them, the per-file write queue,
// and a commit semaphore. The cache is reference counted and torn down
// only by an explicit release; closing a context never releases it, so the
// authoritative in-memory state stays hot while short-lived handles come
// and go.
package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"minidb/config"
	"minidb/logger"
	"minidb/storage"
)

// LockType selects between shared and exclusive buffer access.
type LockType int

const (
	ReadLock LockType = iota
	WriteLock
)

// FileCache is the shared in-memory state of one file.
type FileCache struct {
	// Path is the normalized absolute file path this cache is keyed by.
	Path string

	// bufferLock guards tables and maxIDs: many readers or one writer.
	bufferLock sync.RWMutex
	tables     map[string][]interface{}
	maxIDs     map[string]int32

	// commitSem serializes commits from different contexts so the
	// write-lock holder is always a single commit. Capacity 1, acquired
	// with the caller's context on the async path.
	commitSem *semaphore.Weighted

	// initMu guards one-time population: manager construction and first
	// table loads.
	initMu  sync.Mutex
	manager *storage.Manager

	queue *storage.WriteQueue
	refs  int
}

// Queue returns the file's write queue.
func (c *FileCache) Queue() *storage.WriteQueue { return c.queue }

// AcquireLock takes the buffer lock.
func (c *FileCache) AcquireLock(lockType LockType) {
	switch lockType {
	case ReadLock:
		c.bufferLock.RLock()
	case WriteLock:
		c.bufferLock.Lock()
	}
}

// ReleaseLock releases the buffer lock.
func (c *FileCache) ReleaseLock(lockType LockType) {
	switch lockType {
	case ReadLock:
		c.bufferLock.RUnlock()
	case WriteLock:
		c.bufferLock.Unlock()
	}
}

// AcquireCommit blocks until this context's commit is the only one running
// against the file, or ctx is cancelled.
func (c *FileCache) AcquireCommit(ctx context.Context) error {
	return c.commitSem.Acquire(ctx, 1)
}

// ReleaseCommit releases the commit semaphore.
func (c *FileCache) ReleaseCommit() {
	c.commitSem.Release(1)
}

// Initialize runs fn once-at-a-time for populating the cache. fn receives
// the current manager (nil on first call) and returns the manager to keep.
func (c *FileCache) Initialize(fn func(current *storage.Manager) (*storage.Manager, error)) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	manager, err := fn(c.manager)
	if err != nil {
		return err
	}
	c.manager = manager
	return nil
}

// Manager returns the storage manager, nil until the first Initialize.
func (c *FileCache) Manager() *storage.Manager {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.manager
}

// HasTable reports whether a table's buffer is populated. Callers must
// hold the buffer lock.
func (c *FileCache) HasTable(name string) bool {
	_, ok := c.tables[name]
	return ok
}

// Table returns a table's live records in slot order. Callers must hold
// the buffer lock.
func (c *FileCache) Table(name string) []interface{} {
	return c.tables[name]
}

// SetTable installs a table buffer and its max assigned id. Callers must
// hold the write lock.
func (c *FileCache) SetTable(name string, records []interface{}, maxID int32) {
	c.tables[name] = records
	c.maxIDs[name] = maxID
}

// Append adds a record to the end of a table buffer. Callers must hold
// the write lock.
func (c *FileCache) Append(name string, record interface{}) {
	c.tables[name] = append(c.tables[name], record)
}

// Remove drops the first record that is the same object as the argument.
// Callers must hold the write lock.
func (c *FileCache) Remove(name string, record interface{}) bool {
	records := c.tables[name]
	for i, r := range records {
		if r == record {
			c.tables[name] = append(records[:i:i], records[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot copies a table buffer so iteration never observes mid-iteration
// mutations. It takes the read lock itself.
func (c *FileCache) Snapshot(name string) []interface{} {
	c.bufferLock.RLock()
	defer c.bufferLock.RUnlock()
	records := c.tables[name]
	out := make([]interface{}, len(records))
	copy(out, records)
	return out
}

// Count returns the number of live records in a table buffer.
func (c *FileCache) Count(name string) int {
	c.bufferLock.RLock()
	defer c.bufferLock.RUnlock()
	return len(c.tables[name])
}

// MaxID returns the highest id ever assigned in a table. Callers must
// hold the buffer lock.
func (c *FileCache) MaxID(name string) int32 {
	return c.maxIDs[name]
}

// SetMaxID records a new highest assigned id. Callers must hold the
// write lock.
func (c *FileCache) SetMaxID(name string, id int32) {
	c.maxIDs[name] = id
}

// registry is the process-wide path-to-cache map.
var registry = struct {
	mu     sync.Mutex
	caches map[string]*FileCache
}{caches: make(map[string]*FileCache)}

// NormalizePath resolves a file path to the absolute, symlink-free form
// the registry is keyed by. The file itself may not exist yet, so symlinks
// are resolved on its directory.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("normalize %s: %w", path, err)
	}
	dir, base := filepath.Split(abs)
	resolved, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return "", fmt.Errorf("normalize %s: %w", path, err)
	}
	return filepath.Join(resolved, base), nil
}

// Acquire returns the cache for a normalized path, creating it and
// starting its write queue on first use, and increments its reference
// count.
func Acquire(path string, cfg *config.Config) (*FileCache, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()

	c, ok := registry.caches[path]
	if !ok {
		c = &FileCache{
			Path:      path,
			tables:    make(map[string][]interface{}),
			maxIDs:    make(map[string]int32),
			commitSem: semaphore.NewWeighted(1),
			queue:     storage.NewWriteQueue(cfg.WriteQueueSize, cfg.ShutdownTimeout),
		}
		if err := c.queue.Start(); err != nil {
			return nil, err
		}
		registry.caches[path] = c
		logger.TraceIf("cache", "created file cache for %s", path)
	}
	c.refs++
	return c, nil
}

// Release decrements a path's reference count. When it reaches zero the
// write queue is drained and shut down and the cache is discarded.
func Release(path string) error {
	normalized, err := NormalizePath(path)
	if err != nil {
		return err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return releaseLocked(normalized)
}

func releaseLocked(path string) error {
	c, ok := registry.caches[path]
	if !ok {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	delete(registry.caches, path)
	logger.TraceIf("cache", "releasing file cache for %s", path)
	if err := c.queue.Flush(context.Background()); err != nil && err != storage.ErrQueueClosed {
		logger.Warn("flush on release of %s: %v", path, err)
	}
	return c.queue.Stop()
}

// ReleaseAll drops every cache regardless of reference count. Intended
// for process shutdown.
func ReleaseAll() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for path, c := range registry.caches {
		delete(registry.caches, path)
		if err := c.queue.Flush(context.Background()); err != nil && err != storage.ErrQueueClosed {
			logger.Warn("flush on release of %s: %v", path, err)
		}
		if err := c.queue.Stop(); err != nil {
			logger.Warn("stop queue for %s: %v", path, err)
		}
	}
}
