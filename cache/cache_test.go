package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidb/config"
)

func normalized(t *testing.T, path string) string {
	t.Helper()
	n, err := NormalizePath(path)
	require.NoError(t, err)
	return n
}

func TestNormalizePathResolvesRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))

	abs := normalized(t, "data.mdb")
	assert.True(t, filepath.IsAbs(abs))
	assert.Equal(t, "data.mdb", filepath.Base(abs))
}

func TestNormalizePathResolvesSymlinkedDir(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	a := normalized(t, filepath.Join(real, "data.mdb"))
	b := normalized(t, filepath.Join(link, "data.mdb"))
	assert.Equal(t, a, b)
}

func TestAcquireReturnsSharedInstance(t *testing.T) {
	path := normalized(t, filepath.Join(t.TempDir(), "a.mdb"))

	a, err := Acquire(path, config.Default())
	require.NoError(t, err)
	b, err := Acquire(path, config.Default())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.True(t, a.Queue().IsRunning())

	// Two holders: the first release keeps the cache alive.
	require.NoError(t, Release(path))
	c, err := Acquire(path, config.Default())
	require.NoError(t, err)
	assert.Same(t, a, c)

	require.NoError(t, Release(path))
	require.NoError(t, Release(path))
	assert.False(t, a.Queue().IsRunning())

	// A fresh acquire after teardown builds a new cache.
	d, err := Acquire(path, config.Default())
	require.NoError(t, err)
	assert.NotSame(t, a, d)
	require.NoError(t, Release(path))
}

func TestReleaseUnknownPathIsNoop(t *testing.T) {
	assert.NoError(t, Release(filepath.Join(t.TempDir(), "never-opened.mdb")))
}

func TestSnapshotIsolation(t *testing.T) {
	path := normalized(t, filepath.Join(t.TempDir(), "b.mdb"))
	c, err := Acquire(path, config.Default())
	require.NoError(t, err)
	defer Release(path)

	one, two := &struct{ X int }{1}, &struct{ X int }{2}
	c.AcquireLock(WriteLock)
	c.SetTable("Things", []interface{}{one}, 1)
	c.ReleaseLock(WriteLock)

	snap := c.Snapshot("Things")
	c.AcquireLock(WriteLock)
	c.Append("Things", two)
	c.ReleaseLock(WriteLock)

	assert.Len(t, snap, 1)
	assert.Equal(t, 2, c.Count("Things"))
}

func TestRemoveByIdentity(t *testing.T) {
	path := normalized(t, filepath.Join(t.TempDir(), "c.mdb"))
	c, err := Acquire(path, config.Default())
	require.NoError(t, err)
	defer Release(path)

	type thing struct{ X int }
	a, b := &thing{1}, &thing{1} // equal values, distinct objects

	c.AcquireLock(WriteLock)
	c.SetTable("Things", []interface{}{a, b}, 2)
	removed := c.Remove("Things", b)
	c.ReleaseLock(WriteLock)

	assert.True(t, removed)
	snap := c.Snapshot("Things")
	require.Len(t, snap, 1)
	assert.Same(t, a, snap[0].(*thing))
}

func TestMaxIDTracking(t *testing.T) {
	path := normalized(t, filepath.Join(t.TempDir(), "d.mdb"))
	c, err := Acquire(path, config.Default())
	require.NoError(t, err)
	defer Release(path)

	c.AcquireLock(WriteLock)
	c.SetTable("Things", nil, 5)
	assert.Equal(t, int32(5), c.MaxID("Things"))
	c.SetMaxID("Things", 9)
	assert.Equal(t, int32(9), c.MaxID("Things"))
	c.ReleaseLock(WriteLock)
}

func TestReleaseAll(t *testing.T) {
	pathA := normalized(t, filepath.Join(t.TempDir(), "x.mdb"))
	pathB := normalized(t, filepath.Join(t.TempDir(), "y.mdb"))
	a, err := Acquire(pathA, config.Default())
	require.NoError(t, err)
	b, err := Acquire(pathB, config.Default())
	require.NoError(t, err)

	ReleaseAll()
	assert.False(t, a.Queue().IsRunning())
	assert.False(t, b.Queue().IsRunning())
}
