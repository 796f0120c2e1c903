// Package db implements the flat-file JSON object store. Every object
// is addressed by an ordered sequence of path components and stored as
// a .json file under the data directory. Objects are checked out with
// Lock, mutated in memory, and written back with Unlock; a per-file
// advisory lock guards against other processes while a store-wide
// mutex serializes access within this one.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/stream"
)

var (
	// ErrNotFound indicates no object exists at the path.
	ErrNotFound = errors.New("db: object not found")

	// ErrExists indicates Create hit an existing object.
	ErrExists = errors.New("db: object already exists")

	// ErrLocked indicates another process holds the advisory lock.
	ErrLocked = errors.New("db: object locked by another process")
)

// Db is a handle on one data directory.
type Db struct {
	dir string

	mu   sync.Mutex
	cond *sync.Cond

	// Paths currently checked out by some goroutine
	locked map[string]bool

	cache *cache
}

// Ref is a borrowed, mutable reference to one object. It is valid
// until passed back to Unlock and must never be retained across a
// request boundary.
type Ref struct {
	db   *Db
	path []string
	key  string
	file *os.File

	// JSON is the parsed object tree; mutations become durable on Unlock.
	JSON *json.Value
}

// Path returns the components the reference was locked with.
func (r *Ref) Path() []string {
	out := make([]string, len(r.path))
	copy(out, r.path)
	return out
}

// Open opens (creating if needed) a database rooted at dir. maxCache
// is the cache budget in bytes; zero disables caching entirely.
func Open(dir string, maxCache int64) (*Db, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("db: failed to create data directory: %w", err)
	}
	d := &Db{
		dir:    dir,
		locked: make(map[string]bool),
		cache:  newCache(maxCache),
	}
	d.cond = sync.NewCond(&d.mu)
	L_debug("db: opened", "dir", dir, "maxCache", maxCache)
	return d, nil
}

// Dir returns the data directory the store was opened on.
func (d *Db) Dir() string {
	return d.dir
}

// SetMaxCache adjusts the cache budget at runtime and evicts down to
// the new limit.
func (d *Db) SetMaxCache(maxCache int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.setMax(maxCache, d.locked)
}

// sanitize makes a path component safe for filesystem use: '/' becomes
// '_' and '.' becomes '-'.
func sanitize(component string) string {
	component = strings.ReplaceAll(component, "/", "_")
	return strings.ReplaceAll(component, ".", "-")
}

// filePath maps path components to the backing .json file.
func (d *Db) filePath(path []string) string {
	parts := make([]string, 0, len(path)+1)
	parts = append(parts, d.dir)
	for _, c := range path {
		parts = append(parts, sanitize(c))
	}
	return filepath.Join(parts...) + ".json"
}

func cacheKey(path []string) string {
	parts := make([]string, len(path))
	for i, c := range path {
		parts[i] = sanitize(c)
	}
	return strings.Join(parts, "/")
}

// Create makes a new empty object at path and returns it locked.
// Fails with ErrExists if an object is already there. The store mutex
// is held across both the file creation and the lock acquisition, so a
// concurrent Lock on the same path linearizes after the Create.
func (d *Db) Create(path ...string) (*Ref, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("db: empty path")
	}
	d.mu.Lock()

	// Existence is decided before waiting on a checkout: a checked-out
	// object always has a file on disk, and blocking here would never
	// end well for a caller that holds the path itself.
	file := d.filePath(path)
	if _, err := os.Stat(file); err == nil {
		d.mu.Unlock()
		return nil, ErrExists
	}
	d.waitUnlocked(cacheKey(path))

	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("db: failed to create parent directories: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		d.mu.Unlock()
		if os.IsExist(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("db: create failed: %w", err)
	}
	if _, err := f.WriteString("{}"); err != nil {
		f.Close()
		d.mu.Unlock()
		return nil, fmt.Errorf("db: create failed: %w", err)
	}
	f.Close()

	ref, err := d.lockLocked(path)
	d.mu.Unlock()
	return ref, err
}

// Lock checks out the object at path for exclusive access. The
// reference's JSON tree reflects the newest on-disk bytes even when a
// cached copy exists (the file's mtime is compared against the cached
// parse time). Returns ErrNotFound for missing objects.
func (d *Db) Lock(path ...string) (*Ref, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("db: empty path")
	}
	d.mu.Lock()
	d.waitUnlocked(cacheKey(path))
	ref, err := d.lockLocked(path)
	d.mu.Unlock()
	return ref, err
}

// waitUnlocked blocks until no goroutine holds key. Caller holds d.mu.
func (d *Db) waitUnlocked(key string) {
	for d.locked[key] {
		d.cond.Wait()
	}
}

// lockLocked opens, advisory-locks, and parses the object. Caller
// holds d.mu and has ensured the path is not checked out.
func (d *Db) lockLocked(path []string) (*Ref, error) {
	file := d.filePath(path)
	key := cacheKey(path)

	f, err := os.OpenFile(file, os.O_RDWR, 0640)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db: open failed: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("db: advisory lock failed: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("db: stat failed: %w", err)
	}

	ref := &Ref{db: d, path: append([]string(nil), path...), key: key, file: f}

	if entry := d.cache.get(key); entry != nil && !info.ModTime().After(entry.parsedAt) {
		// Cached copy is current
		ref.JSON = entry.value
		d.cache.promote(key)
	} else {
		v, err := json.Decode(stream.NewReader(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("db: parse failed for %s: %w", key, err)
		}
		if v.Object() == nil {
			f.Close()
			return nil, fmt.Errorf("db: object %s is not a JSON object", key)
		}
		ref.JSON = v
		if d.cache.enabled() {
			d.cache.put(key, v, time.Now(), d.locked)
		}
	}

	d.locked[key] = true
	return ref, nil
}

// Unlock writes the reference's JSON tree back to disk, updates the
// cache accounting, and releases the object. The file is truncated and
// rewritten in place while the advisory lock is still held, so other
// processes observe either the old bytes or the new.
func (d *Db) Unlock(ref *Ref) error {
	if ref == nil || ref.file == nil {
		return fmt.Errorf("db: unlock of invalid ref")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var werr error
	if err := ref.file.Truncate(0); err != nil {
		// Logged but the ref is still released
		L_error("db: truncate failed", "path", ref.key, "error", err)
		werr = err
	} else {
		if _, err := ref.file.Seek(0, 0); err != nil {
			L_error("db: seek failed", "path", ref.key, "error", err)
			werr = err
		} else if err := json.Encode(ref.file, ref.JSON, json.ModePretty); err != nil {
			L_error("db: write failed", "path", ref.key, "error", err)
			werr = err
		}
	}
	ref.file.Close()

	if d.cache.enabled() {
		d.cache.put(ref.key, ref.JSON, time.Now(), d.locked)
	}

	delete(d.locked, ref.key)
	ref.file = nil
	d.cond.Broadcast()
	return werr
}

// Delete removes the object at path, evicting any cached copy.
func (d *Db) Delete(path ...string) error {
	if len(path) == 0 {
		return fmt.Errorf("db: empty path")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := cacheKey(path)
	d.waitUnlocked(key)

	d.cache.remove(key)
	if err := os.Remove(d.filePath(path)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("db: delete failed: %w", err)
	}
	return nil
}

// Exists reports whether an object is present at path, without parsing it.
func (d *Db) Exists(path ...string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := os.Stat(d.filePath(path))
	return err == nil
}

// List returns the names of the objects directly under path, in
// directory order with the .json suffix stripped.
func (d *Db) List(path ...string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	parts := make([]string, 0, len(path)+1)
	parts = append(parts, d.dir)
	for _, c := range path {
		parts = append(parts, sanitize(c))
	}
	entries, err := os.ReadDir(filepath.Join(parts...))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("db: list failed: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// CacheSize returns the current cache footprint in bytes.
func (d *Db) CacheSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.size
}

// CacheLen returns the number of cached objects.
func (d *Db) CacheLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache.entries)
}
