package db

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arborhs/arbor/internal/json"
)

func setupTestDb(t *testing.T, maxCache int64) *Db {
	t.Helper()
	d, err := Open(t.TempDir(), maxCache)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d
}

func TestCreateLockUnlock(t *testing.T) {
	d := setupTestDb(t, 1<<20)

	ref, err := d.Create("users", "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ref.JSON.Set("createdOn", json.Integer(12345))
	if err := d.Unlock(ref); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	ref, err = d.Lock("users", "alice")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if got := ref.JSON.Get("createdOn").Int(); got != 12345 {
		t.Errorf("createdOn = %d, want 12345", got)
	}
	d.Unlock(ref)
}

func TestCreateExisting(t *testing.T) {
	d := setupTestDb(t, 0)

	ref, err := d.Create("config")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	d.Unlock(ref)

	if _, err := d.Create("config"); !errors.Is(err, ErrExists) {
		t.Errorf("second Create = %v, want ErrExists", err)
	}
}

func TestCreateWhileCheckedOut(t *testing.T) {
	d := setupTestDb(t, 0)

	ref, err := d.Create("tokens", "welcome")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The holder itself must get ErrExists back, not block on its own
	// checkout
	if _, err := d.Create("tokens", "welcome"); !errors.Is(err, ErrExists) {
		t.Errorf("Create while held = %v, want ErrExists", err)
	}
	d.Unlock(ref)
}

func TestLockMissing(t *testing.T) {
	d := setupTestDb(t, 0)
	if _, err := d.Lock("users", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lock = %v, want ErrNotFound", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	d := setupTestDb(t, 0)

	ref, _ := d.Create("tokens", "access", "abc")
	d.Unlock(ref)

	if !d.Exists("tokens", "access", "abc") {
		t.Error("Exists = false after create")
	}
	if err := d.Delete("tokens", "access", "abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if d.Exists("tokens", "access", "abc") {
		t.Error("Exists = true after delete")
	}
	if err := d.Delete("tokens", "access", "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	d := setupTestDb(t, 0)

	for _, name := range []string{"one", "two", "three"} {
		ref, err := d.Create("user_interactive", name)
		if err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
		d.Unlock(ref)
	}

	names, err := d.List("user_interactive")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("List returned %d names, want 3", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{"one", "two", "three"} {
		if !seen[want] {
			t.Errorf("List missing %q", want)
		}
	}

	// Missing directory is an empty list, not an error
	names, err = d.List("nothing_here")
	if err != nil || names != nil {
		t.Errorf("List on missing dir = %v, %v", names, err)
	}
}

func TestPathSanitization(t *testing.T) {
	d := setupTestDb(t, 0)

	ref, err := d.Create("tokens", "access", "a/b.c")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	d.Unlock(ref)

	want := filepath.Join(d.Dir(), "tokens", "access", "a_b-c.json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("sanitized file %s missing: %v", want, err)
	}
	if !d.Exists("tokens", "access", "a/b.c") {
		t.Error("Exists via unsanitized path failed")
	}
}

func TestUnlockWithoutMutationIsStable(t *testing.T) {
	d := setupTestDb(t, 1<<20)

	ref, _ := d.Create("aliases")
	ref.JSON.Set("alias", json.NewObject())
	ref.JSON.Set("id", json.NewObject())
	d.Unlock(ref)

	file := filepath.Join(d.Dir(), "aliases.json")
	first, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	ref, _ = d.Lock("aliases")
	d.Unlock(ref)

	second, _ := os.ReadFile(file)
	if string(first) != string(second) {
		t.Errorf("bytes changed across no-op lock/unlock:\n%s\nvs\n%s", first, second)
	}
}

func TestCacheEviction(t *testing.T) {
	d := setupTestDb(t, 1024)

	// Ten objects of roughly 300 bytes each
	padding := make([]byte, 200)
	for i := range padding {
		padding[i] = 'x'
	}
	names := []string{"o0", "o1", "o2", "o3", "o4", "o5", "o6", "o7", "o8", "o9"}
	for _, n := range names {
		ref, err := d.Create("junk", n)
		if err != nil {
			t.Fatalf("Create %s failed: %v", n, err)
		}
		ref.JSON.Set("pad", json.String(string(padding)))
		if err := d.Unlock(ref); err != nil {
			t.Fatalf("Unlock %s failed: %v", n, err)
		}
	}

	if d.CacheSize() > 1024 {
		t.Errorf("cache size %d exceeds budget", d.CacheSize())
	}
	if d.CacheLen() >= len(names) {
		t.Errorf("no eviction happened: %d entries cached", d.CacheLen())
	}
	if d.CacheLen() == 0 {
		t.Error("eviction dropped everything")
	}
}

func TestCacheDisabled(t *testing.T) {
	d := setupTestDb(t, 0)

	ref, _ := d.Create("users", "bob")
	d.Unlock(ref)
	ref, _ = d.Lock("users", "bob")
	d.Unlock(ref)

	if d.CacheLen() != 0 {
		t.Errorf("cache holds %d entries with caching disabled", d.CacheLen())
	}
}

func TestSetMaxCacheEvicts(t *testing.T) {
	d := setupTestDb(t, 1<<20)

	for _, n := range []string{"a", "b", "c"} {
		ref, _ := d.Create("users", n)
		d.Unlock(ref)
	}
	if d.CacheLen() != 3 {
		t.Fatalf("expected 3 cached entries, got %d", d.CacheLen())
	}

	d.SetMaxCache(1)
	if d.CacheLen() > 1 {
		t.Errorf("%d entries survive a 1-byte budget", d.CacheLen())
	}

	d.SetMaxCache(0)
	if d.CacheLen() != 0 {
		t.Errorf("disabling cache left %d entries", d.CacheLen())
	}
}

func TestStaleCacheRefreshesFromDisk(t *testing.T) {
	d := setupTestDb(t, 1<<20)

	ref, _ := d.Create("config")
	ref.JSON.Set("v", json.Integer(1))
	d.Unlock(ref)

	// Another process rewrites the file behind our back
	file := filepath.Join(d.Dir(), "config.json")
	if err := os.WriteFile(file, []byte(`{"v":2}`), 0640); err != nil {
		t.Fatalf("external write failed: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(file, future, future); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	ref, err := d.Lock("config")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer d.Unlock(ref)
	if got := ref.JSON.Get("v").Int(); got != 2 {
		t.Errorf("v = %d, want 2 (stale cache served)", got)
	}
}

func TestConcurrentLockExclusivity(t *testing.T) {
	d := setupTestDb(t, 1<<20)

	ref, _ := d.Create("counter")
	ref.JSON.Set("n", json.Integer(0))
	d.Unlock(ref)

	const workers = 4
	const iterations = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				ref, err := d.Lock("counter")
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				ref.JSON.Set("n", json.Integer(ref.JSON.Get("n").Int()+1))
				if err := d.Unlock(ref); err != nil {
					t.Errorf("Unlock failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	ref, _ = d.Lock("counter")
	defer d.Unlock(ref)
	if got := ref.JSON.Get("n").Int(); got != workers*iterations {
		t.Errorf("counter = %d, want %d", got, workers*iterations)
	}
}
