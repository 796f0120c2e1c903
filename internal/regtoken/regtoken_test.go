package regtoken

import (
	"errors"
	"testing"
	"time"

	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/user"
)

func setupTestDb(t *testing.T) *db.Db {
	t.Helper()
	d, err := db.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d
}

func TestCreateAndLock(t *testing.T) {
	d := setupTestDb(t)

	tok, err := Create(d, "welcome", "@admin:x", 5, 0, user.PrivNone)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tok.Unlock()

	tok, err = Lock(d, "welcome")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer tok.Unlock()
	info := tok.Info()
	if info.Get("createdBy").Str() != "@admin:x" || info.Get("uses").Int() != 5 {
		t.Errorf("record = %s", info)
	}

	if _, err := Create(d, "welcome", "@admin:x", 1, 0, user.PrivNone); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create = %v, want ErrExists", err)
	}
}

func TestGeneratedName(t *testing.T) {
	d := setupTestDb(t)
	tok, err := Create(d, "", "@admin:x", 1, 0, user.PrivNone)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer tok.Unlock()
	if len(tok.Name()) != generatedNameLen {
		t.Errorf("generated name %q has length %d", tok.Name(), len(tok.Name()))
	}
	if !Exists(d, tok.Name()) {
		t.Error("generated token record missing")
	}
}

func TestUseCountsDown(t *testing.T) {
	d := setupTestDb(t)
	tok, _ := Create(d, "twice", "@admin:x", 2, 0, user.PrivNone)

	for i := 0; i < 2; i++ {
		if !tok.Valid() {
			t.Fatalf("token invalid at use %d", i)
		}
		tok.Use()
	}
	if tok.Valid() {
		t.Error("token still valid after exhausting uses")
	}
	info := tok.Info()
	if info.Get("uses").Int() != 0 || info.Get("used").Int() != 2 {
		t.Errorf("counters = %s", info)
	}
	tok.Unlock()
}

func TestUnlimitedUses(t *testing.T) {
	d := setupTestDb(t)
	tok, _ := Create(d, "forever", "@admin:x", -1, 0, user.PrivNone)
	defer tok.Unlock()

	for i := 0; i < 10; i++ {
		if !tok.Valid() {
			t.Fatalf("unlimited token invalid at use %d", i)
		}
		tok.Use()
	}
	info := tok.Info()
	if info.Get("uses").Int() != -1 {
		t.Errorf("uses = %d, want -1", info.Get("uses").Int())
	}
	if info.Get("used").Int() != 10 {
		t.Errorf("used = %d, want 10", info.Get("used").Int())
	}
}

func TestExpiry(t *testing.T) {
	d := setupTestDb(t)

	past := time.Now().Add(-time.Minute).UnixMilli()
	expired, _ := Create(d, "stale", "@admin:x", 1, past, user.PrivNone)
	if expired.Valid() {
		t.Error("expired token reported valid")
	}
	expired.Unlock()

	future := time.Now().Add(time.Hour).UnixMilli()
	fresh, _ := Create(d, "fresh", "@admin:x", 1, future, user.PrivNone)
	if !fresh.Valid() {
		t.Error("unexpired token reported invalid")
	}
	fresh.Unlock()
}

func TestGrants(t *testing.T) {
	d := setupTestDb(t)
	tok, _ := Create(d, "admin", "@admin:x", 1, 0, user.PrivAll)
	defer tok.Unlock()
	if tok.Grants() != user.PrivAll {
		t.Errorf("grants = %v, want ALL", tok.Grants())
	}
}

func TestDeleteAndList(t *testing.T) {
	d := setupTestDb(t)
	for _, name := range []string{"a", "b"} {
		tok, _ := Create(d, name, "@admin:x", 1, 0, user.PrivNone)
		tok.Unlock()
	}

	names, err := List(d)
	if err != nil || len(names) != 2 {
		t.Fatalf("List = %v, %v", names, err)
	}

	if err := Delete(d, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if Exists(d, "a") {
		t.Error("deleted token still exists")
	}
	if err := Delete(d, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if _, err := Lock(d, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lock deleted = %v, want ErrNotFound", err)
	}
}
