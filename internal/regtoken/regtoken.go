// Package regtoken implements registration tokens: named records that
// authorize account creation, with optional use limits, expiry, and
// privilege grants applied to the accounts they register.
package regtoken

import (
	"errors"
	"time"

	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/user"
)

const generatedNameLen = 16

var (
	ErrExists   = errors.New("regtoken: already exists")
	ErrNotFound = errors.New("regtoken: not found")
)

// Token is a locked registration-token record.
type Token struct {
	db   *db.Db
	ref  *db.Ref
	name string
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Create mints a new token and locks it. An empty name gets a random
// one. uses below zero means unlimited; expiresOn of zero never
// expires.
func Create(d *db.Db, name, createdBy string, uses, expiresOn int64, grants user.Privilege) (*Token, error) {
	var err error
	if name == "" {
		if name, err = user.RandomString(generatedNameLen); err != nil {
			return nil, err
		}
	}

	ref, err := d.Create("tokens", "registration", name)
	if err != nil {
		if errors.Is(err, db.ErrExists) {
			return nil, ErrExists
		}
		return nil, err
	}
	ref.JSON.Set("name", json.String(name))
	ref.JSON.Set("createdBy", json.String(createdBy))
	ref.JSON.Set("expiresOn", json.Integer(expiresOn))
	ref.JSON.Set("uses", json.Integer(uses))
	ref.JSON.Set("used", json.Integer(0))
	ref.JSON.Set("grants", user.EncodePrivileges(grants))

	L_info("regtoken: created", "name", name, "by", createdBy, "uses", uses)
	return &Token{db: d, ref: ref, name: name}, nil
}

// Lock checks out an existing token record.
func Lock(d *db.Db, name string) (*Token, error) {
	ref, err := d.Lock("tokens", "registration", name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Token{db: d, ref: ref, name: name}, nil
}

// Unlock writes the record back and releases it.
func (t *Token) Unlock() error {
	if t.ref == nil {
		return nil
	}
	ref := t.ref
	t.ref = nil
	return t.db.Unlock(ref)
}

// Name returns the token's name.
func (t *Token) Name() string {
	return t.name
}

// Valid reports whether the token can still authorize a registration:
// uses remaining and not expired.
func (t *Token) Valid() bool {
	if t.ref.JSON.Get("uses").Int() == 0 {
		return false
	}
	expiresOn := t.ref.JSON.Get("expiresOn").Int()
	return expiresOn == 0 || nowMs() < expiresOn
}

// Use consumes one use: a non-negative counter is decremented, the
// used counter always grows. Unlimited tokens only count.
func (t *Token) Use() {
	uses := t.ref.JSON.Get("uses").Int()
	if uses > 0 {
		t.ref.JSON.Set("uses", json.Integer(uses-1))
	}
	t.ref.JSON.Set("used", json.Integer(t.ref.JSON.Get("used").Int()+1))
}

// Grants returns the privileges this token bestows on registration.
func (t *Token) Grants() user.Privilege {
	return user.DecodePrivileges(t.ref.JSON.Get("grants"))
}

// Info returns a copy of the record for API responses.
func (t *Token) Info() *json.Value {
	return t.ref.JSON.Clone()
}

// Exists reports whether a token record is present.
func Exists(d *db.Db, name string) bool {
	return d.Exists("tokens", "registration", name)
}

// Delete removes a token record.
func Delete(d *db.Db, name string) error {
	if err := d.Delete("tokens", "registration", name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	L_info("regtoken: deleted", "name", name)
	return nil
}

// List returns the names of all registration tokens.
func List(d *db.Db) ([]string, error) {
	return d.List("tokens", "registration")
}
