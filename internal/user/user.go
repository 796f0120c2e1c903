// Package user implements local user accounts, their password and
// privilege records, and the access/refresh token lifecycle. All state
// lives in the object store; a User is a locked ref over the account
// object, valid until Unlock.
package user

import (
	"errors"
	"fmt"
	"time"

	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
)

// accessTokenLifetime applies only when the client is refresh-capable;
// otherwise tokens never expire.
const accessTokenLifetime = 7 * 24 * time.Hour

var (
	ErrExists       = errors.New("user: already exists")
	ErrNotFound     = errors.New("user: not found")
	ErrBadPassword  = errors.New("user: wrong password")
	ErrDeactivated  = errors.New("user: account deactivated")
	ErrUnknownToken = errors.New("user: unknown or expired token")
)

// User is a locked account record.
type User struct {
	db   *db.Db
	ref  *db.Ref
	name string
}

// LoginInfo is the result of issuing tokens for a device.
type LoginInfo struct {
	AccessToken  string
	RefreshToken string
	DeviceId     string
	ExpiresInMs  int64 // 0 = never expires
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Exists reports whether a local account record exists.
func Exists(d *db.Db, localpart string) bool {
	return d.Exists("users", localpart)
}

// Create makes a new account with the given password and locks it.
func Create(d *db.Db, localpart, password string) (*User, error) {
	ref, err := d.Create("users", localpart)
	if err != nil {
		if errors.Is(err, db.ErrExists) {
			return nil, ErrExists
		}
		return nil, err
	}

	salt, err := newSalt()
	if err != nil {
		d.Unlock(ref)
		return nil, err
	}
	ref.JSON.Set("createdOn", json.Integer(nowMs()))
	ref.JSON.Set("deactivated", json.Boolean(false))
	ref.JSON.Set("password", json.String(hashPassword(password, salt)))
	ref.JSON.Set("salt", json.String(salt))
	ref.JSON.Set("devices", json.NewObject())
	ref.JSON.Set("profile", json.NewObject())
	ref.JSON.Set("privileges", json.NewArray())

	L_info("user: created account", "user", localpart)
	return &User{db: d, ref: ref, name: localpart}, nil
}

// Lock checks out an existing account record.
func Lock(d *db.Db, localpart string) (*User, error) {
	ref, err := d.Lock("users", localpart)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &User{db: d, ref: ref, name: localpart}, nil
}

// Unlock writes the record back and releases it.
func (u *User) Unlock() error {
	if u.ref == nil {
		return nil
	}
	ref := u.ref
	u.ref = nil
	return u.db.Unlock(ref)
}

// Localpart returns the account's localpart.
func (u *User) Localpart() string {
	return u.name
}

// Id returns the full user id for the given server name.
func (u *User) Id(serverName string) string {
	return fmt.Sprintf("@%s:%s", u.name, serverName)
}

// Deactivated reports whether the account has been shut off.
func (u *User) Deactivated() bool {
	return u.ref.JSON.Get("deactivated").Bool()
}

// Deactivate marks the account unusable and revokes every token. The
// record itself stays; the localpart is never reused.
func (u *User) Deactivate(by, reason string) error {
	u.ref.JSON.Set("deactivated", json.Boolean(true))
	info := json.NewObject()
	info.Set("by", json.String(by))
	if reason != "" {
		info.Set("reason", json.String(reason))
	}
	u.ref.JSON.Set("deactivate", info)
	L_info("user: deactivated account", "user", u.name, "by", by)
	return u.DeleteAllTokens("")
}

// Reactivate clears a prior deactivation.
func (u *User) Reactivate() {
	u.ref.JSON.Set("deactivated", json.Boolean(false))
	u.ref.JSON.Delete("deactivate")
}

// CheckPassword verifies a candidate password against the stored digest.
func (u *User) CheckPassword(password string) bool {
	salt := u.ref.JSON.Get("salt").Str()
	stored := u.ref.JSON.Get("password").Str()
	return verifyPassword(password, salt, stored)
}

// SetPassword re-salts and replaces the stored digest.
func (u *User) SetPassword(password string) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	u.ref.JSON.Set("password", json.String(hashPassword(password, salt)))
	u.ref.JSON.Set("salt", json.String(salt))
	return nil
}

// Privileges returns the account's grant bitmask.
func (u *User) Privileges() Privilege {
	return DecodePrivileges(u.ref.JSON.Get("privileges"))
}

// SetPrivileges replaces the account's grants.
func (u *User) SetPrivileges(p Privilege) {
	u.ref.JSON.Set("privileges", EncodePrivileges(p))
}

// Profile returns one profile field, or "" if unset.
func (u *User) Profile(key string) string {
	return u.ref.JSON.Get("profile").Get(key).Str()
}

// SetProfile stores one profile field.
func (u *User) SetProfile(key, value string) {
	profile := u.ref.JSON.Get("profile")
	if profile.Object() == nil {
		profile = json.NewObject()
		u.ref.JSON.Set("profile", profile)
	}
	profile.Set(key, json.String(value))
}

// ProfileKeys returns the set profile field names in insertion order.
func (u *User) ProfileKeys() []string {
	return u.ref.JSON.Get("profile").Object().Keys()
}

// Devices returns the live devices subtree. The caller must not retain
// it past Unlock.
func (u *User) Devices() *json.Value {
	devices := u.ref.JSON.Get("devices")
	if devices.Object() == nil {
		devices = json.NewObject()
		u.ref.JSON.Set("devices", devices)
	}
	return devices
}

// Login verifies the password and issues tokens for a device.
func (u *User) Login(password, deviceId, displayName string, withRefresh bool) (*LoginInfo, error) {
	if u.Deactivated() {
		return nil, ErrDeactivated
	}
	if !u.CheckPassword(password) {
		return nil, ErrBadPassword
	}
	return u.IssueTokens(deviceId, displayName, withRefresh)
}

// IssueTokens creates a fresh access token (and refresh token when
// asked) for deviceId, replacing and revoking any tokens the device
// held before. An empty deviceId gets a generated one.
func (u *User) IssueTokens(deviceId, displayName string, withRefresh bool) (*LoginInfo, error) {
	var err error
	if deviceId == "" {
		if deviceId, err = RandomString(deviceIdLen); err != nil {
			return nil, err
		}
	}

	access, err := RandomString(accessTokenLen)
	if err != nil {
		return nil, err
	}

	info := &LoginInfo{AccessToken: access, DeviceId: deviceId}
	var expires int64
	if withRefresh {
		expires = nowMs() + accessTokenLifetime.Milliseconds()
		info.ExpiresInMs = accessTokenLifetime.Milliseconds()
		if info.RefreshToken, err = RandomString(refreshTokenLen); err != nil {
			return nil, err
		}
	}

	// A device logging in again drops its previous token pair
	devices := u.Devices()
	if old := devices.Get(deviceId); old != nil {
		u.revokeDeviceTokens(old)
	}

	tok, err := u.db.Create("tokens", "access", access)
	if err != nil {
		return nil, fmt.Errorf("user: failed to store access token: %w", err)
	}
	tok.JSON.Set("user", json.String(u.name))
	tok.JSON.Set("device", json.String(deviceId))
	tok.JSON.Set("expires", json.Integer(expires))
	if err := u.db.Unlock(tok); err != nil {
		return nil, err
	}

	if info.RefreshToken != "" {
		rtok, err := u.db.Create("tokens", "refresh", info.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("user: failed to store refresh token: %w", err)
		}
		rtok.JSON.Set("refreshes", json.String(access))
		if err := u.db.Unlock(rtok); err != nil {
			return nil, err
		}
	}

	entry := json.NewObject()
	if displayName != "" {
		entry.Set("displayName", json.String(displayName))
	} else if old := devices.Get(deviceId); old.Get("displayName") != nil {
		entry.Set("displayName", old.Get("displayName"))
	}
	entry.Set("accessToken", json.String(access))
	if info.RefreshToken != "" {
		entry.Set("refreshToken", json.String(info.RefreshToken))
	}
	devices.Set(deviceId, entry)

	L_debug("user: issued tokens", "user", u.name, "device", deviceId, "refresh", withRefresh)
	return info, nil
}

// revokeDeviceTokens deletes the token records a devices entry points
// at. The entry itself is the caller's to remove or replace.
func (u *User) revokeDeviceTokens(entry *json.Value) {
	if access := entry.Get("accessToken").Str(); access != "" {
		if err := u.db.Delete("tokens", "access", access); err != nil && !errors.Is(err, db.ErrNotFound) {
			L_warn("user: failed to delete access token", "user", u.name, "error", err)
		}
	}
	if refresh := entry.Get("refreshToken").Str(); refresh != "" {
		if err := u.db.Delete("tokens", "refresh", refresh); err != nil && !errors.Is(err, db.ErrNotFound) {
			L_warn("user: failed to delete refresh token", "user", u.name, "error", err)
		}
	}
}

// DeleteToken revokes one access token: the token record, its paired
// refresh token, and the device entry that referenced it.
func (u *User) DeleteToken(token string) error {
	devices := u.Devices()
	for _, deviceId := range devices.Object().Keys() {
		entry := devices.Get(deviceId)
		if entry.Get("accessToken").Str() != token {
			continue
		}
		u.revokeDeviceTokens(entry)
		devices.Delete(deviceId)
		return nil
	}
	return ErrUnknownToken
}

// DeleteAllTokens revokes every device's tokens, optionally sparing
// one access token (the caller's own, typically).
func (u *User) DeleteAllTokens(exempt string) error {
	devices := u.Devices()
	for _, deviceId := range devices.Object().Keys() {
		entry := devices.Get(deviceId)
		if exempt != "" && entry.Get("accessToken").Str() == exempt {
			continue
		}
		u.revokeDeviceTokens(entry)
		devices.Delete(deviceId)
	}
	return nil
}

// Authenticate resolves an access token to its locked user. The second
// return is the deviceId recorded on the token.
func Authenticate(d *db.Db, token string) (*User, string, error) {
	ref, err := d.Lock("tokens", "access", token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", ErrUnknownToken
		}
		return nil, "", err
	}
	name := ref.JSON.Get("user").Str()
	device := ref.JSON.Get("device").Str()
	expires := ref.JSON.Get("expires").Int()
	d.Unlock(ref)

	if expires != 0 && nowMs() >= expires {
		return nil, "", ErrUnknownToken
	}

	u, err := Lock(d, name)
	if err != nil {
		return nil, "", err
	}
	if u.Deactivated() {
		u.Unlock()
		return nil, "", ErrUnknownToken
	}
	return u, device, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair.
// Both old tokens are revoked; presenting the old refresh token again
// fails.
func Refresh(d *db.Db, refreshToken string) (*LoginInfo, error) {
	rtok, err := d.Lock("tokens", "refresh", refreshToken)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, err
	}
	oldAccess := rtok.JSON.Get("refreshes").Str()
	d.Unlock(rtok)

	atok, err := d.Lock("tokens", "access", oldAccess)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, err
	}
	name := atok.JSON.Get("user").Str()
	device := atok.JSON.Get("device").Str()
	d.Unlock(atok)

	u, err := Lock(d, name)
	if err != nil {
		return nil, err
	}
	defer u.Unlock()
	if u.Deactivated() {
		return nil, ErrUnknownToken
	}

	access, err := RandomString(accessTokenLen)
	if err != nil {
		return nil, err
	}
	expires := nowMs() + accessTokenLifetime.Milliseconds()

	tok, err := d.Create("tokens", "access", access)
	if err != nil {
		return nil, fmt.Errorf("user: failed to store access token: %w", err)
	}
	tok.JSON.Set("user", json.String(name))
	tok.JSON.Set("device", json.String(device))
	tok.JSON.Set("expires", json.Integer(expires))
	if err := d.Unlock(tok); err != nil {
		return nil, err
	}
	if err := d.Delete("tokens", "access", oldAccess); err != nil && !errors.Is(err, db.ErrNotFound) {
		L_warn("user: failed to delete refreshed token", "user", name, "error", err)
	}

	refresh, err := RandomString(refreshTokenLen)
	if err != nil {
		return nil, err
	}
	ntok, err := d.Create("tokens", "refresh", refresh)
	if err != nil {
		return nil, fmt.Errorf("user: failed to store refresh token: %w", err)
	}
	ntok.JSON.Set("refreshes", json.String(access))
	if err := d.Unlock(ntok); err != nil {
		return nil, err
	}
	if err := d.Delete("tokens", "refresh", refreshToken); err != nil && !errors.Is(err, db.ErrNotFound) {
		L_warn("user: failed to delete rotated refresh token", "user", name, "error", err)
	}

	devices := u.Devices()
	if entry := devices.Get(device); entry != nil {
		entry.Set("accessToken", json.String(access))
		entry.Set("refreshToken", json.String(refresh))
	}

	return &LoginInfo{
		AccessToken:  access,
		RefreshToken: refresh,
		DeviceId:     device,
		ExpiresInMs:  accessTokenLifetime.Milliseconds(),
	}, nil
}
