// Package config holds the server configuration record: its schema,
// validation, bootstrap defaults, and the merge/replace operations the
// admin API performs on it. The record persists in the object store
// under the single path (config).
package config

import (
	"errors"
	"fmt"

	"dario.cat/mergo"

	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/json"
	"github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/regtoken"
	"github.com/arborhs/arbor/internal/user"
)

// Cannot dot-import logging here: its Config would collide with ours.

const (
	DefaultPort           = 8008
	DefaultThreads        = 4
	DefaultMaxConnections = 32
	DefaultMaxCache       = 10 * 1024 * 1024
)

// TLS names the certificate pair for one listener.
type TLS struct {
	Cert string
	Key  string
}

// Listener describes one listening port.
type Listener struct {
	Port           uint16
	Threads        int
	MaxConnections int
	TLS            *TLS
}

// Log holds the logging settings, applied without a restart.
type Log struct {
	Level           string
	Output          string
	TimestampFormat string
	Color           bool
}

// RunAs names the uid/gid to drop privileges to after binding.
type RunAs struct {
	Uid string
	Gid string
}

// Config is the parsed and validated configuration tree.
type Config struct {
	ServerName     string
	BaseUrl        string
	IdentityServer string
	RunAs          *RunAs
	Listen         []Listener
	MaxCache       int64
	Federation     bool
	Registration   bool
	Log            Log
	Pid            string

	// raw is the JSON tree this config was parsed from
	raw *json.Value
}

// Raw returns the JSON tree backing this config.
func (c *Config) Raw() *json.Value {
	return c.raw
}

// Default builds the configuration written on first startup.
func Default() *json.Value {
	v := json.NewObject()
	v.Set("serverName", json.String("localhost"))
	v.Set("baseUrl", json.String(fmt.Sprintf("http://localhost:%d", DefaultPort)))

	listener := json.NewObject()
	listener.Set("port", json.Integer(DefaultPort))
	listener.Set("threads", json.Integer(DefaultThreads))
	listener.Set("maxConnections", json.Integer(DefaultMaxConnections))
	listen := json.NewArray()
	listen.Append(listener)
	v.Set("listen", listen)

	v.Set("maxCache", json.Integer(DefaultMaxCache))
	v.Set("federation", json.Boolean(false))
	v.Set("registration", json.Boolean(false))

	logObj := json.NewObject()
	logObj.Set("level", json.String("info"))
	logObj.Set("output", json.String("stdout"))
	logObj.Set("timestampFormat", json.String("15:04:05"))
	logObj.Set("color", json.Boolean(true))
	v.Set("log", logObj)

	return v
}

// Parse validates a JSON tree and builds a Config from it. The whole
// tree must be acceptable; nothing is swapped in on error.
func Parse(v *json.Value) (*Config, error) {
	if v.Object() == nil {
		return nil, errors.New("config: not a JSON object")
	}

	c := &Config{raw: v}

	c.ServerName = v.Get("serverName").Str()
	if c.ServerName == "" {
		return nil, errors.New("config: serverName is required")
	}
	c.BaseUrl = v.Get("baseUrl").Str()
	if c.BaseUrl == "" {
		return nil, errors.New("config: baseUrl is required")
	}
	c.IdentityServer = v.Get("identityServer").Str()

	if runAs := v.Get("runAs"); runAs != nil {
		if runAs.Object() == nil {
			return nil, errors.New("config: runAs must be an object")
		}
		c.RunAs = &RunAs{
			Uid: runAs.Get("uid").Str(),
			Gid: runAs.Get("gid").Str(),
		}
		if c.RunAs.Uid == "" {
			return nil, errors.New("config: runAs.uid is required when runAs is set")
		}
	}

	listen := v.Get("listen")
	if listen.Kind() != json.KindArray || len(listen.Array()) == 0 {
		return nil, errors.New("config: at least one listener is required")
	}
	for i, lv := range listen.Array() {
		if lv.Object() == nil {
			return nil, fmt.Errorf("config: listen[%d] must be an object", i)
		}
		port := lv.Get("port").Int()
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: listen[%d].port %d out of range", i, port)
		}
		l := Listener{
			Port:           uint16(port),
			Threads:        int(lv.Get("threads").Int()),
			MaxConnections: int(lv.Get("maxConnections").Int()),
		}
		if l.Threads <= 0 {
			l.Threads = DefaultThreads
		}
		if l.MaxConnections <= 0 {
			l.MaxConnections = DefaultMaxConnections
		}
		if tls := lv.Get("tls"); tls != nil {
			cert := tls.Get("cert").Str()
			key := tls.Get("key").Str()
			if cert == "" || key == "" {
				return nil, fmt.Errorf("config: listen[%d].tls needs both cert and key", i)
			}
			l.TLS = &TLS{Cert: cert, Key: key}
		}
		c.Listen = append(c.Listen, l)
	}

	c.MaxCache = v.Get("maxCache").Int()
	if c.MaxCache < 0 {
		return nil, errors.New("config: maxCache must not be negative")
	}
	c.Federation = v.Get("federation").Bool()
	c.Registration = v.Get("registration").Bool()

	c.Log = Log{
		Level:           "info",
		Output:          "stdout",
		TimestampFormat: "15:04:05",
		Color:           true,
	}
	if lg := v.Get("log"); lg != nil {
		if lg.Object() == nil {
			return nil, errors.New("config: log must be an object")
		}
		if s := lg.Get("level").Str(); s != "" {
			if _, err := logging.ParseLevel(s); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			c.Log.Level = s
		}
		if s := lg.Get("output").Str(); s != "" {
			c.Log.Output = s
		}
		if s := lg.Get("timestampFormat").Str(); s != "" {
			c.Log.TimestampFormat = s
		}
		if b := lg.Get("color"); b != nil {
			c.Log.Color = b.Bool()
		}
	}

	c.Pid = v.Get("pid").Str()
	return c, nil
}

// Bootstrap loads the config record, creating the default one on first
// startup. A fresh install also mints a single-use registration token
// carrying every privilege, logged exactly once so the operator can
// register the first account.
func Bootstrap(d *db.Db) (*Config, error) {
	if !d.Exists("config") {
		ref, err := d.Create("config")
		if err != nil {
			return nil, fmt.Errorf("config: failed to create record: %w", err)
		}
		def := Default()
		for _, k := range def.Object().Keys() {
			ref.JSON.Set(k, def.Get(k))
		}
		if err := d.Unlock(ref); err != nil {
			return nil, err
		}
		logging.L_info("config: wrote default configuration")

		tok, err := regtoken.Create(d, "", "BOOTSTRAP", 1, 0, user.PrivAll)
		if err != nil {
			return nil, fmt.Errorf("config: failed to mint bootstrap token: %w", err)
		}
		name := tok.Name()
		if err := tok.Unlock(); err != nil {
			return nil, err
		}
		logging.L_warn("config: single-use registration token with ALL privileges created; register your admin account with it", "token", name)
	}

	return Load(d)
}

// Load reads and parses the current config record.
func Load(d *db.Db) (*Config, error) {
	ref, err := d.Lock("config")
	if err != nil {
		return nil, fmt.Errorf("config: failed to lock record: %w", err)
	}
	tree := ref.JSON.Clone()
	if err := d.Unlock(ref); err != nil {
		return nil, err
	}
	return Parse(tree)
}

// restartRequired reports whether switching from old to next needs a
// process restart: listener set, runAs, or pid file changed.
func restartRequired(old, next *Config) bool {
	if len(old.Listen) != len(next.Listen) {
		return true
	}
	for i := range old.Listen {
		a, b := old.Listen[i], next.Listen[i]
		if a.Port != b.Port || a.Threads != b.Threads || a.MaxConnections != b.MaxConnections {
			return true
		}
		if (a.TLS == nil) != (b.TLS == nil) {
			return true
		}
		if a.TLS != nil && *a.TLS != *b.TLS {
			return true
		}
	}
	if (old.RunAs == nil) != (next.RunAs == nil) {
		return true
	}
	if old.RunAs != nil && *old.RunAs != *next.RunAs {
		return true
	}
	return old.Pid != next.Pid
}

// Replace swaps in a whole new config tree after validating it.
// Returns the parsed config and whether a restart is needed for all of
// it to take effect.
func Replace(d *db.Db, tree *json.Value) (*Config, bool, error) {
	next, err := Parse(tree)
	if err != nil {
		return nil, false, err
	}
	old, err := Load(d)
	if err != nil {
		return nil, false, err
	}

	ref, err := d.Lock("config")
	if err != nil {
		return nil, false, err
	}
	for _, k := range ref.JSON.Object().Keys() {
		ref.JSON.Delete(k)
	}
	for _, k := range tree.Object().Keys() {
		ref.JSON.Set(k, tree.Get(k))
	}
	if err := d.Unlock(ref); err != nil {
		return nil, false, err
	}

	logging.L_info("config: replaced")
	return next, restartRequired(old, next), nil
}

// Merge recursively folds a partial tree over the current config,
// validating the merged result before writing it.
func Merge(d *db.Db, patch *json.Value) (*Config, bool, error) {
	if patch.Object() == nil {
		return nil, false, errors.New("config: merge patch must be an object")
	}
	old, err := Load(d)
	if err != nil {
		return nil, false, err
	}

	dst, ok := old.raw.Interface().(map[string]interface{})
	if !ok {
		return nil, false, errors.New("config: current record is not an object")
	}
	src, _ := patch.Interface().(map[string]interface{})
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return nil, false, fmt.Errorf("config: merge failed: %w", err)
	}

	merged, err := json.FromInterface(dst)
	if err != nil {
		return nil, false, fmt.Errorf("config: merge failed: %w", err)
	}
	return Replace(d, merged)
}

// ApplyRuntime applies the settings that take effect without a
// restart: log configuration and the cache budget.
func ApplyRuntime(d *db.Db, c *Config) error {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	if err := logging.Init(&logging.Config{
		Level:      level,
		Output:     c.Log.Output,
		TimeFormat: c.Log.TimestampFormat,
		Color:      c.Log.Color,
	}); err != nil {
		return err
	}
	d.SetMaxCache(c.MaxCache)
	return nil
}
