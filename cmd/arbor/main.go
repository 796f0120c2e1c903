package main

import (
	"fmt"
	"os"
	"os/signal"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	daemon "github.com/sevlyar/go-daemon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/arborhs/arbor/internal/api"
	"github.com/arborhs/arbor/internal/config"
	"github.com/arborhs/arbor/internal/cron"
	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/httpd"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/uia"
)

const version = "0.1.0"

// sessionSweepInterval is how often stale user-interactive auth
// sessions are purged.
const sessionSweepInterval = time.Minute

var cli struct {
	DataDir string           `short:"d" required:"" type:"path" help:"Data directory holding the object store."`
	Verbose bool             `short:"v" help:"Log at debug level, overriding the configured level."`
	Daemon  bool             `help:"Fork into the background."`
	Version kong.VersionFlag `short:"V" help:"Print the version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("arbor"),
		kong.Description("A Matrix homeserver backed by a flat-file object store."),
		kong.Vars{"version": "arbor " + version},
	)

	Init(DefaultConfig())
	if cli.Verbose {
		SetLevel(LevelDebug)
	}

	if cli.Daemon {
		ctx := &daemon.Context{
			PidFileName: filepath.Join(cli.DataDir, "arbor.pid"),
			PidFilePerm: 0644,
			Umask:       027,
		}
		child, err := ctx.Reborn()
		if err != nil {
			L_fatal("arbor: failed to daemonize", "error", err)
		}
		if child != nil {
			// Parent: the child carries on
			return
		}
		defer ctx.Release()
	}

	if err := run(); err != nil {
		L_fatal("arbor: %v", err)
	}
}

func run() error {
	L_info("arbor: starting", "version", version, "dataDir", cli.DataDir)

	d, err := db.Open(cli.DataDir, config.DefaultMaxCache)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}

	cfg, err := config.Bootstrap(d)
	if err != nil {
		return err
	}
	if err := config.ApplyRuntime(d, cfg); err != nil {
		return err
	}
	if cli.Verbose {
		// -v wins over the configured level
		SetLevel(LevelDebug)
	}

	a := api.New(d, cfg)

	servers := make([]*httpd.Server, 0, len(cfg.Listen))
	for _, l := range cfg.Listen {
		hc := httpd.Config{
			Port:           l.Port,
			Threads:        l.Threads,
			MaxConnections: l.MaxConnections,
			Handler:        a.Handler(),
		}
		if l.TLS != nil {
			hc.TLSCert = l.TLS.Cert
			hc.TLSKey = l.TLS.Key
		}
		srv, err := httpd.NewServer(hc)
		if err != nil {
			return err
		}
		servers = append(servers, srv)
	}

	// Bind every port before dropping privileges
	var g errgroup.Group
	for _, srv := range servers {
		g.Go(srv.Start)
	}
	if err := g.Wait(); err != nil {
		for _, srv := range servers {
			srv.Stop()
		}
		return err
	}

	if cfg.RunAs != nil {
		if err := dropPrivileges(cfg.RunAs); err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
	}

	if cfg.Pid != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if err := os.WriteFile(cfg.Pid, []byte(pid), 0644); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer os.Remove(cfg.Pid)
	}

	sched := cron.New(time.Second)
	sched.Every(sessionSweepInterval, "uia-cleanup", func() {
		uia.Cleanup(d)
	})
	sched.Start()

	L_info("arbor: ready", "serverName", cfg.ServerName, "listeners", len(servers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			// Re-read the record: picks up edits made while running
			next, err := config.Load(d)
			if err != nil {
				L_error("arbor: config reload failed", "error", err)
				continue
			}
			if err := config.ApplyRuntime(d, next); err != nil {
				L_error("arbor: config apply failed", "error", err)
				continue
			}
			a.SetConfig(next)
			L_info("arbor: configuration reloaded")
			continue
		}
		L_info("arbor: shutting down", "signal", s)
		break
	}

	SetShuttingDown()
	sched.Stop()
	sched.Free()
	for _, srv := range servers {
		srv.Stop()
	}
	L_info("arbor: goodbye")
	return nil
}

// dropPrivileges switches to the configured uid/gid. Accepts either
// names or numeric ids.
func dropPrivileges(r *config.RunAs) error {
	u, err := osuser.Lookup(r.Uid)
	if err != nil {
		u, err = osuser.LookupId(r.Uid)
	}
	if err != nil {
		return fmt.Errorf("unknown user %q: %w", r.Uid, err)
	}

	gidStr := u.Gid
	if r.Gid != "" {
		grp, err := osuser.LookupGroup(r.Gid)
		if err != nil {
			grp, err = osuser.LookupGroupId(r.Gid)
		}
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", r.Gid, err)
		}
		gidStr = grp.Gid
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return err
	}

	// Group first; once the uid drops we cannot change it
	if err := unix.Setgid(gid); err != nil {
		return err
	}
	if err := unix.Setuid(uid); err != nil {
		return err
	}
	L_info("arbor: dropped privileges", "uid", uid, "gid", gid)
	return nil
}
