package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	rootpkg "tools.zach/dev/ps4cord"
	"tools.zach/dev/ps4cord/internal/catalog"
	"tools.zach/dev/ps4cord/internal/config"
	"tools.zach/dev/ps4cord/internal/console"
	"tools.zach/dev/ps4cord/internal/control"
	"tools.zach/dev/ps4cord/internal/engine"
	"tools.zach/dev/ps4cord/internal/logger"
	"tools.zach/dev/ps4cord/internal/metadata"
	"tools.zach/dev/ps4cord/internal/paths"
	"tools.zach/dev/ps4cord/internal/presence"
)

const (
	// discordStartTries bounds the Discord connect at startup. Later
	// presence updates reconnect on their own.
	discordStartTries = 4
	// callTimeout bounds one control request from the CLI.
	callTimeout = 10 * time.Second
)

// controlAddr returns the control endpoint for dir on this platform.
func controlAddr(dir paths.DataDir) string {
	return dir.Control(runtime.GOOS == "windows")
}

// ///////////////////////////////////////////////
// Startup
// ///////////////////////////////////////////////

// runDaemon starts the daemon in the foreground process. When another
// instance already runs it is asked to show itself instead.
func runDaemon(ctx context.Context, g *globals, args []string) error {
	if err := argCount(args, 0, 0); err != nil {
		return err
	}
	dir := g.paths()
	if err := os.MkdirAll(dir.Root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if alive, pid := runningPID(dir); alive {
		return wakeRunning(ctx, g, pid)
	}

	if err := writeDefaultConfig(dir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", err)
	}
	cfg, err := config.Load(dir.Root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(logger.ParseLevel(cfg.Log.Level))
	var mirror io.Writer
	if g.foreground {
		mirror = os.Stderr
	}
	log, logCloser, err := logger.New(logger.Options{
		Path:      dir.Log(),
		Level:     level,
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Mirror:    mirror,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	lock, err := acquirePID(dir)
	if err != nil {
		logger.Fail(log, "failed to write PID file", "error", err)
		return err
	}
	defer lock.release()

	slog.Info("ps4cord starting", "version", resolveVersion(), "data_dir", dir.Root, "pid", os.Getpid())

	d, err := newDaemon(dir, cfg, level)
	if err != nil {
		logger.Fail(log, "startup failed", "error", err)
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	return d.run(ctx)
}

// wakeRunning sends "show" to the running instance and prints its status.
func wakeRunning(ctx context.Context, g *globals, pid int) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := control.Call(cctx, controlAddr(g.paths()), control.Request{Action: control.ActionShow})
	if err != nil {
		return fmt.Errorf("daemon already running (pid %d) but not answering: %w", pid, err)
	}
	var st engine.Status
	if err := resp.Decode(&st); err != nil {
		fmt.Fprintf(g.out, "%s is already running (pid %d)\n", paths.BinaryName, pid)
		return nil
	}
	fmt.Fprintf(g.out, "%s is already running (pid %d): %s\n", paths.BinaryName, pid, st.Summary(time.Now()))
	return nil
}

// writeDefaultConfig seeds config.toml on first run.
func writeDefaultConfig(dir paths.DataDir) error {
	if _, err := os.Stat(dir.Config()); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.WriteFile(dir.Config(), rootpkg.DefaultConfigTOML, 0o644)
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

// daemon owns the collaborators of a running instance. Fields other than
// mu/cfg are only touched before the engine starts or on the engine
// goroutine (through Exec and the engine callbacks).
type daemon struct {
	dir   paths.DataDir
	level *slog.LevelVar

	catalog  *catalog.Catalog
	probe    *console.Probe
	resolver *metadata.Resolver
	cycle    *engine.Cycle
	pub      *discordPublisher
	syncer   *presence.Synchronizer
	engine   *engine.Engine

	mu        sync.Mutex
	cfg       *config.Config
	faults    int
	lastFault string
}

// statusReply is the status action's answer: the engine snapshot plus any
// fault notice the user has not seen yet.
type statusReply struct {
	engine.Status
	Notice string `json:"notice,omitempty"`
}

func newDaemon(dir paths.DataDir, cfg *config.Config, level *slog.LevelVar) (*daemon, error) {
	cat, err := catalog.Open(dir.Catalog())
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	pol := cfg.Policy()
	d := &daemon{dir: dir, level: level, catalog: cat, cfg: cfg}
	d.probe = newProbe(cfg, pol.Timeouts)
	d.resolver = newResolver(cfg, cat, pol.Metadata)
	d.cycle = &engine.Cycle{Probe: d.probe, Resolver: d.resolver}
	d.pub = newDiscordPublisher(cfg.Discord.ClientID)
	d.syncer = presence.NewSynchronizer(d.pub)
	d.engine = engine.New(engine.Config{
		Cycle:       d.cycle,
		Publisher:   d.syncer,
		Policy:      pol,
		Link:        cfg.Link(),
		OnConnected: d.rememberAddress,
		OnPolicy:    d.applyPolicy,
		OnFault:     d.noteFault,
	})
	return d, nil
}

func newProbe(cfg *config.Config, t console.Timeouts) *console.Probe {
	return console.NewProbe(console.FTPDialer{Port: cfg.Console.Port, OpTimeout: t.List}, t)
}

func newResolver(cfg *config.Config, cat *catalog.Catalog, opts metadata.Options) *metadata.Resolver {
	return metadata.NewResolver(metadata.NewClient(cfg.Metadata.BaseURL, cfg.MetadataTimeout()), cat, opts)
}

// run serves until ctx is cancelled, then clears the presence.
func (d *daemon) run(ctx context.Context) error {
	srv, err := control.NewServer(controlAddr(d.dir), d.handle)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := d.pub.ConnectWithRetry(cctx, discordStartTries); err != nil {
		slog.Warn("discord not available yet, retrying on the next update", "error", err)
	} else {
		slog.Info("connected to Discord", "client_id", d.pub.current().AppID())
	}
	cancel()

	watcher := config.NewWatcher(d.dir.Config())
	defer watcher.Close()
	if watcher.Polling() {
		slog.Info("using polling mode for config changes")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.engine.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		d.watchConfig(gctx, watcher)
		return nil
	})
	err = g.Wait()

	if cerr := d.syncer.Close(); cerr != nil {
		slog.Debug("closing presence", "error", cerr)
	}
	slog.Info("ps4cord stopped")
	return err
}

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

func (d *daemon) watchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Events():
			if err := d.reload(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("config reload failed, keeping current settings", "error", err)
			}
		}
	}
}

// reload loads config.toml and applies what changed. Collaborator swaps
// run on the engine goroutine between cycles.
func (d *daemon) reload(ctx context.Context) error {
	cfg, err := config.Load(d.dir.Root)
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev := d.cfg
	if reflect.DeepEqual(prev, cfg) {
		d.mu.Unlock()
		slog.Debug("config unchanged")
		return nil
	}
	d.cfg = cfg
	d.mu.Unlock()

	d.level.Set(logger.ParseLevel(cfg.Log.Level))
	slog.Info("config reloaded")

	pol := cfg.Policy()
	err = d.engine.Exec(ctx, func() error {
		if prev.Console.Port != cfg.Console.Port {
			d.probe = newProbe(cfg, pol.Timeouts)
			d.cycle.Probe = d.probe
		}
		if prev.Metadata.BaseURL != cfg.Metadata.BaseURL || prev.Metadata.TimeoutSeconds != cfg.Metadata.TimeoutSeconds {
			d.resolver = newResolver(cfg, d.catalog, pol.Metadata)
			d.cycle.Resolver = d.resolver
		}
		if d.pub.SetAppID(cfg.Discord.ClientID) {
			if err := d.syncer.Resync(); err != nil {
				slog.Warn("presence resync failed", "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := d.engine.SetPolicy(ctx, pol); err != nil {
		return err
	}

	if link := cfg.Link(); link.Wanted && link.Address != d.engine.Status().Address {
		return d.engine.Connect(ctx, link.Address)
	}
	return nil
}

// applyPolicy pushes the timeouts and metadata options into the cycle's
// collaborators. Called on the engine goroutine.
func (d *daemon) applyPolicy(p engine.Policy) {
	d.probe.SetTimeouts(p.Timeouts)
	d.resolver.SetOptions(p.Metadata)
}

// rememberAddress saves an address that answered so the next start
// reconnects to it. Called on the engine goroutine.
func (d *daemon) rememberAddress(addr string) {
	d.mu.Lock()
	same := d.cfg.Console.Address == addr
	d.mu.Unlock()
	if same {
		return
	}
	if _, err := config.Update(d.dir.Config(), func(c *config.Config) { c.Console.Address = addr }); err != nil {
		slog.Warn("failed to save console address", "address", addr, "error", err)
		return
	}
	d.mu.Lock()
	d.cfg.Console.Address = addr
	d.mu.Unlock()
	slog.Info("console address saved", "address", addr)
}

// noteFault keeps a console fault for the next status call. Called on the
// engine goroutine.
func (d *daemon) noteFault(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults++
	d.lastFault = err.Error()
}

// takeNotice returns the faults reported since the previous call.
func (d *daemon) takeNotice() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults == 0 {
		return ""
	}
	n := fmt.Sprintf("%d console error(s) since the last check, latest: %s", d.faults, d.lastFault)
	d.faults, d.lastFault = 0, ""
	return n
}

// ///////////////////////////////////////////////
// Control Handler
// ///////////////////////////////////////////////

// handle answers control requests from the CLI and from second instances.
func (d *daemon) handle(ctx context.Context, req control.Request) (any, error) {
	switch req.Action {
	case control.ActionShow:
		st := d.engine.Status()
		slog.Info("another instance was started", "status", st.Summary(time.Now()))
		return st, nil

	case control.ActionStatus:
		return statusReply{Status: d.engine.Status(), Notice: d.takeNotice()}, nil

	case control.ActionConnect:
		if err := d.engine.Connect(ctx, req.Address); err != nil {
			return nil, err
		}
		return d.engine.Status(), nil

	case control.ActionDisconnect:
		if err := d.engine.Disconnect(ctx); err != nil {
			return nil, err
		}
		return d.engine.Status(), nil

	case control.ActionEdit:
		var rec catalog.GameRecord
		err := d.engine.Exec(ctx, func() error {
			var err error
			rec, err = d.catalog.Edit(normalizeTitleID(req.TitleID), req.Name, req.Image)
			return err
		})
		if err != nil {
			return nil, err
		}
		return rec, nil

	case control.ActionForget:
		err := d.engine.Exec(ctx, func() error {
			return d.catalog.Forget(normalizeTitleID(req.TitleID))
		})
		return nil, err

	case control.ActionReload:
		if err := d.reload(ctx); err != nil {
			return nil, err
		}
		return d.engine.Status(), nil
	}
	return nil, fmt.Errorf("unknown action %q", req.Action)
}

// normalizeTitleID upper-cases console title ids; the home sentinel is
// kept as is.
func normalizeTitleID(id string) string {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, catalog.HomeTitleID) {
		return catalog.HomeTitleID
	}
	return strings.ToUpper(id)
}
