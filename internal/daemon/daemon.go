// Package daemon wires every subsystem into a running bridge daemon:
// persistent store, audit trail, event log, approvals, orchestrator,
// thread projection, terminal manager, agent transport, and the HTTP
// boundary. Grounded on internal/agent/agent.go's New/Run split (own the
// subsystem lifecycle, log startup, shut everything down in Run on ctx
// cancellation).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaybridge/agentbridge/internal/agenttransport"
	"github.com/relaybridge/agentbridge/internal/approvals"
	"github.com/relaybridge/agentbridge/internal/auditlog"
	"github.com/relaybridge/agentbridge/internal/config"
	"github.com/relaybridge/agentbridge/internal/eventlog"
	"github.com/relaybridge/agentbridge/internal/httpapi"
	"github.com/relaybridge/agentbridge/internal/lockfile"
	"github.com/relaybridge/agentbridge/internal/orchestrator"
	"github.com/relaybridge/agentbridge/internal/store"
	"github.com/relaybridge/agentbridge/internal/terminal"
	"github.com/relaybridge/agentbridge/internal/threadproj"
)

// cancelDeadline bounds how long Cancel waits for the agent to acknowledge
// a cancellation before the job is force-marked CANCELLED locally.
const cancelDeadline = 10 * time.Second

// terminalSweepInterval is how often the terminal manager checks idle
// sessions for reclaim.
const terminalSweepInterval = time.Minute

// Options configures a Daemon.
type Options struct {
	Config *config.Config
	// ConfigPath is the file the config was loaded from; the daemon's
	// lock file and default state paths are derived from its directory.
	ConfigPath string

	Version   string
	Commit    string
	BuildTime string
}

// Daemon owns every long-lived subsystem and the bridge's HTTP listener.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	version, commit, buildTime string

	lock *lockfile.Lock

	st        *store.Store
	audit     *auditlog.Store
	hub       *eventlog.Hub
	approvals *approvals.Registry
	orch      *orchestrator.Orchestrator
	proj      *threadproj.Projector
	terminals *terminal.Manager
	proxy     *transportProxy
	api       *httpapi.Server

	httpSrv *http.Server
}

// New validates cfg, opens the store and audit log, and wires every
// subsystem together. The agent subprocess is not spawned until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(cfgPathAbs)

	lock, err := lockfile.Acquire(filepath.Join(stateDir, "agentbridged.lock"))
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
	if err != nil {
		_ = st.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	hub := eventlog.New(st, cfg.EventRetention)
	proxy := &transportProxy{}
	reg := approvals.New(st, proxy)
	proj := threadproj.New(st, proxy, log)
	orch := orchestrator.New(st, hub, reg, proxy, proj, log, orchestrator.Config{
		ApprovalTimeout: cfg.ApprovalTimeout,
		CancelDeadline:  cancelDeadline,
	})
	terminals := terminal.NewManager(resolveShell(), cfg.TerminalIdleTTL, log)

	api := httpapi.New(st, hub, reg, orch, proj, terminals, proxy, audit, httpapi.Config{
		BearerToken:  cfg.BearerToken,
		ProjectPaths: cfg.ProjectPaths,
		PackagesDir:  cfg.PackagesDir,
	}, log)

	return &Daemon{
		cfg: cfg, log: log,
		version: opts.Version, commit: opts.Commit, buildTime: opts.BuildTime,
		lock: lock, st: st, audit: audit, hub: hub, approvals: reg,
		orch: orch, proj: proj, terminals: terminals, proxy: proxy, api: api,
	}, nil
}

// Run spawns the agent subprocess and serves the HTTP boundary until ctx
// is cancelled or the agent transport closes unexpectedly, then tears
// everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("agentbridged starting",
		"version", d.version, "commit", d.commit, "build_time", d.buildTime,
		"listen_addr", d.cfg.ListenAddr, "database_path", d.cfg.DatabasePath,
	)

	transport, err := agenttransport.Spawn(ctx, d.cfg.AgentCommand, d.orch, d.log)
	if err != nil {
		_ = d.shutdown(nil)
		return fmt.Errorf("spawn agent: %w", err)
	}
	d.proxy.set(transport)

	d.terminals.StartSweep(terminalSweepInterval)

	d.httpSrv = &http.Server{Addr: d.cfg.ListenAddr, Handler: d.api}
	serveErr := make(chan error, 1)
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-transport.Closed():
		if ctx.Err() == nil {
			d.orch.OnTransportClosed()
			runErr = transport.Err()
			d.log.Error("agent transport closed unexpectedly", "error", runErr)
		}
	case err := <-serveErr:
		if ctx.Err() == nil && err != nil {
			runErr = err
			d.log.Error("http listener failed", "error", err)
		}
	}

	if shutdownErr := d.shutdown(transport); shutdownErr != nil && runErr == nil {
		runErr = shutdownErr
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return runErr
}

func (d *Daemon) shutdown(transport *agenttransport.Transport) error {
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpSrv.Shutdown(shutdownCtx)
	}
	if transport != nil {
		transport.Stop()
	}
	d.terminals.Stop()
	var err error
	if d.st != nil {
		err = d.st.Close()
	}
	_ = d.lock.Release()
	return err
}

func resolveShell() string {
	shell := strings.TrimSpace(os.Getenv("SHELL"))
	if shell == "" {
		shell = "/bin/bash"
	}
	return shell
}

// newLogger builds the daemon's structured logger, grounded on
// internal/agent/agent.go's newLogger (same format/level switch, json or
// text handler writing to stdout).
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}
