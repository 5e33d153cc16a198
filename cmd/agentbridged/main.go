package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/relaybridge/agentbridge/internal/config"
	"github.com/relaybridge/agentbridge/internal/daemon"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "config":
		configCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("agentbridged %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentbridged

Usage:
  agentbridged config init [flags]
  agentbridged config show [flags]
  agentbridged run [flags]
  agentbridged version

Commands:
  config init   Write a new config file with defaults, failing if one already exists.
  config show   Print the effective config (file + environment overrides).
  run           Run the bridge daemon using the local config file.
  version       Print build information.

`)
}

func configCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: agentbridged config init|show [flags]")
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		configInitCmd(args[1:])
	case "show":
		configShowCmd(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "usage: agentbridged config init|show [flags]")
		os.Exit(2)
	}
}

func configInitCmd(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	agentCmd := fs.String("agent-command", "", "Agent executable and args, comma-separated (e.g. \"codex-agent,--stdio\")")
	listenAddr := fs.String("listen-addr", "", "Address the HTTP boundary listens on")
	bearerToken := fs.String("bearer-token", "", "Bearer token gating the HTTP boundary (empty disables auth)")
	_ = fs.Parse(args)

	if *agentCmd == "" {
		fmt.Fprintln(os.Stderr, "config init: -agent-command is required")
		os.Exit(2)
	}
	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config init: %s already exists\n", path)
		os.Exit(1)
	}

	cfg := &config.Config{
		ListenAddr:   *listenAddr,
		BearerToken:  *bearerToken,
		AgentCommand: splitCommand(*agentCmd),
	}
	cfg.ApplyDefaults()
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func configShowCmd(args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%+v\n", *cfg)
}

func splitCommand(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: path,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}
