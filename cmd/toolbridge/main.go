// Package main is the entry point for the toolbridge host.
//
// toolbridge spawns a language tool speaking the LSP base protocol over
// stdio, keeps it alive across crashes, and keeps its configuration in
// sync with the editor-side settings file. SIGHUP restarts the tool;
// SIGINT/SIGTERM shut it down gracefully.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dshills/toolbridge/internal/bridge"
	"github.com/dshills/toolbridge/internal/bridge/process"
	"github.com/dshills/toolbridge/internal/settings"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

const configSection = "toolbridge"

func main() {
	os.Exit(run())
}

type options struct {
	ConfigPath string
	Workspace  string
	Bundled    string
	LogLevel   string
}

func run() int {
	opts := parseFlags()

	logger := newLogger(opts.LogLevel)
	slog.SetDefault(logger)

	store := settings.NewStore()
	file, err := settings.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}
	file.Apply(store)

	watcher, err := settings.NewWatcher(opts.ConfigPath, store, logger)
	if err != nil {
		logger.Warn("config watch unavailable", slog.Any("error", err))
	} else {
		defer watcher.Close()
	}

	notifier := bridge.NotifierFunc(func(level bridge.MessageType, message string) {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", level, message)
	})

	sync := bridge.NewConfigSync(store, configSection, logger)
	defer sync.Close()

	factory := func() *bridge.Session {
		return newSession(store, sync, opts, logger, notifier)
	}

	supervisor := bridge.NewSupervisor(factory, sync, bridge.DefaultSupervisorConfig(), logger, notifier)

	ctx := context.Background()
	if err := supervisor.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start tool: %v\n", err)
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig == syscall.SIGHUP {
			logger.Info("restart requested")
			if err := supervisor.Restart(ctx); err != nil {
				logger.Error("restart failed", slog.Any("error", err))
			}
			continue
		}

		logger.Info("shutting down", slog.String("signal", sig.String()))
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := supervisor.Stop(stopCtx)
		cancel()
		if err != nil {
			logger.Warn("shutdown incomplete", slog.Any("error", err))
			return 1
		}
		return 0
	}
	return 0
}

// newSession builds one session from the current settings snapshot.
func newSession(store *settings.Store, sync *bridge.ConfigSync, opts options, logger *slog.Logger, notifier bridge.Notifier) *bridge.Session {
	current := store.Global()
	argv := current.Command(opts.Bundled)
	cwd := current.Cwd
	if cwd == "" {
		cwd = opts.Workspace
	}

	session := bridge.NewSession(bridge.SessionConfig{
		Factory: func() (bridge.Worker, error) {
			return process.Spawn(process.Config{
				Command: argv,
				Dir:     cwd,
				Env:     current.Env(),
				Stderr:  os.Stderr,
			})
		},
		RootURI:               pathURI(opts.Workspace),
		WorkspaceFolders:      workspaceFolders(opts.Workspace),
		InitializationOptions: sync.InitializationOptions(),
		Trace:                 bridge.ParseTraceLevel(current.Trace),
		Logger:                logger,
	})

	bridge.RegisterMessageHandlers(session, logger, notifier, func() string {
		return store.Global().ShowNotifications
	})
	return session
}

func pathURI(dir string) bridge.DocumentURI {
	if dir == "" {
		return ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	return bridge.DocumentURI("file://" + filepath.ToSlash(abs))
}

func workspaceFolders(dir string) []bridge.WorkspaceFolder {
	uri := pathURI(dir)
	if uri == "" {
		return nil
	}
	return []bridge.WorkspaceFolder{{URI: uri, Name: filepath.Base(dir)}}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", defaultConfigPath(), "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", defaultConfigPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.Workspace, "workspace", "", "Workspace/project directory")
	flag.StringVar(&opts.Workspace, "w", "", "Workspace/project directory (shorthand)")
	flag.StringVar(&opts.Bundled, "server", "", "Path to the bundled language tool")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "toolbridge - language tool lifecycle host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: toolbridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSignals:\n")
		fmt.Fprintf(os.Stderr, "  SIGHUP            Restart the tool\n")
		fmt.Fprintf(os.Stderr, "  SIGINT, SIGTERM   Graceful shutdown\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("toolbridge %s (%s)\n", version, commit)
		os.Exit(0)
	}
	return opts
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "toolbridge.toml"
	}
	return filepath.Join(dir, "toolbridge", "toolbridge.toml")
}
