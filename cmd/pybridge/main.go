// Package main is the entry point for the pybridge host harness. It
// plays the editor's role: resolve a workspace, activate the bridge,
// expose the symbol search action, and deactivate on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pylight/pybridge/internal/bridge"
	"github.com/pylight/pybridge/internal/client"
	"github.com/pylight/pybridge/internal/command"
	"github.com/pylight/pybridge/internal/config"
	"github.com/pylight/pybridge/internal/launch"
	"github.com/pylight/pybridge/internal/log"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/workspace"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	ConfigPath    string
	WorkspacePath string
	ServerPath    string
	Trace         string
	Query         string
	LogLevel      string
	Debug         bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	if opts.WorkspacePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
			return 1
		}
		opts.WorkspacePath = cwd
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(opts.WorkspacePath, config.DefaultFileName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logCfg := cfg.LogConfig()
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	if opts.Debug {
		logCfg.Level = "debug"
		logCfg.AddSource = true
	}
	logger := log.New(logCfg)

	trace := cfg.TraceValue()
	if opts.Trace != "" {
		trace = protocol.ParseTraceValue(opts.Trace)
	}

	serverPath := cfg.Server.Path
	if opts.ServerPath != "" {
		serverPath = opts.ServerPath
	}

	clientCfg := client.DefaultConfig(opts.WorkspacePath)
	clientCfg.Watch = cfg.WatchSpec()
	clientCfg.ExcludePatterns = cfg.Index.Exclude
	clientCfg.Trace = trace

	mode := launch.ModeRun
	if opts.Debug {
		mode = launch.ModeDebug
	}

	br := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithFolders([]workspace.Folder{workspace.FolderFromPath(opts.WorkspacePath)}),
		bridge.WithServerPath(launch.ResolveServerPath(serverPath)),
		bridge.WithMode(mode),
		bridge.WithLaunchOptions(cfg.LaunchOptions()),
		bridge.WithClientConfig(clientCfg),
	)

	ctx := context.Background()
	if err := br.Activate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: activation failed: %v\n", err)
		return 1
	}
	defer func() { _ = br.Deactivate(context.Background()) }()

	// The harness itself is the host: symbol search resolves through the
	// running server.
	host := command.CapabilityFunc(func(ctx context.Context, name string, args ...any) (any, error) {
		query := ""
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				query = s
			}
		}
		return br.WorkspaceSymbols(ctx, query)
	})
	commands := command.NewBridge(host, logger)
	commands.Register()

	if opts.Query != "" {
		return runQuery(ctx, commands, opts.Query)
	}

	if br.State() != bridge.StateRunning {
		// Nothing started (no workspace); there is nothing to wait for.
		return 0
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	return 0
}

// runQuery performs a one-shot symbol search and prints the results.
func runQuery(ctx context.Context, commands *command.Bridge, query string) int {
	result, err := commands.Invoke(ctx, command.ActionSearchSymbols, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	symbols, _ := result.([]protocol.SymbolInformation)
	for _, sym := range symbols {
		path := protocol.URIToFilePath(sym.Location.URI)
		line := sym.Location.Range.Start.Line + 1
		if sym.ContainerName != "" {
			fmt.Printf("%s\t%s\t%s\t%s:%d\n", sym.Name, sym.Kind, sym.ContainerName, path, line)
		} else {
			fmt.Printf("%s\t%s\t-\t%s:%d\n", sym.Name, sym.Kind, path, line)
		}
	}
	return 0
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.WorkspacePath, "workspace", "", "Workspace directory (default: current directory)")
	flag.StringVar(&opts.WorkspacePath, "w", "", "Workspace directory (shorthand)")
	flag.StringVar(&opts.ServerPath, "server", "", "Path to the symbol-search-lsp binary")
	flag.StringVar(&opts.Trace, "trace", "", "Protocol trace level (off, messages, verbose)")
	flag.StringVar(&opts.Query, "query", "", "Run one symbol search and exit")
	flag.StringVar(&opts.Query, "q", "", "Run one symbol search and exit (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flag.BoolVar(&opts.Debug, "debug", false, "Enable debug mode")
	flag.BoolVar(&opts.Debug, "d", false, "Enable debug mode (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pybridge - editor bridge for the pylight symbol server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pybridge [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pybridge -w ./project               Run until interrupted\n")
		fmt.Fprintf(os.Stderr, "  pybridge -w ./project -q Parser     One-shot symbol search\n")
		fmt.Fprintf(os.Stderr, "  pybridge -trace messages            Echo protocol traffic\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("pybridge %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "trace", "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", opts.LogLevel)
			os.Exit(1)
		}
	}

	return opts
}
