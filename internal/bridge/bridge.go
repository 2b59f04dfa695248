// Package bridge coordinates the lifetime of the analysis server across
// one editor session: resolve the workspace, launch the server through a
// protocol client, and tear it down on deactivation. It owns at most one
// client at a time and never restarts a crashed server on its own.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pylight/pybridge/internal/client"
	"github.com/pylight/pybridge/internal/launch"
	"github.com/pylight/pybridge/internal/log"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/workspace"
)

// ErrNotRunning is returned for requests made while no server is active.
var ErrNotRunning = errors.New("bridge is not running")

// State represents the bridge lifecycle state.
type State int

const (
	// StateStopped means no server is running.
	StateStopped State = iota
	// StateStarting means activation is in progress.
	StateStarting
	// StateRunning means the server is up and serving requests.
	StateRunning
	// StateStopping means deactivation is in progress.
	StateStopping
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// serverClient is the slice of the protocol client the bridge drives.
type serverClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	WorkspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error)
}

// Bridge is the lifecycle controller for one editor session.
type Bridge struct {
	mu    sync.Mutex
	state State

	baseLogger *slog.Logger
	logger     *slog.Logger

	folders    []workspace.Folder
	serverPath string
	mode       launch.Mode
	launchOpts launch.Options
	clientCfg  client.Config
	hasCfg     bool

	newClient func(client.Config) serverClient
	client    serverClient
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the log sink.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.baseLogger = logger
	}
}

// WithFolders sets the workspace folders visible to the bridge.
func WithFolders(folders []workspace.Folder) Option {
	return func(b *Bridge) {
		b.folders = folders
	}
}

// WithServerPath overrides the server executable path.
func WithServerPath(path string) Option {
	return func(b *Bridge) {
		b.serverPath = path
	}
}

// WithMode sets the launch mode.
func WithMode(mode launch.Mode) Option {
	return func(b *Bridge) {
		b.mode = mode
	}
}

// WithLaunchOptions sets extra server command-line options.
func WithLaunchOptions(opts launch.Options) Option {
	return func(b *Bridge) {
		b.launchOpts = opts
	}
}

// WithClientConfig sets the client configuration template. Descriptor,
// root path, port, and logger are filled in at activation.
func WithClientConfig(cfg client.Config) Option {
	return func(b *Bridge) {
		b.clientCfg = cfg
		b.hasCfg = true
	}
}

// New creates a bridge in the stopped state.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		state:      StateStopped,
		serverPath: launch.ResolveServerPath(launch.DefaultServerPath),
		mode:       launch.ModeRun,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.baseLogger == nil {
		b.baseLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b.logger = b.baseLogger
	b.newClient = func(cfg client.Config) serverClient {
		return client.New(cfg)
	}
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Activate resolves the workspace and starts the analysis server. With no
// workspace folder open, activation completes without starting anything.
// A start failure is logged and returned; the bridge goes back to
// stopped and the host keeps running.
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateStopped {
		state := b.state
		b.mu.Unlock()
		b.logger.Debug("activate ignored", slog.String("state", state.String()))
		return nil
	}
	b.state = StateStarting
	b.mu.Unlock()

	logger := log.WithSession(b.baseLogger, uuid.NewString())

	wctx, ok := workspace.Resolve(b.folders)
	if !ok {
		logger.Info("no workspace folder open, symbol server not started")
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	}

	desc := launch.NewDescriptor(b.serverPath, wctx.RootPath, b.mode, b.launchOpts)

	cfg := b.clientCfg
	if !b.hasCfg {
		cfg = client.DefaultConfig(wctx.RootPath)
	}
	cfg.Descriptor = desc
	cfg.RootPath = wctx.RootPath
	cfg.Port = b.launchOpts.Port
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent(logger, "client")
	}

	cl := b.newClient(cfg)
	if err := cl.Start(ctx); err != nil {
		logger.Error("symbol server activation failed", log.Error(err))
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.client = cl
	b.state = StateRunning
	b.logger = logger
	b.mu.Unlock()

	go b.watchExit(cl)

	logger.Info("bridge activated",
		slog.String("root", wctx.RootPath),
		slog.String("mode", b.mode.String()))
	return nil
}

// Deactivate stops the server if one is running. Calling it before any
// activation, or twice, is a completed no-op.
func (b *Bridge) Deactivate(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStopped, StateStopping:
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	cl := b.client
	logger := b.logger
	b.mu.Unlock()

	if cl != nil {
		if err := cl.Stop(ctx); err != nil {
			// Teardown must always complete. The process may simply be
			// gone already.
			logger.Warn("server stop reported error", log.Error(err))
		}
	}

	b.mu.Lock()
	b.state = StateStopped
	b.client = nil
	b.mu.Unlock()

	logger.Info("bridge deactivated")
	return nil
}

// watchExit moves the bridge to stopped when the server process dies
// underneath a running session. The client has already logged the exit;
// no restart is attempted.
func (b *Bridge) watchExit(cl serverClient) {
	<-cl.Done()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != cl || b.state != StateRunning {
		return
	}
	b.state = StateStopped
	b.client = nil
	b.logger.Info("bridge stopped after server exit")
}

// WorkspaceSymbols queries the running server for symbols matching query.
func (b *Bridge) WorkspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error) {
	b.mu.Lock()
	cl := b.client
	state := b.state
	b.mu.Unlock()

	if state != StateRunning || cl == nil {
		return nil, ErrNotRunning
	}
	return cl.WorkspaceSymbols(ctx, query)
}
