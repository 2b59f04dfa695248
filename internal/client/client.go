// Package client manages a single connection to the symbol analysis
// server: spawning the process, the initialize handshake, forwarding
// workspace file changes, and the requests the editor issues against it.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pylight/pybridge/internal/log"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/watch"
)

// Status indicates the current state of the connection.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusInitializing
	StatusReady
	StatusShuttingDown
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Client owns one analysis server process and its protocol connection.
// There is at most one live connection per client; a stopped client is
// not restarted, the caller builds a fresh one instead.
type Client struct {
	mu sync.Mutex

	config Config
	logger *slog.Logger

	// Process management
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	conn   net.Conn

	// Transport
	transport *protocol.Transport

	// State
	status       atomic.Int32
	capabilities protocol.ServerCapabilities
	serverInfo   *protocol.ServerInfo

	// File synchronization
	source      watch.Source
	ownedSource bool

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	procDone chan struct{}
	exitErr  error
}

// New creates a client for the given configuration. No process is
// spawned until Start.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		config:   cfg,
		logger:   logger,
		procDone: make(chan struct{}),
	}
	c.status.Store(int32(StatusStopped))
	return c
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// Capabilities returns the capabilities the server advertised during the
// handshake. Zero value before Start completes.
func (c *Client) Capabilities() protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// ServerInfo returns the server's self-reported name and version, if any.
func (c *Client) ServerInfo() *protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Done is closed when the server process has exited.
func (c *Client) Done() <-chan struct{} {
	return c.procDone
}

// ExitError returns the process exit error. It is nil until Done is
// closed.
func (c *Client) ExitError() error {
	select {
	case <-c.procDone:
		return c.exitErr
	default:
		return nil
	}
}

// Start spawns the server process and performs the initialize handshake.
// On any failure the process is torn down, the client returns to the
// stopped state, and the error is returned for the caller to log.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return ErrAlreadyStarted
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.startProcess(); err != nil {
		c.cancel()
		c.status.Store(int32(StatusStopped))
		return fmt.Errorf("start server: %w", err)
	}

	c.logger.Info("server process started",
		slog.String("command", c.config.Descriptor.Command),
		slog.Int("pid", c.cmd.Process.Pid))

	if err := c.connectTransport(); err != nil {
		c.stopProcess()
		c.cancel()
		c.status.Store(int32(StatusStopped))
		return fmt.Errorf("connect: %w", err)
	}

	c.registerNotificationHandlers()
	c.transport.SetTraceLevel(c.config.Trace)
	c.transport.Start(c.ctx)

	go c.monitorProcess()

	c.status.Store(int32(StatusInitializing))
	if err := c.initialize(c.ctx); err != nil {
		// Pre-empt the monitor's crash path: this teardown is deliberate.
		c.status.Store(int32(StatusShuttingDown))
		c.stopProcess()
		c.cancel()
		c.status.Store(int32(StatusStopped))
		return fmt.Errorf("initialize: %w", err)
	}

	c.startFileSync()

	c.status.Store(int32(StatusReady))

	name, version := "", ""
	if c.serverInfo != nil {
		name, version = c.serverInfo.Name, c.serverInfo.Version
	}
	c.logger.Info("server ready", slog.String("name", name), slog.String("version", version))

	return nil
}

// startProcess launches the server executable.
func (c *Client) startProcess() error {
	desc := c.config.Descriptor
	cmd := exec.CommandContext(c.ctx, desc.Command, desc.Args...)

	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.config.RootPath != "" {
		cmd.Dir = c.config.RootPath
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	// In TCP mode the standard streams carry no protocol traffic.
	if c.config.Port <= 0 {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			stderr.Close()
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			stderr.Close()
			return fmt.Errorf("stdout pipe: %w", err)
		}
		c.stdin = stdin
		c.stdout = stdout
	}

	if err := cmd.Start(); err != nil {
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.stdout != nil {
			c.stdout.Close()
		}
		stderr.Close()
		c.stdin, c.stdout = nil, nil
		return fmt.Errorf("start process: %w", err)
	}

	c.cmd = cmd
	c.stderr = stderr

	go c.pumpStderr(stderr)

	return nil
}

// connectTransport builds the protocol transport, dialing the server's
// TCP port when configured and using the process streams otherwise.
func (c *Client) connectTransport() error {
	traceLogger := log.WithComponent(c.logger, "protocol")

	if c.config.Port > 0 {
		conn, err := c.dialServer()
		if err != nil {
			return err
		}
		c.conn = conn
		c.transport = protocol.NewTransport(conn, conn, conn, traceLogger)
		return nil
	}

	c.transport = protocol.NewTransport(c.stdout, c.stdin, nil, traceLogger)
	return nil
}

// dialServer connects to the server's TCP port, retrying until the
// freshly spawned process starts listening.
func (c *Client) dialServer() (net.Conn, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.config.Port))
	deadline := time.Now().Add(c.config.RequestTimeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// pumpStderr forwards the server's stderr lines to the log sink. The
// server writes its own log there, so the lines are demoted to debug.
func (c *Client) pumpStderr(r io.Reader) {
	serverLog := log.WithComponent(c.logger, "server")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		serverLog.Debug(scanner.Text())
	}
}

// monitorProcess waits for the process to exit and reports how it ended.
func (c *Client) monitorProcess() {
	err := c.cmd.Wait()

	// Publish the exit error before closing the channel; readers only
	// look after Done is closed.
	c.exitErr = err
	close(c.procDone)

	switch c.Status() {
	case StatusShuttingDown, StatusStopped:
		c.logger.Debug("server process exited", log.Error(err))
	default:
		// A crash is terminal for this connection. No restart: the user
		// reactivates when they want a new server.
		c.logger.Error("server exited unexpectedly", log.Error(err))
		if c.transport != nil {
			_ = c.transport.Close()
		}
		if c.ownedSource && c.source != nil {
			_ = c.source.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.status.Store(int32(StatusStopped))
	}
}

// initialize performs the protocol handshake.
func (c *Client) initialize(ctx context.Context) error {
	opts := map[string]any{}
	if len(c.config.ExcludePatterns) > 0 {
		opts["excludePatterns"] = c.config.ExcludePatterns
	}
	if len(c.config.Selector) > 0 {
		opts["documentSelector"] = c.config.Selector
	}
	var initOpts any
	if len(opts) > 0 {
		initOpts = opts
	}

	params := protocol.InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               protocol.FilePathToURI(c.config.RootPath),
		Capabilities:          protocol.DefaultClientCapabilities(),
		InitializationOptions: initOpts,
		Trace:                 c.config.Trace,
	}
	if c.config.RootPath != "" {
		params.WorkspaceFolders = []protocol.WorkspaceFolder{{
			URI:  protocol.FilePathToURI(c.config.RootPath),
			Name: "workspace",
		}}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var result protocol.InitializeResult
	if err := c.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo

	if err := c.transport.Notify(ctx, "initialized", protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return nil
}

// registerNotificationHandlers sets up handlers for server notifications.
func (c *Client) registerNotificationHandlers() {
	serverLog := log.WithComponent(c.logger, "server")

	logMessage := func(method string, params json.RawMessage) {
		var p protocol.LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		switch p.Type {
		case protocol.MessageError:
			serverLog.Error(p.Message)
		case protocol.MessageWarning:
			serverLog.Warn(p.Message)
		default:
			serverLog.Info(p.Message)
		}
	}
	c.transport.OnNotification("window/logMessage", logMessage)
	c.transport.OnNotification("window/showMessage", logMessage)

	c.transport.OnNotification("*", func(method string, params json.RawMessage) {
		c.logger.Debug("unhandled server notification", slog.String(log.MethodKey, method))
	})
}

// startFileSync wires the file-change source to the notification stream.
// A watch failure degrades the session to manual re-indexing, it does
// not fail the start.
func (c *Client) startFileSync() {
	if c.config.RootPath == "" && c.config.Source == nil {
		return
	}

	src := c.config.Source
	if src == nil {
		policy, err := watch.NewPolicy(c.config.Watch, c.config.ExcludePatterns)
		if err != nil {
			c.logger.Warn("file watching disabled", log.Error(err))
			return
		}
		recursive, err := watch.NewRecursive(c.config.RootPath, policy,
			watch.WithLogger(log.WithComponent(c.logger, "watch")))
		if err != nil {
			c.logger.Warn("file watching disabled", log.Error(err))
			return
		}
		src = recursive
		c.ownedSource = true
	}
	c.source = src

	go c.syncLoop(src)
}

// syncLoop forwards watch events to the server one notification each, in
// arrival order.
func (c *Client) syncLoop(src watch.Source) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			c.forwardEvent(ev)
		case err, ok := <-src.Errors():
			if !ok {
				return
			}
			c.logger.Warn("watch error", log.Error(err))
		}
	}
}

// forwardEvent translates one watch event into a
// workspace/didChangeWatchedFiles notification.
func (c *Client) forwardEvent(ev watch.Event) {
	var changeType protocol.FileChangeType
	switch {
	case ev.Op.Has(watch.OpCreate):
		changeType = protocol.FileCreated
	case ev.Op.Has(watch.OpWrite), ev.Op.Has(watch.OpChmod):
		changeType = protocol.FileChanged
	case ev.Op.Has(watch.OpRemove), ev.Op.Has(watch.OpRename):
		changeType = protocol.FileDeleted
	default:
		return
	}

	params := protocol.DidChangeWatchedFilesParams{
		Changes: []protocol.FileEvent{{
			URI:  protocol.FilePathToURI(ev.Path),
			Type: changeType,
		}},
	}

	if err := c.transport.Notify(c.ctx, "workspace/didChangeWatchedFiles", params); err != nil {
		c.logger.Warn("file change notification failed",
			slog.String("path", ev.Path), log.Error(err))
		return
	}

	log.Trace(c.logger, "file change forwarded",
		slog.String("path", ev.Rel), slog.String("type", changeType.String()))
}

// WorkspaceSymbols queries the server for symbols matching query. A null
// result from the server is an empty result, not an error.
func (c *Client) WorkspaceSymbols(ctx context.Context, query string) ([]protocol.SymbolInformation, error) {
	if c.Status() != StatusReady {
		return nil, ErrNotStarted
	}
	if !protocol.HasCapability(c.Capabilities().WorkspaceSymbolProvider) {
		return nil, ErrNotSupported
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var result []protocol.SymbolInformation
	if err := c.transport.Call(ctx, "workspace/symbol", protocol.WorkspaceSymbolParams{Query: query}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SetTrace adjusts the protocol trace level on both sides of the
// connection.
func (c *Client) SetTrace(ctx context.Context, level protocol.TraceValue) error {
	if c.Status() != StatusReady {
		return ErrNotStarted
	}

	c.transport.SetTraceLevel(level)
	return c.transport.Notify(ctx, "$/setTrace", protocol.SetTraceParams{Value: level})
}

// Stop shuts the connection down: shutdown request, exit notification,
// then process teardown. Stopping an already stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Status() {
	case StatusStopped:
		return nil
	case StatusShuttingDown:
		return nil
	}
	c.status.Store(int32(StatusShuttingDown))

	if c.ownedSource && c.source != nil {
		_ = c.source.Close()
	}

	// Best effort: a crashed or wedged server must not block teardown.
	if c.transport != nil && !c.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = c.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = c.transport.Notify(shutdownCtx, "exit", nil)
		cancel()
	}

	c.waitOrKill()
	c.stopProcess()

	if c.cancel != nil {
		c.cancel()
	}

	c.status.Store(int32(StatusStopped))
	c.logger.Info("server stopped")
	return nil
}

// waitOrKill gives the process a grace period to honor the exit
// notification, then kills it.
func (c *Client) waitOrKill() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	select {
	case <-c.procDone:
		return
	case <-time.After(2 * time.Second):
	}

	c.logger.Warn("server did not exit, killing", slog.Int("pid", c.cmd.Process.Pid))
	_ = c.cmd.Process.Kill()

	select {
	case <-c.procDone:
	case <-time.After(2 * time.Second):
	}
}

// stopProcess releases the connection resources.
func (c *Client) stopProcess() {
	if c.transport != nil {
		_ = c.transport.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.stdout != nil {
		_ = c.stdout.Close()
	}
	if c.stderr != nil {
		_ = c.stderr.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}
