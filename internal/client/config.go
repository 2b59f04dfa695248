package client

import (
	"log/slog"
	"time"

	"github.com/pylight/pybridge/internal/launch"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/watch"
)

// DefaultExcludePatterns are the directory trees the server is told to
// skip while indexing. The watch policy uses the same patterns so the two
// sides stay in agreement.
func DefaultExcludePatterns() []string {
	return []string{"**/.venv/**", "**/venv/**", "**/.env/**", "**/env/**"}
}

// Config describes one analysis server connection.
type Config struct {
	// Descriptor is the command line used to spawn the server.
	Descriptor launch.Descriptor

	// RootPath is the workspace root the server indexes. It is also the
	// watch root for file synchronization.
	RootPath string

	// Env are additional environment variables for the server process.
	Env map[string]string

	// Port, when positive, makes the client connect to the server over
	// TCP on localhost after spawning it, instead of using its standard
	// streams. The descriptor must carry the matching port argument.
	Port int

	// Selector restricts which documents the connection is for.
	Selector protocol.DocumentSelector

	// Watch governs file-change forwarding.
	Watch watch.Spec

	// ExcludePatterns are passed to the server as initialization options
	// and scope the watch suppression flags.
	ExcludePatterns []string

	// Source overrides the file-change source. Nil means a recursive
	// watcher over RootPath.
	Source watch.Source

	// Trace is the initial protocol trace level.
	Trace protocol.TraceValue

	// RequestTimeout bounds individual requests. Default: 10s.
	RequestTimeout time.Duration

	// Logger receives lifecycle and trace lines. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration for a Python workspace rooted
// at root.
func DefaultConfig(root string) Config {
	return Config{
		RootPath: root,
		Selector: protocol.DocumentSelector{
			{Scheme: "file", Language: "python"},
		},
		Watch:           watch.DefaultSpec(),
		ExcludePatterns: DefaultExcludePatterns(),
		Trace:           protocol.TraceOff,
		RequestTimeout:  10 * time.Second,
	}
}
