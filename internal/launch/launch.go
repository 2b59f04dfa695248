// Package launch builds the invocation descriptor for the external
// analysis server process.
package launch

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultServerPath is the bridge-relative path of the server executable.
const DefaultServerPath = "bin/symbol-search-lsp"

// Mode is the launch mode requested by the host. Run and Debug produce
// identical descriptors; the distinction exists only for the host's menus.
type Mode int

const (
	// ModeRun is a normal launch.
	ModeRun Mode = iota
	// ModeDebug is a launch under a debugging session.
	ModeDebug
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Descriptor describes how to start the server process. It is derived
// deterministically from the workspace root and carries no handles; the
// executable is not checked for existence here, a missing binary surfaces
// as a client start failure.
type Descriptor struct {
	Command string
	Args    []string
}

// Options carry the optional server flags beyond the workspace directory.
type Options struct {
	// FollowLinks makes the server follow symbolic links while scanning.
	FollowLinks bool

	// SymbolFile makes the server load a previously saved symbol index
	// instead of scanning the workspace.
	SymbolFile string

	// Port makes the server listen on a local TCP port instead of stdio.
	Port int
}

// NewDescriptor builds the invocation descriptor for a workspace root.
// Both launch modes yield the same descriptor.
func NewDescriptor(serverPath, root string, mode Mode, opts Options) Descriptor {
	_ = mode // no divergent debug behavior

	args := []string{"--directory", root}
	if opts.FollowLinks {
		args = append(args, "--follow-links")
	}
	if opts.SymbolFile != "" {
		args = append(args, "--load", opts.SymbolFile)
	}
	if opts.Port > 0 {
		args = append(args, "--port", strconv.Itoa(opts.Port))
	}

	return Descriptor{
		Command: serverPath,
		Args:    args,
	}
}

// ResolveServerPath resolves a possibly relative server path against the
// bridge's own installation directory. Absolute paths pass through.
func ResolveServerPath(path string) string {
	if path == "" {
		path = DefaultServerPath
	}
	if filepath.IsAbs(path) {
		return path
	}

	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
