package launch

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewDescriptor_RunAndDebugIdentical(t *testing.T) {
	const root = "/srv/projects/alpha"
	const path = "/opt/pybridge/bin/symbol-search-lsp"

	run := NewDescriptor(path, root, ModeRun, Options{})
	debug := NewDescriptor(path, root, ModeDebug, Options{})

	want := Descriptor{
		Command: path,
		Args:    []string{"--directory", root},
	}

	if !reflect.DeepEqual(run, want) {
		t.Errorf("run descriptor = %+v, want %+v", run, want)
	}
	if !reflect.DeepEqual(run, debug) {
		t.Errorf("run and debug descriptors differ: %+v vs %+v", run, debug)
	}
}

func TestNewDescriptor_ExtraFlags(t *testing.T) {
	desc := NewDescriptor("srv", "/work", ModeRun, Options{
		FollowLinks: true,
		SymbolFile:  "/var/cache/symbols.bin.gz",
		Port:        9257,
	})

	want := []string{
		"--directory", "/work",
		"--follow-links",
		"--load", "/var/cache/symbols.bin.gz",
		"--port", "9257",
	}
	if !reflect.DeepEqual(desc.Args, want) {
		t.Errorf("Args = %v, want %v", desc.Args, want)
	}
}

func TestModeString(t *testing.T) {
	if ModeRun.String() != "run" || ModeDebug.String() != "debug" {
		t.Error("unexpected mode names")
	}
}

func TestResolveServerPath_Absolute(t *testing.T) {
	p := "/usr/local/bin/symbol-search-lsp"
	if got := ResolveServerPath(p); got != p {
		t.Errorf("absolute path should pass through, got %q", got)
	}
}

func TestResolveServerPath_Relative(t *testing.T) {
	got := ResolveServerPath("bin/symbol-search-lsp")
	if !filepath.IsAbs(got) {
		t.Errorf("relative path should be resolved to absolute, got %q", got)
	}
	if filepath.Base(got) != "symbol-search-lsp" {
		t.Errorf("resolved path should keep the executable name, got %q", got)
	}
}

func TestResolveServerPath_Default(t *testing.T) {
	got := ResolveServerPath("")
	if filepath.Base(got) != filepath.Base(DefaultServerPath) {
		t.Errorf("empty path should resolve the default, got %q", got)
	}
}
