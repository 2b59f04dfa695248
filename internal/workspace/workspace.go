// Package workspace resolves the single root directory the analysis server
// should scan from the host's set of open workspace folders.
package workspace

import "path/filepath"

// Folder is one open workspace folder as reported by the host.
type Folder struct {
	Path string
	Name string
}

// Context is the resolved workspace for one activation of the bridge.
// It is produced once at activation and never changes; absence of a root
// is a terminal condition for the activation.
type Context struct {
	RootPath string
}

// FolderFromPath builds a Folder from a file system path.
func FolderFromPath(path string) Folder {
	abs := path
	if a, err := filepath.Abs(path); err == nil {
		abs = a
	}
	return Folder{
		Path: abs,
		Name: filepath.Base(abs),
	}
}

// Resolve returns the root of the first open folder. It never guesses a
// default: when the host reports no folders the second return value is
// false and the bridge must not start a server.
func Resolve(folders []Folder) (Context, bool) {
	if len(folders) == 0 {
		return Context{}, false
	}

	root := folders[0].Path
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Context{RootPath: root}, true
}
