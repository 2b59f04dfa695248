// Package watch decides which file-system events become workspace-change
// notifications for the analysis server, and provides the fsnotify-backed
// watcher that produces those events.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Spec governs which file-system events become server notifications.
// The three suppression flags are scoped to the exclude patterns: events
// outside every exclude are always forwarded when the path matches
// Pattern, events inside an exclude are dropped when their kind's flag is
// set. The server's own excludePatterns option is a separate mechanism;
// the two are kept in agreement by configuration, not by shared code.
type Spec struct {
	// Pattern selects the files whose events are interesting at all.
	Pattern string

	// IgnoreCreate drops create events under the exclude patterns.
	IgnoreCreate bool

	// IgnoreChange drops change events under the exclude patterns.
	IgnoreChange bool

	// IgnoreDelete drops delete events under the exclude patterns.
	IgnoreDelete bool
}

// DefaultSpec returns the watch spec for Python workspaces. Write churn
// inside virtual environments is noise for the server; creates and
// deletes still matter there because they move modules in and out of the
// index.
func DefaultSpec() Spec {
	return Spec{
		Pattern:      "**/*.py",
		IgnoreCreate: false,
		IgnoreChange: true,
		IgnoreDelete: false,
	}
}

// Policy applies a Spec and a set of exclude patterns to individual
// events. Paths are evaluated relative to the workspace root, in slash
// form, the way both the glob pattern and the excludes are written.
type Policy struct {
	spec     Spec
	excludes []string
}

// NewPolicy validates the spec's pattern and the exclude patterns and
// returns a ready policy.
func NewPolicy(spec Spec, excludes []string) (*Policy, error) {
	if spec.Pattern == "" {
		return nil, fmt.Errorf("watch pattern must not be empty")
	}
	if !doublestar.ValidatePattern(spec.Pattern) {
		return nil, fmt.Errorf("invalid watch pattern %q", spec.Pattern)
	}
	for _, pat := range excludes {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pat)
		}
	}

	return &Policy{
		spec:     spec,
		excludes: append([]string(nil), excludes...),
	}, nil
}

// Spec returns the policy's watch spec.
func (p *Policy) Spec() Spec {
	return p.spec
}

// Forward reports whether an event for rel (slash-separated, relative to
// the workspace root) with the given operation should be sent to the
// server.
func (p *Policy) Forward(rel string, op Op) bool {
	rel = filepath.ToSlash(rel)

	ok, err := doublestar.Match(p.spec.Pattern, rel)
	if err != nil || !ok {
		return false
	}

	if p.Excluded(rel) && p.suppressed(op) {
		return false
	}
	return true
}

// Excluded reports whether rel falls under any exclude pattern.
func (p *Policy) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pat := range p.excludes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// ExcludedDir reports whether the directory rel (and everything below it)
// falls under an exclude pattern. A pattern like "**/.venv/**" matches the
// children of .venv but not the directory itself, so the check probes a
// synthetic child path.
func (p *Policy) ExcludedDir(rel string) bool {
	rel = filepath.ToSlash(strings.TrimSuffix(rel, "/"))
	if rel == "" || rel == "." {
		return false
	}
	probe := rel + "/_"
	for _, pat := range p.excludes {
		if ok, _ := doublestar.Match(pat, probe); ok {
			return true
		}
	}
	return false
}

// suppressed maps an operation to its suppression flag.
func (p *Policy) suppressed(op Op) bool {
	switch {
	case op.Has(OpCreate):
		return p.spec.IgnoreCreate
	case op.Has(OpWrite) || op.Has(OpChmod):
		return p.spec.IgnoreChange
	case op.Has(OpRemove) || op.Has(OpRename):
		return p.spec.IgnoreDelete
	default:
		return false
	}
}
