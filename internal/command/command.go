// Package command exposes the bridge's editor-facing actions and binds
// them to host capabilities.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/pylight/pybridge/internal/log"
	"github.com/pylight/pybridge/internal/protocol"
)

// ActionSearchSymbols is the single action the bridge contributes.
const ActionSearchSymbols = "pybridge.searchSymbols"

// hostShowAllSymbols is the host capability the action delegates to.
const hostShowAllSymbols = "workbench.action.showAllSymbols"

// ErrUnknownAction is returned when an unregistered action is invoked.
var ErrUnknownAction = errors.New("unknown action")

// Capability is a host-provided operation the bridge can call. The host
// editor supplies the real binding; tests supply fakes.
type Capability interface {
	Invoke(ctx context.Context, name string, args ...any) (any, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, name string, args ...any) (any, error)

// Invoke calls the function.
func (f CapabilityFunc) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	return f(ctx, name, args...)
}

// Handler implements one registered action.
type Handler func(ctx context.Context, args ...any) (any, error)

// Bridge routes registered actions to the host capability.
type Bridge struct {
	host   Capability
	logger *slog.Logger

	mu      sync.Mutex
	actions map[string]Handler
}

// NewBridge creates a command bridge bound to the given host capability.
func NewBridge(host Capability, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		host:    host,
		logger:  logger,
		actions: make(map[string]Handler),
	}
}

// Register installs the bridge's actions. Safe to call once per session.
func (b *Bridge) Register() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[ActionSearchSymbols] = b.searchSymbols
}

// Actions returns the registered action names.
func (b *Bridge) Actions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.actions))
	for name := range b.actions {
		names = append(names, name)
	}
	return names
}

// Invoke runs a registered action.
func (b *Bridge) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	b.mu.Lock()
	handler, ok := b.actions[name]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return handler(ctx, args...)
}

// searchSymbols delegates to the host's symbol picker and reports the
// outcome. Exactly one completion line is written whether the search
// returned nothing, many symbols, or an error.
func (b *Bridge) searchSymbols(ctx context.Context, args ...any) (any, error) {
	result, err := b.host.Invoke(ctx, hostShowAllSymbols, args...)
	if err != nil {
		b.logger.Error("symbol search failed",
			slog.String("action", ActionSearchSymbols), log.Error(err))
		return nil, err
	}

	b.logger.Info("symbol search completed",
		slog.String("action", ActionSearchSymbols),
		slog.Int("results", resultCount(result)))
	return result, nil
}

// resultCount reports how many symbols a capability result carries.
func resultCount(result any) int {
	switch v := result.(type) {
	case nil:
		return 0
	case []protocol.SymbolInformation:
		return len(v)
	default:
		rv := reflect.ValueOf(result)
		if rv.Kind() == reflect.Slice {
			return rv.Len()
		}
		return 1
	}
}
