// Package protocol implements the client side of the analysis server's
// wire protocol: JSON-RPC 2.0 with Content-Length framing over the spawned
// process's standard streams, plus the small subset of LSP types the bridge
// exchanges with the server.
package protocol

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// DocumentURI represents a URI as used in the protocol.
// It is typically a file:// URI.
type DocumentURI string

// Position in a text document expressed as zero-based line and character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document expressed as start and end positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location represents a location inside a resource.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// DocumentFilter selects documents by URI scheme and language identifier.
type DocumentFilter struct {
	Scheme   string `json:"scheme,omitempty"`
	Language string `json:"language,omitempty"`
}

// DocumentSelector is an ordered list of document filters.
type DocumentSelector []DocumentFilter

// --- Trace ---

// TraceValue controls how much protocol traffic is echoed to the log sink.
type TraceValue string

const (
	// TraceOff disables protocol tracing.
	TraceOff TraceValue = "off"
	// TraceMessages echoes method and id lines for each message.
	TraceMessages TraceValue = "messages"
	// TraceVerbose echoes full message payloads.
	TraceVerbose TraceValue = "verbose"
)

// ParseTraceValue converts a string to a TraceValue.
// Unknown strings fall back to TraceOff.
func ParseTraceValue(s string) TraceValue {
	switch strings.ToLower(s) {
	case string(TraceMessages):
		return TraceMessages
	case string(TraceVerbose):
		return TraceVerbose
	default:
		return TraceOff
	}
}

// SetTraceParams are the parameters of a $/setTrace notification.
type SetTraceParams struct {
	Value TraceValue `json:"value"`
}

// --- Initialize ---

// InitializeParams are the parameters sent in an initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	Trace                 TraceValue         `json:"trace,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo contains information about the server from initialization.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams are the parameters sent in an initialized notification.
type InitializedParams struct{}

// --- Capabilities ---

// ClientCapabilities define capabilities the bridge provides on the client side.
type ClientCapabilities struct {
	Workspace *WorkspaceClientCapabilities `json:"workspace,omitempty"`
}

// WorkspaceClientCapabilities define capabilities the bridge provides on the workspace.
type WorkspaceClientCapabilities struct {
	DidChangeWatchedFiles *DidChangeWatchedFilesCapabilities `json:"didChangeWatchedFiles,omitempty"`
	Symbol                *WorkspaceSymbolClientCapabilities `json:"symbol,omitempty"`
	WorkspaceFolders      bool                               `json:"workspaceFolders,omitempty"`
}

// DidChangeWatchedFilesCapabilities define capabilities for file watching.
type DidChangeWatchedFilesCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// WorkspaceSymbolClientCapabilities define capabilities for workspace symbols.
type WorkspaceSymbolClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// ServerCapabilities are the capabilities the server advertises during the
// handshake. The analysis server only advertises workspace symbol support,
// but the provider fields may be booleans or option objects per the protocol.
type ServerCapabilities struct {
	WorkspaceSymbolProvider any `json:"workspaceSymbolProvider,omitempty"`
}

// HasCapability checks if a capability is enabled (can be bool or object).
func HasCapability(capability any) bool {
	if capability == nil {
		return false
	}
	switch v := capability.(type) {
	case bool:
		return v
	default:
		return true
	}
}

// DefaultClientCapabilities returns the capabilities the bridge announces.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Workspace: &WorkspaceClientCapabilities{
			DidChangeWatchedFiles: &DidChangeWatchedFilesCapabilities{},
			Symbol:                &WorkspaceSymbolClientCapabilities{},
			WorkspaceFolders:      true,
		},
	}
}

// --- Window messages ---

// MessageType identifies the severity of a window/logMessage or
// window/showMessage notification.
type MessageType int

const (
	// MessageError is an error message.
	MessageError MessageType = 1
	// MessageWarning is a warning message.
	MessageWarning MessageType = 2
	// MessageInfo is an informational message.
	MessageInfo MessageType = 3
	// MessageLog is a log message.
	MessageLog MessageType = 4
)

// LogMessageParams are the parameters of window/logMessage and
// window/showMessage notifications.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// --- Watched files ---

// FileChangeType identifies the kind of a file change event.
type FileChangeType int

const (
	// FileCreated indicates a file was created.
	FileCreated FileChangeType = 1
	// FileChanged indicates a file was changed.
	FileChanged FileChangeType = 2
	// FileDeleted indicates a file was deleted.
	FileDeleted FileChangeType = 3
)

// String returns a human-readable name for the change type.
func (t FileChangeType) String() string {
	switch t {
	case FileCreated:
		return "created"
	case FileChanged:
		return "changed"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileEvent describes a single watched-file change.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams are the parameters of a
// workspace/didChangeWatchedFiles notification.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// --- Workspace symbols ---

// WorkspaceSymbolParams are parameters for workspace/symbol.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// SymbolInformation represents information about a symbol.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// SymbolKind represents the type of symbol.
type SymbolKind int

// Symbol kinds the analysis server produces, plus the surrounding
// protocol-defined values for completeness.
const (
	SymbolKindFile      SymbolKind = 1
	SymbolKindModule    SymbolKind = 2
	SymbolKindNamespace SymbolKind = 3
	SymbolKindPackage   SymbolKind = 4
	SymbolKindClass     SymbolKind = 5
	SymbolKindMethod    SymbolKind = 6
	SymbolKindProperty  SymbolKind = 7
	SymbolKindField     SymbolKind = 8
	SymbolKindFunction  SymbolKind = 12
	SymbolKindVariable  SymbolKind = 13
	SymbolKindConstant  SymbolKind = 14
)

// String returns a human-readable name for the symbol kind.
func (k SymbolKind) String() string {
	switch k {
	case SymbolKindFile:
		return "file"
	case SymbolKindModule:
		return "module"
	case SymbolKindNamespace:
		return "namespace"
	case SymbolKindPackage:
		return "package"
	case SymbolKindClass:
		return "class"
	case SymbolKindMethod:
		return "method"
	case SymbolKindProperty:
		return "property"
	case SymbolKindField:
		return "field"
	case SymbolKindFunction:
		return "function"
	case SymbolKindVariable:
		return "variable"
	case SymbolKindConstant:
		return "constant"
	default:
		return "symbol"
	}
}

// --- Utility Functions ---

// FilePathToURI converts a file path to a DocumentURI.
func FilePathToURI(path string) DocumentURI {
	if path == "" {
		return ""
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	path = filepath.ToSlash(path)

	// On Windows, add extra slash for drive letter
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}

	u := &url.URL{
		Scheme: "file",
		Path:   path,
	}

	return DocumentURI(u.String())
}

// URIToFilePath converts a DocumentURI to a file path.
func URIToFilePath(uri DocumentURI) string {
	if uri == "" {
		return ""
	}

	u, err := url.Parse(string(uri))
	if err != nil {
		return string(uri)
	}

	if u.Scheme != "file" {
		return string(uri)
	}

	path := u.Path

	// On Windows, remove leading slash before drive letter
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path)
}
