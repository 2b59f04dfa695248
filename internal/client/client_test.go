package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pylight/pybridge/internal/launch"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/watch"
)

// TestHelperFakeServer is not a real test: when re-executed with the
// marker variable set, the test binary behaves as a minimal analysis
// server speaking the framed protocol on its standard streams.
func TestHelperFakeServer(t *testing.T) {
	if os.Getenv("PYBRIDGE_FAKE_SERVER") != "1" {
		return
	}
	runFakeServer()
	os.Exit(0)
}

type fakeMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func runFakeServer() {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	var seen []string

	reply := func(id int64, result any) {
		resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
		data, _ := json.Marshal(resp)
		fmt.Fprintf(writer, "Content-Length: %d\r\n\r\n%s", len(data), data)
		writer.Flush()
	}

	fmt.Fprintln(os.Stderr, "fake server listening")

	for {
		msg, err := readFrame(reader)
		if err != nil {
			return
		}
		var m fakeMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}

		switch m.Method {
		case "initialize":
			reply(*m.ID, map[string]any{
				"capabilities": map[string]any{"workspaceSymbolProvider": true},
				"serverInfo":   map[string]any{"name": "fake-symbol-server", "version": "0.0.1"},
			})

		case "workspace/symbol":
			var p protocol.WorkspaceSymbolParams
			_ = json.Unmarshal(m.Params, &p)
			switch p.Query {
			case "none":
				reply(*m.ID, nil)
			case "seen":
				syms := make([]map[string]any, 0, len(seen))
				for _, uri := range seen {
					syms = append(syms, map[string]any{
						"name": uri,
						"kind": 12,
						"location": map[string]any{
							"uri":   uri,
							"range": map[string]any{"start": map[string]int{"line": 0, "character": 0}, "end": map[string]int{"line": 0, "character": 0}},
						},
					})
				}
				reply(*m.ID, syms)
			case "die":
				os.Exit(1)
			default:
				reply(*m.ID, []map[string]any{
					{
						"name": "parse_config",
						"kind": 12,
						"location": map[string]any{
							"uri":   "file:///work/app/config.py",
							"range": map[string]any{"start": map[string]int{"line": 10, "character": 0}, "end": map[string]int{"line": 10, "character": 12}},
						},
					},
					{
						"name":          "ConfigParser",
						"kind":          5,
						"containerName": "app.config",
						"location": map[string]any{
							"uri":   "file:///work/app/config.py",
							"range": map[string]any{"start": map[string]int{"line": 20, "character": 0}, "end": map[string]int{"line": 20, "character": 18}},
						},
					},
				})
			}

		case "workspace/didChangeWatchedFiles":
			var p protocol.DidChangeWatchedFilesParams
			_ = json.Unmarshal(m.Params, &p)
			for _, change := range p.Changes {
				seen = append(seen, string(change.URI))
			}

		case "shutdown":
			reply(*m.ID, nil)

		case "exit":
			os.Exit(0)

		default:
			// Unknown requests get a null result, notifications nothing.
			if m.ID != nil {
				reply(*m.ID, nil)
			}
		}
	}
}

func readFrame(r *bufio.Reader) (json.RawMessage, error) {
	var length int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if n, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			fmt.Sscanf(n, "%d", &length)
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// stubSource is a scripted watch source for sync tests.
type stubSource struct {
	events chan watch.Event
	errs   chan error
}

func newStubSource() *stubSource {
	return &stubSource{
		events: make(chan watch.Event, 8),
		errs:   make(chan error, 1),
	}
}

func (s *stubSource) Events() <-chan watch.Event { return s.events }
func (s *stubSource) Errors() <-chan error       { return s.errs }
func (s *stubSource) Close() error               { return nil }

func fakeServerConfig(t *testing.T) Config {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable error = %v", err)
	}

	cfg := DefaultConfig(t.TempDir())
	cfg.Descriptor = launch.Descriptor{
		Command: exe,
		Args:    []string{"-test.run=TestHelperFakeServer", "--", "--directory", cfg.RootPath},
	}
	cfg.Env = map[string]string{"PYBRIDGE_FAKE_SERVER": "1"}
	cfg.RequestTimeout = 5 * time.Second
	// The default watcher is exercised in its own package; sync tests
	// inject a scripted source.
	cfg.Source = newStubSource()
	return cfg
}

func startTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestClient_StartAndStop(t *testing.T) {
	c := startTestClient(t, fakeServerConfig(t))

	if got := c.Status(); got != StatusReady {
		t.Errorf("Status = %v, want ready", got)
	}
	if info := c.ServerInfo(); info == nil || info.Name != "fake-symbol-server" {
		t.Errorf("ServerInfo = %+v, want fake-symbol-server", info)
	}
	if !protocol.HasCapability(c.Capabilities().WorkspaceSymbolProvider) {
		t.Error("server should advertise workspace symbol support")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop error = %v", err)
	}
	if got := c.Status(); got != StatusStopped {
		t.Errorf("Status after Stop = %v, want stopped", got)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop error = %v", err)
	}
}

func TestClient_StartTwice(t *testing.T) {
	c := startTestClient(t, fakeServerConfig(t))

	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}
}

func TestClient_StartFailure(t *testing.T) {
	cfg := fakeServerConfig(t)
	cfg.Descriptor.Command = "/nonexistent/symbol-search-lsp"

	c := New(cfg)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start with missing binary should fail")
	}
	if got := c.Status(); got != StatusStopped {
		t.Errorf("Status after failed Start = %v, want stopped", got)
	}
}

func TestClient_WorkspaceSymbols(t *testing.T) {
	c := startTestClient(t, fakeServerConfig(t))

	syms, err := c.WorkspaceSymbols(context.Background(), "config")
	if err != nil {
		t.Fatalf("WorkspaceSymbols error = %v", err)
	}
	if len(syms) != 2 {
		t.Fatalf("got %d symbols, want 2", len(syms))
	}
	if syms[0].Name != "parse_config" {
		t.Errorf("first symbol = %q, want parse_config", syms[0].Name)
	}
	if syms[1].Kind != protocol.SymbolKindClass {
		t.Errorf("second symbol kind = %v, want class", syms[1].Kind)
	}
	if syms[1].ContainerName != "app.config" {
		t.Errorf("second symbol container = %q, want app.config", syms[1].ContainerName)
	}
}

func TestClient_WorkspaceSymbols_NullResult(t *testing.T) {
	c := startTestClient(t, fakeServerConfig(t))

	syms, err := c.WorkspaceSymbols(context.Background(), "none")
	if err != nil {
		t.Fatalf("WorkspaceSymbols error = %v", err)
	}
	if len(syms) != 0 {
		t.Errorf("got %d symbols, want 0 for null result", len(syms))
	}
}

func TestClient_WorkspaceSymbols_NotStarted(t *testing.T) {
	c := New(fakeServerConfig(t))
	if _, err := c.WorkspaceSymbols(context.Background(), "x"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("error = %v, want ErrNotStarted", err)
	}
}

func TestClient_FileChangeForwarded(t *testing.T) {
	cfg := fakeServerConfig(t)
	src := newStubSource()
	cfg.Source = src
	c := startTestClient(t, cfg)

	src.events <- watch.Event{
		Path: "/work/app/models.py",
		Rel:  "app/models.py",
		Op:   watch.OpWrite,
	}

	wantURI := string(protocol.FilePathToURI("/work/app/models.py"))
	deadline := time.Now().Add(5 * time.Second)
	for {
		syms, err := c.WorkspaceSymbols(context.Background(), "seen")
		if err != nil {
			t.Fatalf("WorkspaceSymbols error = %v", err)
		}
		if len(syms) == 1 && syms[0].Name == wantURI {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("change never reached server, seen = %v", syms)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClient_SetTrace(t *testing.T) {
	c := startTestClient(t, fakeServerConfig(t))

	if err := c.SetTrace(context.Background(), protocol.TraceMessages); err != nil {
		t.Errorf("SetTrace error = %v", err)
	}

	c2 := New(fakeServerConfig(t))
	if err := c2.SetTrace(context.Background(), protocol.TraceVerbose); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SetTrace before Start error = %v, want ErrNotStarted", err)
	}
}

func TestClient_ServerCrash(t *testing.T) {
	cfg := fakeServerConfig(t)
	cfg.RequestTimeout = 2 * time.Second
	c := startTestClient(t, cfg)

	// The fake exits without answering; the pending call must fail fast.
	if _, err := c.WorkspaceSymbols(context.Background(), "die"); err == nil {
		t.Fatal("request to crashing server should fail")
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process exit never observed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != StatusStopped {
		if time.Now().After(deadline) {
			t.Fatalf("Status = %v, want stopped after crash", c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
