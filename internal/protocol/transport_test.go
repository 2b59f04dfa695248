package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockPipe creates a unidirectional pipe for testing.
type mockPipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newMockPipe() *mockPipe {
	r, w := io.Pipe()
	return &mockPipe{reader: r, writer: w}
}

func (p *mockPipe) Close() error {
	p.reader.Close()
	p.writer.Close()
	return nil
}

// writeFramed writes a framed protocol message to w.
func writeFramed(w io.Writer, msg any) {
	data, _ := json.Marshal(msg)
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
	w.Write(data)
}

// readRequest reads one framed request from r.
func readRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, 8192)
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	data := string(buf[:n])

	var contentLength int
	fmt.Sscanf(data, "Content-Length: %d", &contentLength)

	bodyStart := strings.Index(data, "\r\n\r\n")
	if bodyStart < 0 {
		return nil, fmt.Errorf("no header terminator in %q", data)
	}
	body := data[bodyStart+4:]
	for len(body) < contentLength {
		m, err := r.Read(buf)
		if err != nil {
			return nil, err
		}
		body += string(buf[:m])
	}

	var req Request
	if err := json.Unmarshal([]byte(body[:contentLength]), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func TestTransport_Notify(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, nil)
	defer transport.Close()

	var received []byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 1024)
		for {
			n, err := clientToServer.reader.Read(buf)
			received = append(received, buf[:n]...)
			if err != nil {
				return
			}
		}
	}()

	params := map[string]string{"message": "hello"}
	if err := transport.Notify(context.Background(), "test/notification", params); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	clientToServer.writer.Close()
	wg.Wait()

	str := string(received)
	if !strings.Contains(str, "Content-Length:") {
		t.Errorf("missing Content-Length header in: %s", str)
	}
	if !strings.Contains(str, `"jsonrpc":"2.0"`) {
		t.Errorf("missing jsonrpc field in: %s", str)
	}
	if !strings.Contains(str, `"method":"test/notification"`) {
		t.Errorf("missing method field in: %s", str)
	}
}

func TestTransport_Call(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	transport.Start(ctx)

	go func() {
		req, err := readRequest(clientToServer.reader)
		if err != nil {
			return
		}
		result, _ := json.Marshal(map[string]string{"status": "ok"})
		writeFramed(serverToClient.writer, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
	}()

	var result map[string]string
	if err := transport.Call(ctx, "test/method", nil, &result); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if result["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", result)
	}

	transport.Close()
}

func TestTransport_CallError(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport.Start(ctx)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req, err := readRequest(clientToServer.reader)
		if err != nil {
			return
		}
		writeFramed(serverToClient.writer, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: "method not found"},
		})
	}()

	var result any
	err := transport.Call(ctx, "unknown/method", nil, &result)
	<-serverDone

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, rpcErr.Code)
	}

	transport.Close()
}

func TestTransport_NullResult(t *testing.T) {
	// The analysis server answers unsupported requests with a null result.
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	transport.Start(ctx)

	go func() {
		req, err := readRequest(clientToServer.reader)
		if err != nil {
			return
		}
		writeFramed(serverToClient.writer, Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage("null"),
		})
	}()

	var result []SymbolInformation
	if err := transport.Call(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: "x"}, &result); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result from null response, got %v", result)
	}

	transport.Close()
}

func TestTransport_Notification(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan string, 1)
	transport.OnNotification("window/logMessage", func(method string, params json.RawMessage) {
		var p struct {
			Message string `json:"message"`
		}
		json.Unmarshal(params, &p)
		received <- p.Message
	})

	transport.Start(ctx)

	go func() {
		writeFramed(serverToClient.writer, map[string]any{
			"jsonrpc": "2.0",
			"method":  "window/logMessage",
			"params":  map[string]any{"type": 3, "message": "scan complete"},
		})
	}()

	select {
	case msg := <-received:
		if msg != "scan complete" {
			t.Errorf("expected 'scan complete', got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}

	transport.Close()
}

func TestTransport_Close(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	transport := NewTransport(serverToClient.reader, clientToServer.writer, clientToServer, nil)
	transport.Start(context.Background())

	if err := transport.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if err := transport.Notify(context.Background(), "test", nil); err != ErrShutdown {
		t.Errorf("expected ErrShutdown after close, got %v", err)
	}

	// Double close should be safe
	if err := transport.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !transport.IsClosed() {
		t.Error("IsClosed() should report true after Close()")
	}
}

func TestTransport_TraceMessages(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, nil))

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, logger)
	transport.SetTraceLevel(TraceMessages)
	defer transport.Close()

	go io.Copy(io.Discard, clientToServer.reader)

	if err := transport.Notify(context.Background(), "initialized", InitializedParams{}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, "method=initialized") {
		t.Errorf("expected trace line with method, got: %s", out)
	}
	if strings.Contains(out, "payload=") {
		t.Errorf("messages level must not echo payloads, got: %s", out)
	}
}

func TestTransport_TraceVerbose(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, nil))

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, logger)
	transport.SetTraceLevel(TraceVerbose)
	defer transport.Close()

	go io.Copy(io.Discard, clientToServer.reader)

	if err := transport.Notify(context.Background(), "exit", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, `\"method\":\"exit\"`) && !strings.Contains(out, `"method":"exit"`) {
		t.Errorf("expected payload echo at verbose level, got: %s", out)
	}
}

func TestTransport_TraceOffByDefault(t *testing.T) {
	clientToServer := newMockPipe()
	serverToClient := newMockPipe()

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, nil))

	transport := NewTransport(serverToClient.reader, clientToServer.writer, nil, logger)
	defer transport.Close()

	go io.Copy(io.Discard, clientToServer.reader)

	if err := transport.Notify(context.Background(), "initialized", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if buf.Len() != 0 {
		t.Errorf("no trace output expected at default level, got: %s", buf.String())
	}
}

// lockedWriter serializes writes to the underlying buffer.
type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
