package mcphost

import (
	"context"
	"testing"
	"time"
)

// fakeServerScript is a tiny line-oriented JSON-RPC responder: it replies
// to "initialize", "tools/list", and "tools/call" (for tool "echo") with
// canned frames, ignoring anything else. It exercises the real stdio
// transport end to end without depending on a built tool-server binary.
const fakeServerScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{}}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"ok"}],"isError":false}}\n' "$id"
      ;;
  esac
done
`

func newFakeServer(t *testing.T, id string) *Server {
	t.Helper()
	return NewServer(ServerConfig{ID: id, Command: "/bin/sh", Args: []string{"-c", fakeServerScript}})
}

func TestServerStartDiscoversTools(t *testing.T) {
	s := newFakeServer(t, "fake")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tools := s.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("got tools %+v", tools)
	}
}

func TestServerCallTool(t *testing.T) {
	s := newFakeServer(t, "fake")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	out, err := s.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}
}

// fakeHangingServerScript replies to initialize and tools/list normally but
// never answers tools/call, simulating a tool server that never returns.
const fakeHangingServerScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{}}]}}\n' "$id"
      ;;
    *)
      ;;
  esac
done
`

// TestServerCallToolTimesOutWithoutContextDeadline verifies CallTool bounds
// its wait even when the caller's context carries no deadline of its own.
func TestServerCallToolTimesOutWithoutContextDeadline(t *testing.T) {
	s := NewServer(ServerConfig{
		ID:          "hangs",
		Command:     "/bin/sh",
		Args:        []string{"-c", fakeHangingServerScript},
		CallTimeout: 50 * time.Millisecond,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Start(startCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	start := time.Now()
	_, err := s.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("CallTool did not bound its wait: took %v", elapsed)
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := newFakeServer(t, "fake")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("first stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}
