package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/loomkit/loom/internal/llm"
)

// fqName joins a server ID and a bare tool name into the fully-qualified
// name the controller sees: "<server_id>_<tool_name>".
func fqName(serverID, tool string) string {
	return serverID + "_" + tool
}

// registeredTool is one catalogue entry: which server owns it, and its
// advertised schema.
type registeredTool struct {
	serverID string
	schema   toolSchema
}

// Host owns the lifecycle of every configured tool server and presents
// a single fully-qualified tool catalogue over all of them. It implements
// react.ToolCatalogue.
type Host struct {
	mu      sync.RWMutex
	servers map[string]*Server
	enabled map[string]bool
	tools   map[string]registeredTool // fqName -> entry
}

// NewHost creates an empty Host. Call AddServer then Start to bring
// servers up.
func NewHost() *Host {
	return &Host{
		servers: make(map[string]*Server),
		enabled: make(map[string]bool),
		tools:   make(map[string]registeredTool),
	}
}

// AddServer registers a server configuration. It takes effect on the next
// Start. Adding an ID that is already registered replaces its entry
// without stopping the server it held.
func (h *Host) AddServer(cfg ServerConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.servers[cfg.ID] = NewServer(cfg)
	h.enabled[cfg.ID] = true
}

// SetEnabledServers restricts the catalogue to exactly the named servers:
// tools from any other server are hidden from Prompt/Execute without
// stopping their process.
func (h *Host) SetEnabledServers(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.servers {
		h.enabled[id] = want[id]
	}
}

// Start launches every registered server and builds the fully-qualified
// tool catalogue. Per-server failures are logged and that server is
// skipped; Start only returns an error if no server came up at all.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	servers := make(map[string]*Server, len(h.servers))
	for id, s := range h.servers {
		servers[id] = s
	}
	h.mu.Unlock()

	started := 0
	for id, s := range servers {
		if err := s.Start(ctx); err != nil {
			log.Printf("[MCPHost] failed to start %q: %v", id, err)
			continue
		}
		started++
	}
	if started == 0 && len(servers) > 0 {
		return fmt.Errorf("mcphost: no tool servers started successfully")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range servers {
		for _, schema := range s.Tools() {
			h.tools[fqName(id, schema.Name)] = registeredTool{serverID: id, schema: schema}
		}
	}
	return nil
}

// Stop terminates every running server.
func (h *Host) Stop() {
	h.mu.RLock()
	servers := make([]*Server, 0, len(h.servers))
	for _, s := range h.servers {
		servers = append(servers, s)
	}
	h.mu.RUnlock()

	for _, s := range servers {
		if err := s.Stop(); err != nil {
			log.Printf("[MCPHost] stop error: %v", err)
		}
	}
}

// ListTools returns the fully-qualified names of every enabled, currently
// registered tool, sorted.
func (h *Host) ListTools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.tools))
	for fq, entry := range h.tools {
		if h.enabled[entry.serverID] {
			names = append(names, fq)
		}
	}
	sort.Strings(names)
	return names
}

// Prompt renders a tool-use section for the system prompt: one line per
// enabled tool naming it, its description, and its JSON input schema.
func (h *Host) Prompt() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.tools))
	for fq, entry := range h.tools {
		if h.enabled[entry.serverID] {
			names = append(names, fq)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "No tools are currently available."
	}

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, fq := range names {
		entry := h.tools[fq]
		sb.WriteString(fmt.Sprintf("- %s: %s\n  input schema: %s\n", fq, entry.schema.Description, schemaOrEmpty(entry.schema.InputSchema)))
	}
	return sb.String()
}

// Schemas returns every enabled tool's Function Calling definition,
// satisfying react's optional FC tool-catalogue contract.
func (h *Host) Schemas() []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.tools))
	for fq, entry := range h.tools {
		if h.enabled[entry.serverID] {
			names = append(names, fq)
		}
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, fq := range names {
		entry := h.tools[fq]
		defs = append(defs, llm.ToolDefinition{
			Name:        fq,
			Description: entry.schema.Description,
			Parameters:  entry.schema.InputSchema,
		})
	}
	return defs
}

func schemaOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// Execute dispatches a fully-qualified tool call to its owning server.
func (h *Host) Execute(ctx context.Context, fq string, args map[string]any) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[fq]
	enabled := ok && h.enabled[entry.serverID]
	server := h.servers[entry.serverID]
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("mcphost: unknown tool %q", fq)
	}
	if !enabled {
		return "", fmt.Errorf("mcphost: tool %q is disabled", fq)
	}
	if server == nil {
		return "", fmt.Errorf("mcphost: server %q not running", entry.serverID)
	}
	return server.CallTool(ctx, entry.schema.Name, args)
}
