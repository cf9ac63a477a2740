package server

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// ToolFunc executes one MCP tool call. args and the return value are
// opaque JSON blobs; the bridge relays them without interpretation.
type ToolFunc func(ctx context.Context, args []byte) ([]byte, error)

type tool struct {
	info protocol.ToolInfo
	fn   ToolFunc
}

// ToolRegistry is the server's MCP bridge surface: the tool list
// MCP_DISCOVER renders and the dispatch table MCP_CALL goes through.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]tool
	order []string
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]tool)}
}

// Register adds (or replaces) a tool.
func (r *ToolRegistry) Register(name, description string, inputSchema []byte, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool{
		info: protocol.ToolInfo{Name: name, Description: description, InputSchema: inputSchema},
		fn:   fn,
	}
}

// List renders the registry in registration order for MCP_TOOLS.
func (r *ToolRegistry) List() []protocol.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].info)
	}
	return out
}

// Call invokes a tool by name.
func (r *ToolRegistry) Call(ctx context.Context, name string, args []byte) ([]byte, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "unknown tool: %s", name)
	}
	return t.fn(ctx, args)
}

// registerBuiltinTools installs the host-introspection tools every wshd
// exposes by default.
func registerBuiltinTools(r *ToolRegistry) {
	r.Register("host_info", "Report daemon host OS, architecture, and time",
		[]byte(`{"type":"object","properties":{}}`),
		func(ctx context.Context, args []byte) ([]byte, error) {
			hostname, _ := os.Hostname()
			return json.Marshal(map[string]any{
				"hostname": hostname,
				"os":       runtime.GOOS,
				"arch":     runtime.GOARCH,
				"now":      time.Now().UTC().Format(time.RFC3339),
			})
		})
	r.Register("echo", "Echo the given arguments back",
		[]byte(`{"type":"object","additionalProperties":true}`),
		func(ctx context.Context, args []byte) ([]byte, error) {
			if len(args) == 0 {
				return []byte(`{}`), nil
			}
			return args, nil
		})
}
