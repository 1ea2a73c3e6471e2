// Package mcpproxy forwards ext.<server>.<tool> calls to allowlisted
// external MCP servers over HTTP JSON-RPC, with a per-server tool cache
// and live allowlist reload.
package mcpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"membria/internal/logging"
	"membria/internal/types"
)

// Server is one allowlisted external MCP server.
type Server struct {
	ID         string `json:"id"`
	BaseURL    string `json:"base_url"`
	AuthHeader string `json:"auth_header,omitempty"`
}

// allowlist is the on-disk format.
type allowlist struct {
	Servers []Server `json:"servers"`
}

// ToolSchema is the tool description an MCP server advertises.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolCache holds one server's advertised tools with a fetch timestamp.
type toolCache struct {
	tools   []ToolSchema
	fetched time.Time
}

// Proxy resolves and forwards external tool calls.
type Proxy struct {
	path    string
	timeout time.Duration
	refresh time.Duration
	client  *http.Client

	mu      sync.RWMutex
	servers map[string]Server
	caches  map[string]*toolCache

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads the allowlist and starts watching it for changes. A missing
// file yields an empty proxy that denies everything until the file
// appears.
func New(allowlistPath string, timeout, refresh time.Duration) (*Proxy, error) {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if refresh <= 0 {
		refresh = 600 * time.Second
	}
	p := &Proxy{
		path:    allowlistPath,
		timeout: timeout,
		refresh: refresh,
		client:  &http.Client{Timeout: timeout},
		servers: make(map[string]Server),
		caches:  make(map[string]*toolCache),
		done:    make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		logging.Get(logging.CategoryMCP).Warn("allowlist %s not loaded: %v", allowlistPath, err)
	}
	if err := p.watch(); err != nil {
		logging.Get(logging.CategoryMCP).Warn("allowlist watch disabled: %v", err)
	}
	return p, nil
}

// Close stops the filesystem watcher.
func (p *Proxy) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// reload re-reads the allowlist file and resets the tool caches of
// removed servers.
func (p *Proxy) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read allowlist: %w", err)
	}
	var list allowlist
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]Server, len(list.Servers))
	for _, srv := range list.Servers {
		if srv.ID == "" || srv.BaseURL == "" {
			logging.Get(logging.CategoryMCP).Warn("skipping allowlist entry with missing id or base_url")
			continue
		}
		next[srv.ID] = srv
	}
	for id := range p.caches {
		if _, ok := next[id]; !ok {
			delete(p.caches, id)
		}
	}
	p.servers = next
	logging.Get(logging.CategoryMCP).Info("allowlist loaded: %d servers", len(next))
	return nil
}

// watch reloads the allowlist when the file changes. Watching the
// directory survives editors that replace the file.
func (p *Proxy) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	p.watcher = w

	go func() {
		for {
			select {
			case <-p.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.reload(); err != nil {
					logging.Get(logging.CategoryMCP).Warn("allowlist reload failed: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryMCP).Warn("allowlist watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Servers returns the allowlisted server ids.
func (p *Proxy) Servers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.servers))
	for id := range p.servers {
		out = append(out, id)
	}
	return out
}

// SplitToolName parses ext.<server>.<tool> into its parts.
func SplitToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "ext.") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "ext.")
	i := strings.Index(rest, ".")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Tools returns the server's advertised tools, from cache when fresh.
func (p *Proxy) Tools(ctx context.Context, serverID string) ([]ToolSchema, error) {
	p.mu.RLock()
	srv, ok := p.servers[serverID]
	cache := p.caches[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: server %q not in allowlist", types.ErrNotFound, serverID)
	}
	if cache != nil && time.Since(cache.fetched) < p.refresh {
		return cache.tools, nil
	}

	resp, err := p.rpc(ctx, srv, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools from %s: %w", serverID, err)
	}

	p.mu.Lock()
	p.caches[serverID] = &toolCache{tools: result.Tools, fetched: time.Now()}
	p.mu.Unlock()
	return result.Tools, nil
}

// Call forwards a tool invocation. The tool must be advertised by the
// server; unknown tools are never cached as present.
func (p *Proxy) Call(ctx context.Context, serverID, tool string, args map[string]interface{}) (json.RawMessage, error) {
	tools, err := p.Tools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, t := range tools {
		if t.Name == tool {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: tool %q on server %q", types.ErrNotFound, tool, serverID)
	}

	p.mu.RLock()
	srv := p.servers[serverID]
	p.mu.RUnlock()
	return p.rpc(ctx, srv, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc performs one JSON-RPC POST against a server with the proxy timeout.
func (p *Proxy) rpc(ctx context.Context, srv Server, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if srv.AuthHeader != "" {
		req.Header.Set("Authorization", srv.AuthHeader)
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", types.ErrTransientBackend, srv.ID, method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		detail, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("server %s returned status %d: %s", srv.ID, httpResp.StatusCode, string(detail))
	}
	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode rpc response from %s: %w", srv.ID, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %s error %d: %s", srv.ID, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}
