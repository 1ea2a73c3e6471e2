// Package server speaks newline-delimited JSON-RPC 2.0 over stdio and
// exposes the membria.* tool surface, proxying ext.<server>.<tool> names
// to allowlisted MCP servers.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"membria/internal/calibration"
	"membria/internal/composer"
	"membria/internal/engram"
	"membria/internal/firewall"
	"membria/internal/logging"
	"membria/internal/mcpproxy"
	"membria/internal/memory"
	"membria/internal/outcome"
	"membria/internal/pattern"
	"membria/internal/store"
	"membria/internal/types"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Deps carries everything the tool handlers touch. Proxy is optional;
// without it ext.* names are unknown tools.
type Deps struct {
	Store       *store.GraphStore
	Memory      *memory.Manager
	Tracker     *outcome.Tracker
	Calibration *calibration.Engine
	Composer    *composer.Composer
	Firewall    *firewall.Firewall
	Patterns    *pattern.Extractor
	Engrams     *engram.Writer
	Proxy       *mcpproxy.Proxy
	NS          types.Namespace
}

// Server reads one request per line and writes one response per line.
type Server struct {
	deps Deps
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

func New(deps Deps, in io.Reader, out io.Writer) *Server {
	return &Server{deps: deps, in: in, out: out}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run serves until the input closes or the context is cancelled.
// Requests are handled sequentially in arrival order.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	log := logging.Get(logging.CategoryServer)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.handleLine(ctx, []byte(line))
		if resp == nil {
			continue
		}
		if err := s.write(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	log.Info("input closed; server stopping")
	return nil
}

func (s *Server) write(resp *rpcResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.out.Write(append(data, '\n'))
	return err
}

func (s *Server) handleLine(ctx context.Context, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}}
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]bool{"tools": true},
		}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.listTools(ctx)}
	case "tools/call":
		result, rpcErr := s.callTool(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (interface{}, *rpcError) {
	var call callParams
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call needs {name, arguments}"}
	}

	if serverID, tool, ok := mcpproxy.SplitToolName(call.Name); ok {
		return s.callExternal(ctx, serverID, tool, call.Arguments)
	}

	handler, ok := s.handlers()[call.Name]
	if !ok {
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	payload, rpcErr := handler(ctx, call.Arguments)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return wrapText(payload)
}

// callExternal forwards an ext.<server>.<tool> call through the proxy.
func (s *Server) callExternal(ctx context.Context, serverID, tool string, args json.RawMessage) (interface{}, *rpcError) {
	if s.deps.Proxy == nil {
		return nil, &rpcError{Code: codeMethodNotFound, Message: "no MCP proxy configured"}
	}
	var argMap map[string]interface{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "arguments must be an object"}
		}
	}
	raw, err := s.deps.Proxy.Call(ctx, serverID, tool, argMap)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, &rpcError{Code: codeMethodNotFound, Message: err.Error()}
		}
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(raw)}},
	}, nil
}

// wrapText renders a tool payload into the MCP content envelope.
func wrapText(payload interface{}) (interface{}, *rpcError) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(data)}},
	}, nil
}
