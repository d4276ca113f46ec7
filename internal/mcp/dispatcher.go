package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

const protocolVersion = "2024-11-05"

// Tool is one callable capability exposed to devices.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	// Handler executes the call. Arguments may be nil.
	Handler func(ctx context.Context, arguments json.RawMessage) (string, error) `json:"-"`
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dispatcher routes device-embedded JSON-RPC tool traffic. It
// implements the server side of the tool protocol: initialize,
// tools/list and tools/call.
type Dispatcher struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

var _ repositories.ToolDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher preloaded with the built-in tools.
func NewDispatcher(knowledge repositories.KnowledgeStore, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		tools:  make(map[string]Tool),
		logger: logger,
	}

	d.Register(Tool{
		Name:        "get_current_time",
		Description: "Returns the current server time in RFC 3339 format.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})

	if knowledge != nil {
		d.Register(Tool{
			Name:        "list_recent_knowledge",
			Description: "Returns the most recently updated knowledge entries.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
			Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
				limit := 5
				if len(arguments) > 0 {
					var args struct {
						Limit int `json:"limit"`
					}
					if err := json.Unmarshal(arguments, &args); err == nil && args.Limit > 0 {
						limit = args.Limit
					}
				}
				entries, err := knowledge.ListRecent(ctx, limit)
				if err != nil {
					return "", err
				}
				out, err := json.Marshal(entries)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		})
	}

	return d
}

// Register adds or replaces a tool.
func (d *Dispatcher) Register(tool Tool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[tool.Name]; !exists {
		d.order = append(d.order, tool.Name)
	}
	d.tools[tool.Name] = tool
}

// Dispatch handles one JSON-RPC payload and returns the response to
// relay. Protocol-level failures come back as JSON-RPC error objects,
// not Go errors; a Go error means the payload could not be answered at
// all.
func (d *Dispatcher) Dispatch(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalError(nil, codeParseError, "parse error")
	}
	if req.JSONRPC != "2.0" {
		return marshalError(req.ID, codeInvalidRequest, "unsupported jsonrpc version")
	}

	switch req.Method {
	case "initialize":
		return marshalResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "kanari-server",
				"version": "1.0.0",
			},
		})

	case "notifications/initialized":
		// Notification, no response expected.
		return nil, nil

	case "tools/list":
		return marshalResult(req.ID, map[string]any{"tools": d.list()})

	case "tools/call":
		return d.call(ctx, req)

	default:
		d.logger.Warn("unknown tool method", zap.String("method", req.Method))
		return marshalError(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (d *Dispatcher) list() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tools := make([]Tool, 0, len(d.order))
	for _, name := range d.order {
		tools = append(tools, d.tools[name])
	}
	return tools
}

func (d *Dispatcher) call(ctx context.Context, req request) (json.RawMessage, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return marshalError(req.ID, codeInvalidRequest, "invalid tools/call params")
	}

	d.mu.RLock()
	tool, ok := d.tools[params.Name]
	d.mu.RUnlock()
	if !ok {
		return marshalError(req.ID, codeMethodNotFound, fmt.Sprintf("tool %q not found", params.Name))
	}

	text, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		d.logger.Error("tool call failed",
			zap.String("tool", params.Name),
			zap.Error(err))
		return marshalError(req.ID, codeInternalError, err.Error())
	}

	return marshalResult(req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	})
}

func marshalResult(id json.RawMessage, result any) (json.RawMessage, error) {
	return json.Marshal(response{JSONRPC: "2.0", ID: id, Result: result})
}

func marshalError(id json.RawMessage, code int, message string) (json.RawMessage, error) {
	return json.Marshal(response{JSONRPC: "2.0", ID: id, Error: &responseError{Code: code, Message: message}})
}
