// Package gateway dispatches tool invocations carried in a JSON-RPC style
// envelope. It validates requests in a fixed order, maps failures to a
// closed error-kind set, and never leaks handler internals to callers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alpacapurpura/fieldline/internal/auth"
)

// ProtocolVersion is the only envelope version the gateway accepts.
const ProtocolVersion = "2.0"

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	KindMalformedRequest       ErrorKind = "MalformedRequest"
	KindMethodNotFound         ErrorKind = "MethodNotFound"
	KindInvalidParams          ErrorKind = "InvalidParams"
	KindInternalError          ErrorKind = "InternalError"
	KindPermissionDenied       ErrorKind = "PermissionDenied"
	KindInvalidCredential      ErrorKind = "InvalidCredential"
	KindAuthBackendUnavailable ErrorKind = "AuthBackendUnavailable"
)

// Error is the wire error carried in a Response.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is the inbound envelope. ID is kept as raw JSON so string and
// numeric ids round-trip byte for byte; a nil ID marks a notification.
type Request struct {
	ProtocolVersion string          `json:"protocol_version"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	ID              json.RawMessage `json:"id,omitempty"`
}

// Response is the outbound envelope. Exactly one of Result and Error is set.
type Response struct {
	ProtocolVersion string          `json:"protocol_version"`
	Result          any             `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	ID              json.RawMessage `json:"id"`
}

// ParamSpec declares one parameter of a tool. Type is a JSON type name:
// string, number, boolean, object or array.
type ParamSpec struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Handler executes a tool call. Params have passed spec validation; the
// identity is the authenticated caller, or nil for unauthenticated
// surfaces. Returned auth errors keep their kind on the wire; anything
// else unclassified becomes InternalError.
type Handler func(ctx context.Context, params map[string]any, identity *auth.Identity) (any, error)

// Tool is a registered method.
type Tool struct {
	Name        string
	Description string
	Params      []ParamSpec
	Handler     Handler
}

// Gateway holds the tool registry and dispatches envelopes against it.
type Gateway struct {
	mu    sync.RWMutex
	tools map[string]Tool

	onCall  func()
	onError func()
}

// Options configures a Gateway.
type Options struct {
	// OnCall and OnError are optional metrics hooks, invoked once per
	// dispatched call and once per error response respectively.
	OnCall  func()
	OnError func()
}

// New builds an empty gateway.
func New(opts Options) *Gateway {
	noop := func() {}
	if opts.OnCall == nil {
		opts.OnCall = noop
	}
	if opts.OnError == nil {
		opts.OnError = noop
	}
	return &Gateway{
		tools:   make(map[string]Tool),
		onCall:  opts.OnCall,
		onError: opts.OnError,
	}
}

// Register adds a tool. Duplicate names are rejected.
func (g *Gateway) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("gateway: tool name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("gateway: tool %s has no handler", t.Name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tools[t.Name]; exists {
		return fmt.Errorf("gateway: tool %s already registered", t.Name)
	}
	g.tools[t.Name] = t
	return nil
}

// Tools returns the registered tools, for listing surfaces.
func (g *Gateway) Tools() []Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Tool, 0, len(g.tools))
	for _, t := range g.tools {
		out = append(out, t)
	}
	return out
}

// Invoke processes one raw envelope and returns the reply, or nil when the
// envelope is a notification. Invoke never returns a Go error: every
// failure is encoded in the reply (and notifications swallow theirs).
func (g *Gateway) Invoke(ctx context.Context, raw []byte, identity *auth.Identity) *Response {
	g.onCall()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return g.fail(nil, KindMalformedRequest, fmt.Sprintf("invalid envelope: %v", err))
	}
	if req.ProtocolVersion != ProtocolVersion {
		return g.fail(req.ID, KindMalformedRequest,
			fmt.Sprintf("unsupported protocol version %q", req.ProtocolVersion))
	}
	if req.Method == "" {
		return g.fail(req.ID, KindMalformedRequest, "method required")
	}

	notification := req.ID == nil

	g.mu.RLock()
	tool, ok := g.tools[req.Method]
	g.mu.RUnlock()
	if !ok {
		if notification {
			g.onError()
			return nil
		}
		return g.fail(req.ID, KindMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}

	params, gwErr := decodeParams(req.Params, tool.Params)
	if gwErr != nil {
		if notification {
			g.onError()
			return nil
		}
		return g.failErr(req.ID, gwErr)
	}

	result, err := g.dispatch(ctx, tool, params, identity)
	if err != nil {
		if notification {
			g.onError()
			return nil
		}
		return g.failErr(req.ID, g.classify(err))
	}
	if notification {
		return nil
	}
	return &Response{ProtocolVersion: ProtocolVersion, Result: result, ID: req.ID}
}

// Reject answers one raw envelope with a pre-classified failure without
// dispatching the method. The transport uses it when the caller's
// credential fails to resolve: the auth error keeps its kind, the
// envelope's id is still echoed, and notifications still get no reply.
func (g *Gateway) Reject(raw []byte, err error) *Response {
	g.onCall()

	var req Request
	if jsonErr := json.Unmarshal(raw, &req); jsonErr != nil {
		return g.fail(nil, KindMalformedRequest, fmt.Sprintf("invalid envelope: %v", jsonErr))
	}
	if req.ID == nil {
		g.onError()
		return nil
	}
	return g.failErr(req.ID, g.classify(err))
}

// Call invokes a registered tool in process, bypassing the wire envelope.
// Validation of params against the tool's specs still applies; failures
// come back as *Error.
func (g *Gateway) Call(ctx context.Context, method string, params map[string]any, identity *auth.Identity) (any, error) {
	g.onCall()

	g.mu.RLock()
	tool, ok := g.tools[method]
	g.mu.RUnlock()
	if !ok {
		g.onError()
		return nil, &Error{Kind: KindMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
	if gwErr := validateParams(params, tool.Params); gwErr != nil {
		g.onError()
		return nil, gwErr
	}
	result, err := g.dispatch(ctx, tool, params, identity)
	if err != nil {
		g.onError()
		return nil, g.classify(err)
	}
	return result, nil
}

// dispatch runs the handler with panic containment.
func (g *Gateway) dispatch(ctx context.Context, tool Tool, params map[string]any, identity *auth.Identity) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlation := uuid.New().String()
			slog.Error("tool handler panic",
				"tool", tool.Name,
				"correlation_id", correlation,
				"panic", r)
			err = &Error{
				Kind:    KindInternalError,
				Message: fmt.Sprintf("internal error (correlation id %s)", correlation),
			}
		}
	}()
	return tool.Handler(ctx, params, identity)
}

// classify maps a handler error to a wire error. Auth sentinels keep
// their kinds; everything else is logged server-side and surfaced as an
// opaque InternalError.
func (g *Gateway) classify(err error) *Error {
	var gwErr *Error
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, auth.ErrPermissionDenied):
		return &Error{Kind: KindPermissionDenied, Message: err.Error()}
	case errors.Is(err, auth.ErrInvalidCredential):
		return &Error{Kind: KindInvalidCredential, Message: err.Error()}
	case errors.Is(err, auth.ErrAuthBackendUnavailable):
		return &Error{Kind: KindAuthBackendUnavailable, Message: err.Error()}
	default:
		correlation := uuid.New().String()
		slog.Error("tool handler error", "correlation_id", correlation, "error", err)
		return &Error{
			Kind:    KindInternalError,
			Message: fmt.Sprintf("internal error (correlation id %s)", correlation),
		}
	}
}

func (g *Gateway) fail(id json.RawMessage, kind ErrorKind, msg string) *Response {
	return g.failErr(id, &Error{Kind: kind, Message: msg})
}

func (g *Gateway) failErr(id json.RawMessage, gwErr *Error) *Response {
	g.onError()
	return &Response{ProtocolVersion: ProtocolVersion, Error: gwErr, ID: id}
}

func decodeParams(raw json.RawMessage, specs []ParamSpec) (map[string]any, *Error) {
	params := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &Error{Kind: KindInvalidParams, Message: "params must be an object"}
		}
	}
	if gwErr := validateParams(params, specs); gwErr != nil {
		return nil, gwErr
	}
	return params, nil
}

func validateParams(params map[string]any, specs []ParamSpec) *Error {
	for _, spec := range specs {
		value, present := params[spec.Name]
		if !present {
			if spec.Required {
				return &Error{Kind: KindInvalidParams, Message: fmt.Sprintf("missing required param %q", spec.Name)}
			}
			continue
		}
		if !typeMatches(value, spec.Type) {
			return &Error{Kind: KindInvalidParams,
				Message: fmt.Sprintf("param %q must be a %s", spec.Name, spec.Type)}
		}
	}
	return nil
}

func typeMatches(value any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
