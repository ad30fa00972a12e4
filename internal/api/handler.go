// Package api exposes the conversation engine over HTTP: the per-thread
// message endpoints, the gateway's JSON-RPC wire surface, and the
// operational health and metrics views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/checkpoint"
	"github.com/alpacapurpura/fieldline/internal/conversation"
	"github.com/alpacapurpura/fieldline/internal/gateway"
	"github.com/alpacapurpura/fieldline/internal/metrics"
	"github.com/alpacapurpura/fieldline/internal/pipeline"
)

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Gateway  *gateway.Gateway
	Auth     *auth.Cache
	Store    *checkpoint.Store
	Metrics  *metrics.Metrics

	// Timeout bounds one message turn; ActiveWindow bounds the
	// active-conversations view.
	Timeout      time.Duration
	ActiveWindow time.Duration
}

// NewHandler builds the chi router with all engine routes.
func NewHandler(deps Deps) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	if deps.ActiveWindow <= 0 {
		deps.ActiveWindow = time.Hour
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/metrics", handleMetrics(deps))

	r.Post("/conversation/{id}/message", handleMessage(deps))
	r.Get("/conversation/{id}/history", handleHistory(deps))
	r.Post("/conversation/{id}/reset", handleReset(deps))
	r.Get("/conversations/active", handleActive(deps))

	r.Post("/rpc", handleRPC(deps))

	return r
}

// bearer extracts the credential from the Authorization header, or "".
func bearer(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}

type messageRequest struct {
	Message conversation.Message `json:"message"`
	Context conversation.Context `json:"context"`
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message.content is required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.Timeout)
		defer cancel()

		result, err := deps.Pipeline.Process(ctx, threadID, req.Message, req.Context, bearer(r))
		switch {
		case errors.Is(err, checkpoint.ErrConversationBusy):
			httpError(w, http.StatusConflict, "conversation_busy", "another turn is in flight for %s", threadID)
			return
		case errors.Is(err, pipeline.ErrConversationClosed):
			httpError(w, http.StatusConflict, "conversation_closed", "thread %s is closed; reset it to continue", threadID)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "processing_error", "processing message: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type historyResponse struct {
	ThreadID string                 `json:"thread_id"`
	Messages []conversation.Message `json:"messages"`
	Phase    conversation.Phase     `json:"phase"`
	Context  conversation.Context   `json:"context"`
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")
		state, err := deps.Pipeline.History(r.Context(), threadID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "loading history: %v", err)
			return
		}
		if state == nil {
			httpError(w, http.StatusNotFound, "not_found", "no conversation for thread %s", threadID)
			return
		}
		messages := state.Messages
		if messages == nil {
			messages = []conversation.Message{}
		}
		writeJSON(w, http.StatusOK, historyResponse{
			ThreadID: threadID,
			Messages: messages,
			Phase:    state.Phase,
			Context:  state.Context,
		})
	}
}

func handleReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "id")
		if err := deps.Pipeline.Reset(r.Context(), threadID); err != nil {
			if errors.Is(err, checkpoint.ErrConversationBusy) {
				httpError(w, http.StatusConflict, "conversation_busy", "another turn is in flight for %s", threadID)
				return
			}
			httpError(w, http.StatusInternalServerError, "storage_error", "resetting conversation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"thread_id": threadID, "status": "reset"})
	}
}

func handleActive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Pipeline.ActiveConversations(r.Context(), deps.ActiveWindow)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing conversations: %v", err)
			return
		}
		if threads == nil {
			threads = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": threads, "count": len(threads)})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeOK := deps.Store.Ping(r.Context()) == nil
		status := http.StatusOK
		overall := "ok"
		if !storeOK {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{
			"status": overall,
			"components": map[string]any{
				"store":   storeOK,
				"gateway": len(deps.Gateway.Tools()) > 0,
			},
		})
	}
}

func handleMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Metrics.Snapshot())
	}
}

// handleRPC is the gateway's wire surface. The caller's bearer credential
// resolves to the identity handed to tool handlers. A credential that
// fails to resolve answers with the classified auth error (invalid
// credential vs backend outage); absent credentials proceed anonymously
// and tools deny by default.
func handleRPC(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		var identity *auth.Identity
		if credential := bearer(r); credential != "" {
			resolved, authErr := deps.Auth.Authenticate(r.Context(), credential)
			if authErr != nil {
				resp := deps.Gateway.Reject(raw, authErr)
				if resp == nil {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				writeJSON(w, http.StatusOK, resp)
				return
			}
			identity = resolved
		}

		resp := deps.Gateway.Invoke(r.Context(), raw, identity)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
