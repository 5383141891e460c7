// Package proxyhttp is the proxy's single public HTTP endpoint: decode an
// inbound chat-completion request, run it through the pre-call pipeline,
// forward whatever survives upstream (or serve a synthetic short-circuit
// response), then complete telemetry and history in the post-call hook.
package proxyhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"routerd/internal/pipeline"
	"routerd/internal/storage"
	"routerd/internal/telemetry"
	"routerd/internal/upstream"
)

// Handler wires the pipeline driver to the upstream client and the optional
// telemetry/history sinks.
type Handler struct {
	Driver    *pipeline.Driver
	Upstream  *upstream.Client
	Telemetry *telemetry.Provider
	History   *storage.SQLiteStore
	Redactor  pipeline.ContentRedactor
}

// chatRequest's Messages reuses pipeline.Message so a request whose content
// arrives as a list of duck-typed blocks (the common Anthropic/OpenAI
// array-of-blocks shape) is flattened to plain text on decode, per spec §9 —
// the pipeline never sees anything but the canonical {role, content: string}
// shape.
type chatRequest struct {
	Model    string             `json:"model"`
	Messages []pipeline.Message `json:"messages"`
	System   string             `json:"system,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
	CallType string             `json:"call_type,omitempty"`
}

type chatChoice struct {
	Message      pipeline.Message `json:"message"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wire chatRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := &pipeline.Request{
		Model:    wire.Model,
		Messages: wire.Messages,
		System:   wire.System,
		Metadata: wire.Metadata,
		CallType: wire.CallType,
		Headers:  headersToMap(r.Header),
	}

	ctx := r.Context()
	start := time.Now()
	h.Driver.HandlePreCall(ctx, req)

	if req.SkipUpstream {
		writeJSON(w, http.StatusOK, chatResponse{
			Model: req.Model,
			Choices: []chatChoice{{
				Message:      pipeline.Message{Role: "assistant", Content: req.SyntheticResponse.Content},
				FinishReason: string(req.SyntheticResponse.FinishReason),
			}},
		})
		return
	}

	lastUserMessage := req.LastUserMessage()

	resp, err := h.Upstream.Forward(ctx, req)
	if err != nil {
		slog.Error("upstream call failed", "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	pipeline.HandlePostCall(h.Driver.SideCache, lastUserMessage, resp, "user", lastUserMessage, start, h.Redactor, func(span pipeline.CapturedSpan) {
		if h.Telemetry != nil {
			h.Telemetry.EmitRequestSpan(ctx, span)
		}
		if h.History != nil {
			if err := h.History.SaveRequest(storage.RecordFromSpan(span, "")); err != nil {
				slog.Error("failed to save request history", "request_id", span.RequestID, "error", err)
			}
		}
	})

	writeJSON(w, http.StatusOK, chatResponse{
		Model: req.Model,
		Choices: []chatChoice{{
			Message: pipeline.Message{Role: resp.CompletionRole, Content: resp.CompletionText},
		}},
		Usage: chatUsage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.TotalTokens,
		},
	})
}

func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
