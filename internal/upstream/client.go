// Package upstream is the proxy's one collaborator outside the pipeline: the
// opaque chat-completion endpoint the pipeline fronts, and the same
// endpoint's "cheap" tier used recursively by the classifier.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"routerd/internal/pipeline"
)

const classificationSystemPrompt = `You are a request complexity classifier. Read the user's message and ` +
	`reply with exactly one word on the first line: SIMPLE, MODERATE, or COMPLEX. SIMPLE is a short, ` +
	`well-scoped question or edit. MODERATE is a multi-step task confined to one area of a codebase. ` +
	`COMPLEX is an open-ended design, multi-file refactor, or debugging task. Reply with the single word only.`

// Client forwards chat-completion requests to the configured backend and
// implements pipeline.ClassifierUpstream for the recursive classification
// call.
type Client struct {
	backendURL string
	cheapModel string
	http       *http.Client
}

// New constructs a Client pointed at backendURL, using cheapModel for
// classification calls.
func New(backendURL, cheapModel string, timeout time.Duration) *Client {
	return &Client{
		backendURL: backendURL,
		cheapModel: cheapModel,
		http:       &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string            `json:"model"`
	Messages    []wireMessage     `json:"messages"`
	System      string            `json:"system,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// wireChoice's Message reuses pipeline.Message so a response whose content
// arrives as a list of duck-typed blocks (rather than a plain string) is
// flattened the same way incoming messages are, per spec §4.7 step 2.
type wireChoice struct {
	Message pipeline.Message `json:"message"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

// Forward sends req upstream unmodified (the pipeline has already rewritten
// model/system/messages) and parses the response into a ModelResponse.
func (c *Client) Forward(ctx context.Context, req *pipeline.Request) (pipeline.ModelResponse, error) {
	wire := wireRequest{
		Model:    req.Model,
		System:   req.System,
		Metadata: req.Metadata,
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := c.post(ctx, wire)
	if err != nil {
		return pipeline.ModelResponse{}, err
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pipeline.ModelResponse{}, fmt.Errorf("upstream: decode response: %w", err)
	}

	resp := pipeline.ModelResponse{
		InputTokens:  firstNonZero(parsed.Usage.PromptTokens, parsed.Usage.InputTokens),
		OutputTokens: firstNonZero(parsed.Usage.CompletionTokens, parsed.Usage.OutputTokens),
		TotalTokens:  parsed.Usage.TotalTokens,
	}
	if len(parsed.Choices) > 0 {
		resp.CompletionRole = parsed.Choices[0].Message.Role
		resp.CompletionText = parsed.Choices[0].Message.Content
	}
	return resp, nil
}

// ClassifyPrompt implements pipeline.ClassifierUpstream: a recursive call to
// the cheap tier, tagged so the pipeline's own recursion guard lets it pass
// through unmodified.
func (c *Client) ClassifyPrompt(ctx context.Context, prompt string) (string, error) {
	temp := 0.0
	wire := wireRequest{
		Model:       c.cheapModel,
		System:      classificationSystemPrompt,
		Messages:    []wireMessage{{Role: "user", Content: prompt}},
		Temperature: &temp,
		MaxTokens:   10,
		Metadata:    map[string]string{"request_type": "classification"},
	}

	body, err := c.post(ctx, wire)
	if err != nil {
		return "", err
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("upstream: decode classification response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("upstream: classification response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, wire wireRequest) ([]byte, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream: status %d: %s", resp.StatusCode, truncate(body, 300))
	}
	return body, nil
}

func firstNonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
