package proxyhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"routerd/internal/pipeline"
	"routerd/internal/upstream"
)

func newTestDriver(backendURL string) *pipeline.Driver {
	return &pipeline.Driver{
		Registry:   pipeline.NewRegistry(),
		Resolver:   pipeline.NewRepoContextResolver(pipeline.NewRegistry(), nil),
		Classifier: pipeline.NewClassifier(nil, pipeline.NewClassificationCache(100, time.Minute), nil, 5, 60),
		Contracts:  pipeline.NewContractStore(),
		GuardThresholds: pipeline.GuardThresholds{
			BlockLimit:          12000,
			DupMin:              800,
			SoftLimit:           180000,
			HardLimit:           200000,
			EnforcementOverhead: 400,
		},
		Models:    pipeline.TierModels{Cheap: "cheap-model", Mid: "mid-model", Expensive: "expensive-model"},
		SideCache: pipeline.NewSideCache(time.Minute),
		Snapshots: pipeline.NoopSnapshotWriter{},
	}
}

func TestHandlerForwardsUnscopedRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
			"usage": map[string]int64{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer backend.Close()

	h := &Handler{
		Driver:   newTestDriver(backend.URL),
		Upstream: upstream.New(backend.URL, "cheap-model", 5*time.Second),
	}

	body := `{"model":"cheap-model","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("expected total_tokens=8, got %d", resp.Usage.TotalTokens)
	}
}

func TestHandlerFlattensBlockContent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]interface{}
		json.NewDecoder(r.Body).Decode(&decoded)
		messages := decoded["messages"].([]interface{})
		first := messages[0].(map[string]interface{})
		if first["content"] != "part one\npart two" {
			t.Errorf("expected upstream request to receive flattened content, got %v", first["content"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{
					"role": "assistant",
					"content": []map[string]string{
						{"type": "text", "text": "reply part one"},
						{"type": "text", "text": "reply part two"},
					},
				}},
			},
			"usage": map[string]int64{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer backend.Close()

	h := &Handler{
		Driver:   newTestDriver(backend.URL),
		Upstream: upstream.New(backend.URL, "cheap-model", 5*time.Second),
	}

	body := `{"model":"cheap-model","messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "reply part one\nreply part two" {
		t.Errorf("expected flattened response content, got %+v", resp)
	}
}

func TestHandlerBootstrapShortCircuits(t *testing.T) {
	h := &Handler{
		Driver:   newTestDriver(""),
		Upstream: upstream.New("http://unused.invalid", "cheap-model", 5*time.Second),
	}

	body := `{"model":"cheap-model","messages":[{"role":"user","content":"hello"}],"metadata":{"request_type":"repo_bootstrap"}}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != string(pipeline.FinishStop) {
		t.Errorf("expected a stop-finish synthetic response, got %+v", resp)
	}
}

func TestHandlerRejectsNonPost(t *testing.T) {
	h := &Handler{Driver: newTestDriver(""), Upstream: upstream.New("http://unused.invalid", "cheap-model", time.Second)}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
