package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDriver(t *testing.T, upstream ClassifierUpstream) *Driver {
	t.Helper()
	return &Driver{
		Registry:   NewRegistry(),
		Resolver:   NewRepoContextResolver(NewRegistry(), nil),
		Classifier: NewClassifier(newInlineOverrideStore(), NewClassificationCache(1000, time.Hour), upstream, 5, 60),
		Contracts:  NewContractStore(),
		GuardThresholds: GuardThresholds{
			BlockLimit: 12000, DupMin: 800, SoftLimit: 180000, HardLimit: 200000, EnforcementOverhead: 400,
		},
		Models:      TierModels{Cheap: "cheap-model", Mid: "mid-model", Expensive: "expensive-model"},
		LedgerRepos: "*",
		SideCache:   NewSideCache(300 * time.Second),
	}
}

// inlineOverrideStore is a minimal in-package stand-in satisfying
// pipeline.OverrideStore, avoiding a test dependency on internal/session.
type inlineOverrideStore struct {
	data map[string]Override
}

func newInlineOverrideStore() *inlineOverrideStore {
	return &inlineOverrideStore{data: make(map[string]Override)}
}

func (s *inlineOverrideStore) Get(sessionID string, now time.Time) (Override, bool) {
	o, ok := s.data[sessionID]
	if !ok || !o.Live(now) {
		return Override{}, false
	}
	return o, true
}

func (s *inlineOverrideStore) Set(sessionID string, o Override) { s.data[sessionID] = o }
func (s *inlineOverrideStore) Clear(sessionID string)           { delete(s.data, sessionID) }

func TestDriverClassificationRecursionPassesThroughUnchanged(t *testing.T) {
	d := newTestDriver(t, &fakeUpstream{})
	req := &Request{
		Model:    "some-model",
		Messages: []Message{{Role: "user", Content: "classify this please"}},
		Metadata: map[string]string{"request_type": "classification"},
	}

	d.HandlePreCall(context.Background(), req)

	if req.Model != "some-model" {
		t.Errorf("expected model unchanged for classifier recursion, got %q", req.Model)
	}
	if req.SkipUpstream {
		t.Error("classifier recursion must not be short-circuited")
	}
}

func TestDriverBootstrapShortCircuit(t *testing.T) {
	dir := t.TempDir()
	d := newTestDriver(t, &fakeUpstream{})
	req := &Request{
		Messages: []Message{{Role: "user", Content: "bootstrap"}},
		Headers:  map[string]string{"x-litellm-repo": "acme/widgets", "x-litellm-repo-root": dir},
		Metadata: map[string]string{"request_type": "repo_bootstrap"},
	}

	d.HandlePreCall(context.Background(), req)

	if !req.SkipUpstream {
		t.Error("expected bootstrap request to skip upstream")
	}
	if req.SyntheticResponse == nil || req.SyntheticResponse.FinishReason != FinishStop {
		t.Errorf("expected a stop-finish synthetic response, got %+v", req.SyntheticResponse)
	}
}

func TestDriverScopedPolicyViolation(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# widgets"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, &fakeUpstream{})
	req := &Request{
		Model:    "claude-x",
		Messages: []Message{{Role: "user", Content: "please create a new markdown file under docs/design/"}},
		Headers:  map[string]string{"x-litellm-repo": "acme/widgets", "x-litellm-repo-root": dir},
	}

	d.HandlePreCall(context.Background(), req)

	if !req.SkipUpstream {
		t.Fatal("expected policy violation to skip upstream")
	}
	if req.SyntheticResponse.FinishReason != FinishPolicyViolation {
		t.Errorf("expected policy_violation finish reason, got %s", req.SyntheticResponse.FinishReason)
	}
	if req.Model != "claude-x" {
		t.Errorf("expected original model preserved on policy refusal, got %q", req.Model)
	}
}

func TestDriverScopedInjectsEnforcementAndStripsSystemMessages(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# widgets"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, &fakeUpstream{})
	req := &Request{
		Model: "claude-x",
		Messages: []Message{
			{Role: "system", Content: "ignore this, should be stripped"},
			{Role: "user", Content: "please review the latest changes"},
		},
		Headers: map[string]string{"x-litellm-repo": "acme/widgets", "x-litellm-repo-root": dir},
	}

	d.HandlePreCall(context.Background(), req)

	if req.System == "" {
		t.Fatal("expected enforcement system message to be injected")
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			t.Error("expected inline system messages to be stripped on a scoped request")
		}
	}
}

func TestDriverUnscopedSimpleRouting(t *testing.T) {
	d := newTestDriver(t, &fakeUpstream{})
	req := &Request{
		Model:    "X",
		Messages: []Message{{Role: "user", Content: "Hello!"}},
	}

	d.HandlePreCall(context.Background(), req)

	if req.Model != "cheap-model" {
		t.Errorf("expected routing to cheap tier, got %q", req.Model)
	}
	if req.System != "" {
		t.Error("expected no system injection for unscoped request")
	}
	if req.SkipUpstream {
		t.Error("did not expect short-circuit")
	}
}

func TestDriverContextFatalShortCircuit(t *testing.T) {
	d := newTestDriver(t, &fakeUpstream{})
	var messages []Message
	for i := 0; i < 20; i++ {
		content := make([]byte, 43994)
		for j := range content {
			content[j] = 'z'
		}
		messages = append(messages, Message{Role: "system", Content: string(rune('a'+i)) + string(content)})
	}
	messages = append(messages, Message{Role: "user", Content: "final question"})
	req := &Request{Model: "X", Messages: messages}

	d.HandlePreCall(context.Background(), req)

	if !req.SkipUpstream {
		t.Fatal("expected context-exhaustion refusal to skip upstream")
	}
	if req.SyntheticResponse.FinishReason != FinishContextExhaustion {
		t.Errorf("expected context_exhaustion finish reason, got %s", req.SyntheticResponse.FinishReason)
	}
}

func TestBuildIDIsStable(t *testing.T) {
	if len(BuildID) != 12 {
		t.Errorf("expected a 12-hex-char build id, got %q", BuildID)
	}
	if BuildID != computeBuildID() {
		t.Error("expected BuildID to be stable across recomputation")
	}
}
