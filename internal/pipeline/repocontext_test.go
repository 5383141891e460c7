package pipeline

import (
	"os"
	"testing"
)

type fakeSessionStore struct {
	data map[string]RepoContext
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{data: make(map[string]RepoContext)}
}

func (f *fakeSessionStore) Lookup(sessionID string) (RepoContext, bool) {
	ctx, ok := f.data[sessionID]
	return ctx, ok
}

func (f *fakeSessionStore) Remember(sessionID string, ctx RepoContext) {
	f.data[sessionID] = ctx
}

func TestSessionIDExtraction(t *testing.T) {
	cases := map[string]string{
		"acme-account__session_abc123": "abc123",
		"no-infix-here":                "",
		"account__session_":            "",
	}
	for in, want := range cases {
		if got := SessionID(in); got != want {
			t.Errorf("SessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolverHeaderPrecedence(t *testing.T) {
	dir := t.TempDir()
	r := NewRepoContextResolver(NewRegistry(), nil)
	req := &Request{Headers: map[string]string{
		"x-litellm-repo":      "acme/widgets",
		"x-litellm-repo-root": dir,
	}}

	ctx := r.Resolve(req)
	if ctx.Repo != "acme/widgets" || ctx.RepoRoot != dir {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestResolverMetadataFallback(t *testing.T) {
	dir := t.TempDir()
	r := NewRepoContextResolver(NewRegistry(), nil)
	req := &Request{Metadata: map[string]string{"repo": "acme/widgets", "repo_root": dir}}

	ctx := r.Resolve(req)
	if !ctx.Scoped() || ctx.Repo != "acme/widgets" {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestResolverClaudeMetadataEnv(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("CLAUDE_METADATA", `{"repo":"acme/widgets","repo_root":"`+dir+`"}`)
	defer os.Unsetenv("CLAUDE_METADATA")

	r := NewRepoContextResolver(NewRegistry(), nil)
	ctx := r.Resolve(&Request{})
	if ctx.Repo != "acme/widgets" || ctx.RepoRoot != dir {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestResolverSystemMarker(t *testing.T) {
	dir := t.TempDir()
	r := NewRepoContextResolver(NewRegistry(), nil)
	req := &Request{System: "some preamble\n<!-- LITELLM_CONTEXT repo=acme/widgets repo_root=" + dir + " -->"}

	ctx := r.Resolve(req)
	if ctx.Repo != "acme/widgets" || ctx.RepoRoot != dir {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestResolverSessionStoreFallback(t *testing.T) {
	dir := t.TempDir()
	store := newFakeSessionStore()
	store.Remember("sess-1", RepoContext{Repo: "acme/widgets", RepoRoot: dir})

	r := NewRepoContextResolver(NewRegistry(), store)
	req := &Request{Metadata: map[string]string{"user_id": "account__session_sess-1"}}

	ctx := r.Resolve(req)
	if ctx.Repo != "acme/widgets" || ctx.RepoRoot != dir {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestResolverUnscoped(t *testing.T) {
	r := NewRepoContextResolver(NewRegistry(), nil)
	ctx := r.Resolve(&Request{})
	if ctx.Scoped() {
		t.Errorf("expected unscoped, got %+v", ctx)
	}
}

func TestResolverWritesThroughToSessionStore(t *testing.T) {
	dir := t.TempDir()
	store := newFakeSessionStore()
	r := NewRepoContextResolver(NewRegistry(), store)
	req := &Request{
		Headers:  map[string]string{"x-litellm-repo": "acme/widgets", "x-litellm-repo-root": dir},
		Metadata: map[string]string{"user_id": "account__session_sess-9"},
	}

	r.Resolve(req)

	ctx, ok := store.Lookup("sess-9")
	if !ok {
		t.Fatal("expected session store to be written through")
	}
	if ctx.Repo != "acme/widgets" {
		t.Errorf("unexpected context written: %+v", ctx)
	}
}

func TestResolverImplicitlyRegisters(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()
	r := NewRepoContextResolver(registry, nil)
	req := &Request{Headers: map[string]string{"x-litellm-repo": "acme/widgets", "x-litellm-repo-root": dir}}

	r.Resolve(req)

	root, ok := registry.Resolve("acme/widgets")
	if !ok || root != dir {
		t.Errorf("expected implicit registration, got root=%q ok=%v", root, ok)
	}
}

func TestDecodeAuthTokenSmuggling(t *testing.T) {
	outgoing, repo := DecodeAuthToken("Bearer acme/widgets::real-token-123")
	if repo != "acme/widgets" {
		t.Errorf("expected repo acme/widgets, got %q", repo)
	}
	if outgoing != "Bearer real-token-123" {
		t.Errorf("expected outgoing token stripped of repo prefix, got %q", outgoing)
	}
}

func TestDecodeAuthTokenWithoutSmuggling(t *testing.T) {
	outgoing, repo := DecodeAuthToken("Bearer plain-token")
	if repo != "" {
		t.Errorf("expected no repo, got %q", repo)
	}
	if outgoing != "Bearer plain-token" {
		t.Errorf("expected header unchanged, got %q", outgoing)
	}
}

func TestResolverAuthTokenSmugglingSeedsMetadata(t *testing.T) {
	dir := t.TempDir()
	r := NewRepoContextResolver(NewRegistry(), nil)
	req := &Request{
		Headers:  map[string]string{"authorization": "Bearer acme/widgets::real-token"},
		Metadata: map[string]string{"repo_root": dir},
	}

	ctx := r.Resolve(req)
	if ctx.Repo != "acme/widgets" || ctx.RepoRoot != dir {
		t.Errorf("unexpected context: %+v", ctx)
	}
	if req.HeaderValue("authorization") != "Bearer real-token" {
		t.Errorf("expected outgoing header rewritten, got %q", req.HeaderValue("authorization"))
	}
}
