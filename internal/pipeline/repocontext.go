package pipeline

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"time"
)

// SessionStore is the repo-context resolver's view of the session store: a
// narrow lookup/remember contract, kept independent of the concrete storage
// package so the pipeline never imports its host's storage concerns.
type SessionStore interface {
	Lookup(sessionID string) (RepoContext, bool)
	Remember(sessionID string, ctx RepoContext)
}

// OverrideStore is the classifier's view of the override store.
type OverrideStore interface {
	Get(sessionID string, now time.Time) (Override, bool)
	Set(sessionID string, o Override)
	Clear(sessionID string)
}

var systemMarkerRe = regexp.MustCompile(`<!--\s*LITELLM_CONTEXT\s+repo=(\S+)\s+repo_root=(\S+)\s*-->`)

const sessionIDInfix = "account__session_"

// SessionID extracts the session identifier from metadata.user_id: the
// suffix following the literal infix "account__session_". Returns "" if the
// infix is absent.
func SessionID(userID string) string {
	idx := strings.Index(userID, sessionIDInfix)
	if idx < 0 {
		return ""
	}
	return userID[idx+len(sessionIDInfix):]
}

// RepoContextResolver merges request headers, metadata, the process
// environment, the system-prompt marker, and the session store into a
// canonical RepoContext, following the literal precedence order of spec §3.1.
type RepoContextResolver struct {
	registry *Registry
	sessions SessionStore
}

// NewRepoContextResolver constructs a resolver backed by registry and
// sessions. sessions may be nil, in which case the session-store precedence
// level and the write-through on resolution are both skipped.
func NewRepoContextResolver(registry *Registry, sessions SessionStore) *RepoContextResolver {
	return &RepoContextResolver{registry: registry, sessions: sessions}
}

// Resolve computes the RepoContext for req, implicitly registering it in the
// repository registry and writing it through to the session store whenever
// both fields are present.
func (r *RepoContextResolver) Resolve(req *Request) RepoContext {
	r.applyAuthTokenSmuggling(req)

	if repo := req.HeaderValue("x-litellm-repo"); repo != "" {
		if root := req.HeaderValue("x-litellm-repo-root"); root != "" {
			return r.finish(req, RepoContext{Repo: repo, RepoRoot: root})
		}
	}

	if repo := req.MetadataValue("repo"); repo != "" {
		if root := req.MetadataValue("repo_root"); root != "" {
			return r.finish(req, RepoContext{Repo: repo, RepoRoot: root})
		}
	}

	if ctx, ok := fromClaudeMetadataEnv(); ok {
		return r.finish(req, ctx)
	}

	if ctx, ok := fromSystemMarker(req.System); ok {
		return r.finish(req, ctx)
	}

	if r.sessions != nil {
		if sid := SessionID(req.MetadataValue("user_id")); sid != "" {
			if ctx, ok := r.sessions.Lookup(sid); ok {
				return r.finish(req, ctx)
			}
		}
	}

	return RepoContext{}
}

// finish registers the resolved context and writes it through to the session
// store, returning it unchanged. An unscoped context is returned as-is.
func (r *RepoContextResolver) finish(req *Request, ctx RepoContext) RepoContext {
	if !ctx.Scoped() {
		return ctx
	}
	if r.registry != nil {
		_ = r.registry.Register(ctx.Repo, ctx.RepoRoot)
	}
	if r.sessions != nil {
		if sid := SessionID(req.MetadataValue("user_id")); sid != "" {
			r.sessions.Remember(sid, ctx)
		}
	}
	return ctx
}

// applyAuthTokenSmuggling decodes a "<scheme> <repo>::<token>" Authorization
// header per spec §4.2/§6.2: the repo prefix seeds metadata.repo when no
// higher-precedence repo is already present, and the outgoing header is
// rewritten to carry only the real token.
func (r *RepoContextResolver) applyAuthTokenSmuggling(req *Request) {
	auth := req.HeaderValue("authorization")
	if auth == "" {
		return
	}
	outgoing, repo := DecodeAuthToken(auth)
	if outgoing != auth {
		req.SetHeader("authorization", outgoing)
	}
	if repo == "" {
		return
	}
	if req.HeaderValue("x-litellm-repo") != "" || req.MetadataValue("repo") != "" {
		return
	}
	req.SetMetadata("repo", repo)
}

// DecodeAuthToken splits a "<scheme> <token>" Authorization header value. If
// token contains "::", the prefix before it is the smuggled repo identity and
// the returned header carries only the suffix as the real token.
func DecodeAuthToken(header string) (outgoing, repo string) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return header, ""
	}
	before, after, found := strings.Cut(token, "::")
	if !found {
		return header, ""
	}
	return scheme + " " + after, before
}

func fromClaudeMetadataEnv() (RepoContext, bool) {
	raw := os.Getenv("CLAUDE_METADATA")
	if raw == "" {
		return RepoContext{}, false
	}
	var parsed struct {
		Repo     string `json:"repo"`
		RepoRoot string `json:"repo_root"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return RepoContext{}, false
	}
	ctx := RepoContext{Repo: parsed.Repo, RepoRoot: parsed.RepoRoot}
	return ctx, ctx.Scoped()
}

func fromSystemMarker(system string) (RepoContext, bool) {
	m := systemMarkerRe.FindStringSubmatch(system)
	if m == nil {
		return RepoContext{}, false
	}
	ctx := RepoContext{Repo: m[1], RepoRoot: m[2]}
	return ctx, ctx.Scoped()
}
