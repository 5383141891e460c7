package session

import "routerd/internal/pipeline"

// Adapter exposes a Store as a pipeline.SessionStore, translating between the
// storage-layer Record and the pipeline's RepoContext so the pipeline package
// never needs to import this one.
type Adapter struct {
	store Store
}

// NewAdapter wraps store for use by the repo-context resolver.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// Lookup satisfies pipeline.SessionStore.
func (a *Adapter) Lookup(sessionID string) (pipeline.RepoContext, bool) {
	rec, ok := a.store.Get(sessionID)
	if !ok {
		return pipeline.RepoContext{}, false
	}
	return pipeline.RepoContext{Repo: rec.Repo, RepoRoot: rec.RepoRoot}, true
}

// Remember satisfies pipeline.SessionStore.
func (a *Adapter) Remember(sessionID string, ctx pipeline.RepoContext) {
	a.store.Put(sessionID, Record{Repo: ctx.Repo, RepoRoot: ctx.RepoRoot})
}
