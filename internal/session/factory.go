package session

import (
	"fmt"

	"routerd/internal/config"
)

// New constructs the configured Store backend: "memory", "disk", or "redis".
func New(cfg config.SessionConfig, pcfg config.PipelineConfig) (Store, error) {
	switch cfg.Store {
	case "memory":
		return NewMemoryStore(pcfg.RepoSessionTTL), nil
	case "disk", "":
		return NewDiskStore(pcfg.SessionDir, pcfg.SessionTTL, pcfg.RepoSessionTTL)
	case "redis":
		return NewRedisStore(cfg.Redis, pcfg.SessionTTL)
	default:
		return nil, fmt.Errorf("session: unknown store %q", cfg.Store)
	}
}
