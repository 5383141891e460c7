package config

import "time"

// PipelineConfig holds the pre-call pipeline's own tuning knobs. Per spec.md
// §6.3, the pipeline reads these directly from the process environment
// (not from the proxy's YAML file) so that the core stays embeddable in a
// host that never sees the YAML config at all.
type PipelineConfig struct {
	CaptureRequests bool
	CaptureDir      string

	RepoSessionTTL time.Duration // memory session TTL
	SessionDir     string        // disk session dir
	SessionTTL     time.Duration // disk session TTL

	OverrideDefaultTTLMinutes int
	OverrideMaxTTLMinutes     int

	ContextSoftLimit  int
	ContextHardLimit  int
	ContextBlockLimit int
	ContextDupMin     int

	EnforcementOverhead int

	LedgerRepos string // comma list, or "*"

	// ClassificationCacheSize/TTL bound the classifier's prompt-prefix-digest
	// cache (spec.md §3.1's MAX_CACHE_SIZE/CACHE_TTL). Not part of the §6.3
	// env table, so these are fixed defaults rather than env-overridable.
	ClassificationCacheSize int
	ClassificationCacheTTL  time.Duration
}

func defaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CaptureRequests:           false,
		CaptureDir:                "/tmp/litellm_requests",
		RepoSessionTTL:            7200 * time.Second,
		SessionDir:                "/tmp/claude_sessions",
		SessionTTL:                10800 * time.Second,
		OverrideDefaultTTLMinutes: 5,
		OverrideMaxTTLMinutes:     60,
		ContextSoftLimit:          180000,
		ContextHardLimit:          200000,
		ContextBlockLimit:         12000,
		ContextDupMin:             800,
		EnforcementOverhead:       400,
		LedgerRepos:               "*",
		ClassificationCacheSize:   1000,
		ClassificationCacheTTL:    3600 * time.Second,
	}
}

// loadPipelineConfigFromEnv reads every environment variable in spec.md §6.3,
// falling back to the documented default when unset.
func loadPipelineConfigFromEnv() (PipelineConfig, error) {
	cfg := defaultPipelineConfig()

	cfg.CaptureRequests = getEnvBoolOrDefault("LITELLM_CAPTURE_REQUESTS", cfg.CaptureRequests)
	cfg.CaptureDir = getEnvOrDefault("LITELLM_CAPTURE_DIR", cfg.CaptureDir)
	cfg.SessionDir = getEnvOrDefault("LITELLM_SESSION_DIR", cfg.SessionDir)
	cfg.LedgerRepos = getEnvOrDefault("LITELLM_LEDGER_REPOS", cfg.LedgerRepos)

	var err error
	if cfg.RepoSessionTTL, err = getEnvDurationSecondsOrDefault("LITELLM_REPO_SESSION_TTL", cfg.RepoSessionTTL); err != nil {
		return cfg, err
	}
	if cfg.SessionTTL, err = getEnvDurationSecondsOrDefault("LITELLM_SESSION_TTL", cfg.SessionTTL); err != nil {
		return cfg, err
	}
	if cfg.OverrideDefaultTTLMinutes, err = getEnvIntOrDefault("LITELLM_OVERRIDE_DEFAULT_TTL", cfg.OverrideDefaultTTLMinutes); err != nil {
		return cfg, err
	}
	if cfg.OverrideMaxTTLMinutes, err = getEnvIntOrDefault("LITELLM_OVERRIDE_MAX_TTL", cfg.OverrideMaxTTLMinutes); err != nil {
		return cfg, err
	}
	if cfg.ContextSoftLimit, err = getEnvIntOrDefault("LITELLM_CONTEXT_SOFT_LIMIT", cfg.ContextSoftLimit); err != nil {
		return cfg, err
	}
	if cfg.ContextHardLimit, err = getEnvIntOrDefault("LITELLM_CONTEXT_HARD_LIMIT", cfg.ContextHardLimit); err != nil {
		return cfg, err
	}
	if cfg.ContextBlockLimit, err = getEnvIntOrDefault("LITELLM_CONTEXT_BLOCK_LIMIT", cfg.ContextBlockLimit); err != nil {
		return cfg, err
	}
	if cfg.ContextDupMin, err = getEnvIntOrDefault("LITELLM_CONTEXT_DUP_MIN", cfg.ContextDupMin); err != nil {
		return cfg, err
	}
	if cfg.EnforcementOverhead, err = getEnvIntOrDefault("LITELLM_ENFORCEMENT_OVERHEAD", cfg.EnforcementOverhead); err != nil {
		return cfg, err
	}

	return cfg, nil
}
