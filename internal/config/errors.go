package config

import "fmt"

// LoadError wraps a failure to load or validate configuration at startup.
// Per spec.md §7 (ConfigurationMissing), this is the one error kind that is
// fatal — callers decide whether to fail fast or continue with defaults.
type LoadError struct {
	Stage string // "read", "parse", "env", "validate"
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func newLoadError(stage string, err error) *LoadError {
	return &LoadError{Stage: stage, Err: err}
}
