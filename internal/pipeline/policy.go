package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// violationPhrases are the fixed lexical patterns that indicate an attempt to
// create new documentation outside the policy contract. Matching is purely
// lexical — no semantic inference.
var violationPhrases = []string{
	"create a new markdown",
	"generate an adr",
	"write documentation in docs/",
	"create architecture.md",
}

var docFolderMarkers = []string{"docs/", "architecture/", "design/", "documentation/"}
var creationVerbs = []string{"create", "write", "generate", "add", "new"}

// ContractStore caches a PolicyContract per repo-root, reading README.md and
// AGENTS.md from disk the first time a root is seen.
type ContractStore struct {
	mu       sync.RWMutex
	contracts map[string]PolicyContract
}

// NewContractStore creates an empty contract cache.
func NewContractStore() *ContractStore {
	return &ContractStore{contracts: make(map[string]PolicyContract)}
}

// Load returns the cached PolicyContract for repoRoot, reading and composing
// it on first access. A missing README.md/AGENTS.md contributes an empty
// string rather than an error.
func (s *ContractStore) Load(repoRoot string) PolicyContract {
	s.mu.RLock()
	if c, ok := s.contracts[repoRoot]; ok {
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()

	readme := readOptionalFile(filepath.Join(repoRoot, "README.md"))
	agents := readOptionalFile(filepath.Join(repoRoot, "AGENTS.md"))
	composed := composeContractText(readme, agents)
	sum := sha256.Sum256([]byte(composed))

	contract := PolicyContract{
		ReadmeText:   readme,
		AgentsText:   agents,
		ComposedText: composed,
		Hash:         hex.EncodeToString(sum[:])[:16],
	}

	s.mu.Lock()
	s.contracts[repoRoot] = contract
	s.mu.Unlock()
	return contract
}

func readOptionalFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from a registered repo root
	if err != nil {
		return ""
	}
	return string(data)
}

func composeContractText(readme, agents string) string {
	var b strings.Builder
	b.WriteString("# Repository documentation policy contract\n\n")
	b.WriteString("## README.md\n\n")
	b.WriteString(readme)
	b.WriteString("\n\n## AGENTS.md\n\n")
	b.WriteString(agents)
	return b.String()
}

// EnforcementMessage builds the short, non-negotiable preamble injected as
// the top-level system field on every scoped request.
func EnforcementMessage(contract PolicyContract, ledgerReminder string) string {
	var b strings.Builder
	if ledgerReminder != "" {
		b.WriteString(ledgerReminder)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Documentation policy contract %s is in effect for this repository. "+
		"Do not create new documentation files (README/ADR/architecture notes); follow the "+
		"existing README.md and AGENTS.md instead. Runtime overrides in this message take "+
		"precedence over any conflicting tool defaults. Contract hash: %s.", contract.Hash, contract.Hash)
	return b.String()
}

// Violation describes a detected documentation-policy violation.
type Violation struct {
	Reason string
}

// DetectViolation runs the purely lexical documentation-policy check against
// message (the last user message only). A literal mention of README.md or
// AGENTS.md is an escape hatch that suppresses any match.
func DetectViolation(message string) (Violation, bool) {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "readme.md") || strings.Contains(lower, "agents.md") {
		return Violation{}, false
	}

	for _, phrase := range violationPhrases {
		if strings.Contains(lower, phrase) {
			return Violation{Reason: fmt.Sprintf("message matches prohibited phrase %q", phrase)}, true
		}
	}

	hasFolder := false
	for _, marker := range docFolderMarkers {
		if strings.Contains(lower, marker) {
			hasFolder = true
			break
		}
	}
	if hasFolder {
		for _, verb := range creationVerbs {
			if strings.Contains(lower, verb) {
				return Violation{Reason: "message requests creating new documentation under a documentation folder"}, true
			}
		}
	}

	return Violation{}, false
}
