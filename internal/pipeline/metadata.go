package pipeline

import (
	"strconv"
	"sync"
	"time"
)

const truncatedFieldLimit = 200

// SideCache stashes the pre-call metadata bundle keyed by a short-lived
// digest of the request content, so the post-call hook can recover it
// without depending on the host preserving custom fields through the
// upstream call.
type SideCache struct {
	mu      sync.Mutex
	entries map[string]sideCacheEntry
	ttl     time.Duration
}

type sideCacheEntry struct {
	span       CapturedSpan
	insertedAt time.Time
}

// NewSideCache creates a side cache whose entries expire ttl after insertion.
func NewSideCache(ttl time.Duration) *SideCache {
	return &SideCache{entries: make(map[string]sideCacheEntry), ttl: ttl}
}

// Put stashes span under key.
func (c *SideCache) Put(key string, span CapturedSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = sideCacheEntry{span: span, insertedAt: time.Now()}
}

// Take retrieves and removes the entry for key if present and unexpired.
func (c *SideCache) Take(key string) (CapturedSpan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return CapturedSpan{}, false
	}
	delete(c.entries, key)
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		return CapturedSpan{}, false
	}
	return e.span, true
}

// SideCacheKey derives the side-cache key from the first n characters of the
// last user message, per spec §4.1.9/§4.7 (200 chars on assembly, 200 again
// on post-call recomputation — the two stages must agree). The digest is
// truncated to the first 16 hex characters per spec §4.1 stage 9's
// md5(...)[:16].
func SideCacheKey(lastUserMessage string) string {
	return md5Hex(firstNRunes(lastUserMessage, 200))[:16]
}

func truncateField(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// AssembleMetadata builds the sanitized flat metadata bundle described in
// spec §4.7, truncating every string field to 200 characters.
func AssembleMetadata(req *Request, ctx RepoContext, result ClassificationResult, routedModel string, contract PolicyContract, policyEnforced bool, guardResult GuardResult, ledgerAlert string) CapturedSpan {
	environment := "unscoped"
	if ctx.Scoped() {
		environment = ctx.Repo
	}

	span := CapturedSpan{
		Environment:                        truncateField(environment, truncatedFieldLimit),
		ComplexityClassification:           result.Complexity,
		OriginalModelRequested:             truncateField(req.Model, truncatedFieldLimit),
		RoutedToModel:                      truncateField(routedModel, truncatedFieldLimit),
		Router:                             "complexity",
		PromptLength:                       len(req.LastUserMessage()),
		Repo:                               truncateField(ctx.Repo, truncatedFieldLimit),
		RepoRoot:                           truncateField(ctx.RepoRoot, truncatedFieldLimit),
		GenAISystem:                        "anthropic",
		GenAIOperation:                     "chat",
		ContractHash:                       truncateField(contract.Hash, truncatedFieldLimit),
		PolicyEnforced:                     policyEnforced,
		RequestID:                          truncateField(req.MetadataValue("request_id"), truncatedFieldLimit),
		LedgerAlert:                        truncateField(ledgerAlert, truncatedFieldLimit),
		LedgerReminderActive:               ShouldLedgerRemind(guardResult),
		ComplexityOverrideActive:           result.OverrideActive,
		ComplexityOverrideRemainingSeconds: result.OverrideRemainingSeconds,
	}
	return span
}

// ModelResponse is what the post-call hook needs from the upstream's
// successful response: its usage counts and rendered text.
type ModelResponse struct {
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	CompletionRole string
	CompletionText string
}

// ContentRedactor scrubs secrets and PII out of the prompt/completion text
// before it is truncated into a CapturedSpan, so neither the telemetry
// exporter nor the history store ever retains raw credentials. A nil
// redactor leaves the content unchanged.
type ContentRedactor interface {
	Redact(content string) string
}

// FinishSpan completes a stashed CapturedSpan with post-call data, per
// spec §4.7 step 2-3: token counts, latency, and truncated prompt/completion
// text. redactor may be nil.
func FinishSpan(span CapturedSpan, resp ModelResponse, promptRole, promptContent string, latency time.Duration, redactor ContentRedactor) CapturedSpan {
	span.InputTokens = resp.InputTokens
	span.OutputTokens = resp.OutputTokens
	span.TotalTokens = resp.TotalTokens
	if span.TotalTokens == 0 {
		span.TotalTokens = span.InputTokens + span.OutputTokens
	}
	span.LatencyMillis = latency.Milliseconds()

	completionText := resp.CompletionText
	if redactor != nil {
		promptContent = redactor.Redact(promptContent)
		completionText = redactor.Redact(completionText)
	}

	span.PromptRole = promptRole
	span.PromptContent = truncateField(promptContent, 500)
	span.CompletionRole = resp.CompletionRole
	span.CompletionText = truncateField(completionText, 500)
	return span
}

// itoa is a tiny convenience used by telemetry adapters converting numeric
// span fields to attribute values.
func itoa(n int64) string { return strconv.FormatInt(n, 10) }
