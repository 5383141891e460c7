package pipeline

import (
	"context"
	"crypto/md5" // #nosec G501 -- content-addressing cache key, not a security boundary
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ClassifierUpstream is the recursive call to the cheap tier used when no
// override, fast path, or cache entry settles the classification. The
// adapter is responsible for setting temperature=0, max_tokens=10, and
// metadata.request_type=classification on the outgoing call.
type ClassifierUpstream interface {
	ClassifyPrompt(ctx context.Context, prompt string) (string, error)
}

// ClassificationCache is a bounded, TTL-expiring map from a prompt-prefix
// digest to the tier last assigned to it.
type ClassificationCache struct {
	mu      sync.Mutex
	entries map[string]ClassificationCacheEntry
	maxSize int
	ttl     time.Duration
}

// NewClassificationCache creates a cache holding at most maxSize live
// entries, each valid for ttl after insertion.
func NewClassificationCache(maxSize int, ttl time.Duration) *ClassificationCache {
	return &ClassificationCache{
		entries: make(map[string]ClassificationCacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached tier for hash if present and not expired.
func (c *ClassificationCache) Get(hash string) (Complexity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[hash]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(entry.InsertedAt) > c.ttl {
		delete(c.entries, hash)
		return "", false
	}
	return entry.Complexity, true
}

// Put stores complexity under hash, evicting the single oldest entry first
// if the cache is already at capacity.
func (c *ClassificationCache) Put(hash string, complexity Complexity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[hash]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[hash] = ClassificationCacheEntry{Complexity: complexity, InsertedAt: time.Now()}
}

func (c *ClassificationCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, v := range c.entries {
		if oldestKey == "" || v.InsertedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, v.InsertedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Count reports the number of entries currently cached, live or not.
func (c *ClassificationCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ClassificationResult is the classifier's verdict plus enough override
// bookkeeping for the metadata assembler to report it.
type ClassificationResult struct {
	Complexity               Complexity
	OverrideActive           bool
	OverrideRemainingSeconds int
}

// Classifier decides the complexity tier for a request, per spec §4.3:
// override command parsing, then an active override, then a fast path for
// very short messages, then a cache hit, then a recursive upstream call.
type Classifier struct {
	overrides         OverrideStore
	cache             *ClassificationCache
	upstream          ClassifierUpstream
	defaultTTLMinutes int
	maxTTLMinutes     int
}

// NewClassifier constructs a Classifier. upstream may be nil, in which case
// an uncached, non-fast-path, non-overridden request always defaults to
// SIMPLE (the same behavior as an upstream error).
func NewClassifier(overrides OverrideStore, cache *ClassificationCache, upstream ClassifierUpstream, defaultTTLMinutes, maxTTLMinutes int) *Classifier {
	return &Classifier{
		overrides:         overrides,
		cache:             cache,
		upstream:          upstream,
		defaultTTLMinutes: defaultTTLMinutes,
		maxTTLMinutes:     maxTTLMinutes,
	}
}

// Classify runs the full decision chain for req, scoped to sessionID (which
// may be "" for an unscoped/session-less request).
func (cl *Classifier) Classify(ctx context.Context, sessionID string, req *Request) ClassificationResult {
	msg := req.LastUserMessage()
	now := time.Now()

	if cmd, ok := parseOverrideCommand(msg); ok && sessionID != "" {
		cl.applyCommand(sessionID, cmd, now)
	}

	if sessionID != "" && cl.overrides != nil {
		if o, ok := cl.overrides.Get(sessionID, now); ok {
			return ClassificationResult{
				Complexity:               o.Complexity,
				OverrideActive:           true,
				OverrideRemainingSeconds: int(o.ExpiresAt.Sub(now).Seconds()),
			}
		}
	}

	if nonWhitespaceLen(msg) < 20 {
		return ClassificationResult{Complexity: Simple}
	}

	hash := md5Hex(firstNRunes(msg, 500))
	if cl.cache != nil {
		if c, ok := cl.cache.Get(hash); ok {
			return ClassificationResult{Complexity: c}
		}
	}

	complexity := cl.callUpstream(ctx, msg)
	if cl.cache != nil {
		cl.cache.Put(hash, complexity)
	}
	return ClassificationResult{Complexity: complexity}
}

func (cl *Classifier) applyCommand(sessionID string, cmd overrideCommand, now time.Time) {
	if cl.overrides == nil {
		return
	}
	if cmd.kind == "cancel" {
		cl.overrides.Clear(sessionID)
		return
	}

	ttl := cmd.ttlMinutes
	if ttl <= 0 {
		ttl = cl.defaultTTLMinutes
	}
	if cl.maxTTLMinutes > 0 && ttl > cl.maxTTLMinutes {
		ttl = cl.maxTTLMinutes
	}

	cl.overrides.Set(sessionID, Override{
		Complexity: cmd.complexity,
		TTLMinutes: ttl,
		ExpiresAt:  now.Add(time.Duration(ttl) * time.Minute),
	})
}

func (cl *Classifier) callUpstream(ctx context.Context, msg string) Complexity {
	if cl.upstream == nil {
		return Simple
	}
	resp, err := cl.upstream.ClassifyPrompt(ctx, firstNRunes(msg, 2000))
	if err != nil {
		slog.Warn("classifier: upstream call failed, defaulting to SIMPLE", "error", err)
		return Simple
	}
	return parseClassifierResponse(resp)
}

func parseClassifierResponse(resp string) Complexity {
	line := resp
	if idx := strings.IndexByte(resp, '\n'); idx >= 0 {
		line = resp[:idx]
	}
	upper := strings.ToUpper(strings.TrimSpace(line))
	for _, tier := range []Complexity{Simple, Moderate, Complex} {
		if strings.Contains(upper, string(tier)) {
			return tier
		}
	}
	return Simple
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func firstNRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401 -- cache key, not a security boundary
	return hex.EncodeToString(sum[:])
}
