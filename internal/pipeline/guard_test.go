package pipeline

import (
	"fmt"
	"strings"
	"testing"
)

func defaultThresholds() GuardThresholds {
	return GuardThresholds{
		BlockLimit:          12000,
		DupMin:              800,
		SoftLimit:           180000,
		HardLimit:           200000,
		EnforcementOverhead: 400,
	}
}

func TestGuardLowRisk(t *testing.T) {
	req := &Request{Messages: []Message{
		{Role: "user", Content: "hello there"},
	}}
	result := Guard(req, defaultThresholds())
	if result.Risk != RiskLow {
		t.Errorf("expected low risk, got %s", result.Risk)
	}
	if result.Refused {
		t.Error("did not expect refusal")
	}
}

func TestGuardTrimmingPreservesSystemAndLastUser(t *testing.T) {
	th := defaultThresholds()
	var messages []Message
	messages = append(messages, Message{Role: "system", Content: "be concise"})
	for i := 0; i < 400; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("x", 3000)})
	}
	messages = append(messages, Message{Role: "user", Content: "final question, please answer"})
	req := &Request{Messages: messages}

	result := Guard(req, th)

	if !result.Trimmed || result.TrimmedCount == 0 {
		t.Errorf("expected trimming to occur, got %+v", result)
	}
	if req.Messages[0].Role != "system" {
		t.Error("expected system message to survive trimming")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "final question, please answer" {
		t.Errorf("expected last user message preserved verbatim, got %q", last.Content)
	}
}

func TestGuardDuplicateSuppression(t *testing.T) {
	th := defaultThresholds()
	block := strings.Repeat("y", 4000)
	req := &Request{Messages: []Message{
		{Role: "user", Content: block},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: block},
	}}

	result := Guard(req, th)
	if result.DuplicateBlocks != 1 {
		t.Errorf("expected exactly one duplicate detected, got %d", result.DuplicateBlocks)
	}
	if req.Messages[2].Content != duplicateStub {
		t.Errorf("expected second occurrence replaced with stub, got %q", req.Messages[2].Content)
	}
}

func TestGuardLargeBlockSuppression(t *testing.T) {
	th := defaultThresholds()
	huge := strings.Repeat("z", 60000) // ~15000 estimated tokens, over the 12000 block limit
	req := &Request{Messages: []Message{{Role: "user", Content: huge}}}

	result := Guard(req, th)
	if result.LargeBlocksCount != 1 {
		t.Errorf("expected one large block suppressed, got %d", result.LargeBlocksCount)
	}
	if req.Messages[0].Content == huge {
		t.Error("expected the oversized block to be replaced")
	}
}

func TestGuardFatalRefusal(t *testing.T) {
	th := defaultThresholds()
	// Trimming exempts every role=system message and the last role=user
	// message; stack enough distinct, near-block-limit system messages that
	// their untrimmable sum alone exceeds HARD after the per-block pass.
	var messages []Message
	for i := 0; i < 20; i++ {
		messages = append(messages, Message{Role: "system", Content: fmt.Sprintf("%06d", i) + strings.Repeat("z", 43994)})
	}
	messages = append(messages, Message{Role: "user", Content: "final question"})
	req := &Request{Messages: messages}

	result := Guard(req, th)
	if !result.Refused {
		t.Errorf("expected fatal refusal, got %+v", result)
	}
	if result.Risk != RiskFatal {
		t.Errorf("expected fatal risk, got %s", result.Risk)
	}
}

func TestLedgerEnforced(t *testing.T) {
	if !LedgerEnforced("acme/widgets", "*") {
		t.Error("expected wildcard to enforce everywhere")
	}
	if !LedgerEnforced("acme/widgets", "other/repo,acme/widgets") {
		t.Error("expected repo in list to be enforced")
	}
	if LedgerEnforced("acme/widgets", "other/repo") {
		t.Error("expected repo not in list to be unenforced")
	}
}
