package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TierModels maps the three complexity tiers to concrete upstream model
// identifiers. The classifier and caching layers never see these — only the
// final rewrite step does, per spec §9's tri-valued-classification design
// note.
type TierModels struct {
	Cheap     string
	Mid       string
	Expensive string
}

// For returns the canonical model name for tier.
func (m TierModels) For(tier Complexity) string {
	switch tier {
	case Moderate:
		return m.Mid
	case Complex:
		return m.Expensive
	default:
		return m.Cheap
	}
}

// Driver sequences every pre-call pipeline stage in order, per spec §4.1.
type Driver struct {
	Registry        *Registry
	Resolver        *RepoContextResolver
	Classifier      *Classifier
	Contracts       *ContractStore
	GuardThresholds GuardThresholds
	Models          TierModels
	LedgerRepos     string
	SideCache       *SideCache
	Snapshots       SnapshotWriter
}

// HandlePreCall runs stages 1-9 against req, mutating it in place. If the
// request is short-circuited, req.SkipUpstream is true and req.SyntheticResponse
// is populated; the caller must not forward it upstream.
func (d *Driver) HandlePreCall(ctx context.Context, req *Request) {
	// Stage 1: request id + build id.
	if req.MetadataValue("request_id") == "" {
		req.SetMetadata("request_id", newRequestID())
	}
	req.SetMetadata("build_id", BuildID)

	// Stage 2: repo context.
	repoCtx := d.Resolver.Resolve(req)

	// Stage 3: classifier recursion short-circuit.
	if req.MetadataValue("request_type") == "classification" {
		return
	}

	// Stage 4: bootstrap short-circuit.
	if req.MetadataValue("request_type") == "repo_bootstrap" {
		req.SkipUpstream = true
		req.SyntheticResponse = &SyntheticResponse{
			Content:      "Repository registered.",
			FinishReason: FinishStop,
		}
		return
	}

	sessionID := SessionID(req.MetadataValue("user_id"))

	// Stage 5: context-exhaustion guard.
	guardResult := Guard(req, d.GuardThresholds)
	if guardResult.Refused {
		req.SetMetadata("exhaustion_risk", string(guardResult.Risk))
		req.SkipUpstream = true
		req.SyntheticResponse = &SyntheticResponse{
			Content:      "This request exceeds proxy capacity even after automatic trimming; please summarize earlier files.",
			FinishReason: FinishContextExhaustion,
		}
		if d.Snapshots != nil {
			d.Snapshots.Capture(req, nil)
		}
		return
	}

	var contract PolicyContract
	policyEnforced := false
	ledgerAlert := ""

	if repoCtx.Scoped() {
		contract = d.Contracts.Load(repoCtx.RepoRoot)
		policyEnforced = true

		if v, violated := DetectViolation(req.LastUserMessage()); violated {
			req.SkipUpstream = true
			req.SyntheticResponse = &SyntheticResponse{
				Content:      "Request refused: " + v.Reason + ". Contract hash: " + contract.Hash + ".",
				FinishReason: FinishPolicyViolation,
			}
			if d.Snapshots != nil {
				d.Snapshots.Capture(req, nil)
			}
			return
		}

		// Stage 7: enforcement system message injection.
		ledgerReminder := ""
		if ShouldLedgerRemind(guardResult) && LedgerEnforced(repoCtx.Repo, d.LedgerRepos) {
			ledgerReminder = LedgerReminderText
			ledgerAlert = "context_guard"
		}
		enforcement := EnforcementMessage(contract, ledgerReminder)
		if req.System != "" {
			req.System = enforcement + "\n\n---\n\n" + req.System
		} else {
			req.System = enforcement
		}
		req.Messages = stripSystemMessages(req.Messages)
	}

	// Stage 8: classification + model rewrite.
	result := d.Classifier.Classify(ctx, sessionID, req)
	routedModel := d.Models.For(result.Complexity)
	req.Model = routedModel

	// Stage 9: metadata assembly + side-cache stash.
	span := AssembleMetadata(req, repoCtx, result, routedModel, contract, policyEnforced, guardResult, ledgerAlert)
	key := SideCacheKey(req.LastUserMessage())
	d.SideCache.Put(key, span)

	if d.Snapshots != nil {
		d.Snapshots.Capture(req, nil)
	}
}

func stripSystemMessages(messages []Message) []Message {
	kept := messages[:0:0]
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// newRequestID derives a 12-hex-character request id from a fresh random
// uuid, matching spec §4.1.1.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// HandlePostCall completes telemetry for a request that reached the
// upstream successfully, per spec §4.7's post-call hook. redactor may be nil.
func HandlePostCall(cache *SideCache, lastUserMessage string, resp ModelResponse, promptRole, promptContent string, start time.Time, redactor ContentRedactor, emit func(CapturedSpan)) {
	key := SideCacheKey(lastUserMessage)
	span, ok := cache.Take(key)
	if !ok {
		return
	}
	span = FinishSpan(span, resp, promptRole, promptContent, time.Since(start), redactor)
	emit(span)
}
