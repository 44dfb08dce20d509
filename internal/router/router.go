// Package router decides whether a request takes the fast chat path or the
// multi-step agent path.
//
// The decision is cheap-first: an ordered table of heuristic rules is
// consulted before anything else, and only an undecided request is sent to
// the arbiter. The arbiter call is fail-open with a bounded timeout, so a
// slow or broken arbiter degrades routing quality but never availability.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kajihq/kaji/internal/model"
)

const (
	// DefaultThreshold is the minimum confidence for a decisive agent verdict.
	DefaultThreshold = 0.65
	// DefaultArbiterTimeout bounds the arbiter call.
	DefaultArbiterTimeout = 2 * time.Second

	// attachmentBias is added to an agent-leaning confidence when the
	// request carries attachments.
	attachmentBias = 0.15
)

// Arbiter produces a routing verdict for requests the heuristics cannot
// decide. Implementations typically wrap an LLM call.
type Arbiter interface {
	Arbitrate(ctx context.Context, text string) (model.RouteDecision, error)
}

// Config tunes the decider. Zero values fall back to defaults.
type Config struct {
	Threshold      float64
	ArbiterTimeout time.Duration
}

// Decider routes requests. Safe for concurrent use.
type Decider struct {
	cfg     Config
	arbiter Arbiter
	logger  *slog.Logger
}

// New builds a Decider. The arbiter may be nil, in which case undecided
// requests fall through to the chat default.
func New(cfg Config, arbiter Arbiter, logger *slog.Logger) *Decider {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ArbiterTimeout <= 0 {
		cfg.ArbiterTimeout = DefaultArbiterTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{cfg: cfg, arbiter: arbiter, logger: logger}
}

// Heuristic rule table. Order matters: the first decisive match wins, so
// the strongest signals come first.
var (
	greetingRe = regexp.MustCompile(`^(hi|hello|hey|yo|howdy|good (morning|afternoon|evening)|thanks|thank you|how are you)[\s.!?]*$`)

	agentInvocationRe = regexp.MustCompile(`\b(use the agent|run the agent|agent mode|as an agent)\b`)

	creationVerbRe = regexp.MustCompile(`\b(create|write|draft|generate|make|build|prepare|produce|compile|put together)\b`)
	documentNounRe = regexp.MustCompile(`\b(report|spreadsheet|presentation|slide deck|slides|document|memo|deck|one-pager)\b`)

	urlRe = regexp.MustCompile(`https?://[^\s]+`)

	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
	sequenceRe     = regexp.MustCompile(`\bfirst\b[\s\S]*\bthen\b`)
	connectorRe    = regexp.MustCompile(`\b(then|after that|next|finally|afterwards)\b`)

	searchVerbRe = regexp.MustCompile(`\b(search|look up|find out|latest|current|up[\s-]to[\s-]date|recent news|what's new)\b`)

	automationRe = regexp.MustCompile(`\b(automate|monitor|schedule|every day|every week|daily|weekly|each morning|keep track of)\b`)
)

// Decide routes a request. It never returns an error: any failure along the
// way degrades to the conservative chat default.
func (d *Decider) Decide(ctx context.Context, text string, hasAttachments bool) model.RouteDecision {
	lower := strings.ToLower(strings.TrimSpace(text))

	if decision, ok := matchHeuristics(lower); ok {
		if hasAttachments && decision.Route == model.RouteAgent {
			decision.Confidence = min(decision.Confidence+attachmentBias, 1.0)
			decision.Reasons = append(decision.Reasons, "request carries attachments")
			decision.ToolNeeds = appendToolNeed(decision.ToolNeeds, "read.attachment")
		}
		return decision
	}

	if d.arbiter != nil {
		if decision, ok := d.arbitrate(ctx, text); ok {
			if hasAttachments && decision.Route == model.RouteAgent {
				decision.Confidence = min(decision.Confidence+attachmentBias, 1.0)
				decision.ToolNeeds = appendToolNeed(decision.ToolNeeds, "read.attachment")
			}
			return decision
		}
	}

	// No heuristic, no usable arbiter verdict. Attachments alone are enough
	// signal to meet the bar exactly; anything else defaults to chat.
	if hasAttachments {
		return model.RouteDecision{
			Route:      model.RouteAgent,
			Confidence: d.cfg.Threshold,
			Reasons:    []string{"request carries attachments"},
			ToolNeeds:  []string{"read.attachment"},
		}
	}
	reason := "no agent signal detected"
	if d.arbiter != nil {
		reason = "arbiter unavailable"
	}
	return model.RouteDecision{
		Route:      model.RouteChat,
		Confidence: 0.5,
		Reasons:    []string{reason},
	}
}

func matchHeuristics(lower string) (model.RouteDecision, bool) {
	switch {
	case greetingRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteChat, Confidence: 1.0,
			Reasons: []string{"canonical greeting"},
		}, true

	case agentInvocationRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 1.0,
			Reasons: []string{"explicit agent invocation"},
		}, true

	case creationVerbRe.MatchString(lower) && documentNounRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 0.9,
			Reasons:   []string{"file or document generation intent"},
			ToolNeeds: []string{"create.document"},
			PlanHint:  []string{"collect supporting material", "create the requested artifact"},
		}, true

	case urlRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 0.85,
			Reasons:   []string{"request references a URL to analyze"},
			ToolNeeds: []string{"scrape.page", "search.web"},
		}, true

	case multiStep(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 0.8,
			Reasons: []string{"multi-step instructions"},
		}, true

	case searchVerbRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 0.75,
			Reasons:   []string{"web search intent"},
			ToolNeeds: []string{"search.web"},
		}, true

	case automationRe.MatchString(lower):
		return model.RouteDecision{
			Route: model.RouteAgent, Confidence: 0.7,
			Reasons: []string{"automation or monitoring intent"},
		}, true
	}
	return model.RouteDecision{}, false
}

func multiStep(lower string) bool {
	if len(numberedItemRe.FindAllString(lower, 2)) >= 2 {
		return true
	}
	if sequenceRe.MatchString(lower) {
		return true
	}
	return len(connectorRe.FindAllString(lower, 3)) >= 2
}

// arbitrate asks the arbiter under its timeout and validates the verdict.
// Anything invalid is discarded so the caller can fail open.
func (d *Decider) arbitrate(ctx context.Context, text string) (model.RouteDecision, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ArbiterTimeout)
	defer cancel()

	decision, err := d.arbiter.Arbitrate(ctx, text)
	if err != nil {
		d.logger.Warn("route arbiter failed, falling back to chat", "error", err)
		return model.RouteDecision{}, false
	}
	if decision.Route != model.RouteChat && decision.Route != model.RouteAgent {
		d.logger.Warn("route arbiter returned unknown route", "route", decision.Route)
		return model.RouteDecision{}, false
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		d.logger.Warn("route arbiter returned out-of-range confidence", "confidence", decision.Confidence)
		return model.RouteDecision{}, false
	}
	return decision, true
}

func appendToolNeed(needs []string, need string) []string {
	for _, n := range needs {
		if n == need {
			return needs
		}
	}
	return append(needs, need)
}
