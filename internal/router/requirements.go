package router

import (
	"regexp"
	"strings"

	"github.com/kajihq/kaji/internal/model"
)

// Source-count tiers for research-flavored requests.
const (
	researchMinSources = 5
	thoroughMinSources = 10
)

var (
	researchRe = regexp.MustCompile(`\b(research|investigate|sources|find (out|information)|look (up|into)|compare|what (is|are) the latest)\b`)
	thoroughRe = regexp.MustCompile(`\b(comprehensive|thorough|in[\s-]depth|deep dive|exhaustive|detailed analysis)\b`)
	verifyRe   = regexp.MustCompile(`\b(verify|verified|fact[\s-]check|double[\s-]check|accurate|accuracy|cite|citations?|with sources)\b`)

	spreadsheetRe  = regexp.MustCompile(`\b(spreadsheet|csv|table of|tabular)\b`)
	presentationRe = regexp.MustCompile(`\b(presentation|slide deck|slides|deck)\b`)
	documentRe     = regexp.MustCompile(`\b(report|document|memo|write[\s-]?up|one-pager|summary document)\b`)
)

// DeriveRequirements turns the original request and its routing decision
// into the run's acceptance contract. Derived once at admission; the
// contract never changes afterwards.
func DeriveRequirements(text string, decision model.RouteDecision) model.Requirements {
	lower := strings.ToLower(text)
	var req model.Requirements

	needsSearch := false
	for _, need := range decision.ToolNeeds {
		if need == "search.web" || need == "scrape.page" {
			needsSearch = true
		}
	}
	if needsSearch || researchRe.MatchString(lower) {
		req.MinSources = researchMinSources
		if thoroughRe.MatchString(lower) {
			req.MinSources = thoroughMinSources
		}
	}

	if creationVerbRe.MatchString(lower) || hasToolNeed(decision.ToolNeeds, "create.document") {
		if spreadsheetRe.MatchString(lower) {
			req.MustCreate = append(req.MustCreate, "spreadsheet")
		}
		if presentationRe.MatchString(lower) {
			req.MustCreate = append(req.MustCreate, "presentation")
		}
		if documentRe.MatchString(lower) {
			req.MustCreate = append(req.MustCreate, "document")
		}
		// A creation intent without a recognizable noun still owes one
		// artifact of the generic type.
		if len(req.MustCreate) == 0 && hasToolNeed(decision.ToolNeeds, "create.document") {
			req.MustCreate = append(req.MustCreate, "document")
		}
	}

	req.VerifyFacts = verifyRe.MatchString(lower)
	return req
}

func hasToolNeed(needs []string, need string) bool {
	for _, n := range needs {
		if n == need {
			return true
		}
	}
	return false
}
