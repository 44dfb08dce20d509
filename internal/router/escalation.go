package router

import "regexp"

// Escalation is the verdict of a post-hoc scan over a chat-path answer.
type Escalation struct {
	ShouldEscalate bool   `json:"should_escalate"`
	Reason         string `json:"reason,omitempty"`
}

// Admission patterns. These are deliberately narrow: each one matches a
// phrase a model uses to admit it lacks live data, not ordinary hedging or
// explanatory text.
var escalationPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{
		regexp.MustCompile(`(?i)\b(knowledge cutoff|training (data|cut-?off)|as of my last (update|training))\b`),
		"answer admits a knowledge cutoff",
	},
	{
		regexp.MustCompile(`(?i)\b(don'?t|do not|cannot|can'?t) (have )?access (to )?(real[\s-]time|live|current) (data|information)\b`),
		"answer admits missing real-time data",
	},
	{
		regexp.MustCompile(`(?i)\b(cannot|can'?t|unable to) (browse|search the (web|internet)|access the internet|look things up)\b`),
		"answer admits it cannot browse",
	},
	{
		regexp.MustCompile(`(?i)\b(recommend|suggest) (verifying|checking|confirming) (this|that|these|the latest|with)\b`),
		"answer recommends external verification",
	},
}

// CheckDynamicEscalation scans a completed chat-path answer for admissions
// that the request actually needed live data or external verification. The
// caller uses a hit to promote the request to an agent run retroactively.
func CheckDynamicEscalation(responseText string) Escalation {
	for _, p := range escalationPatterns {
		if p.re.MatchString(responseText) {
			return Escalation{ShouldEscalate: true, Reason: p.reason}
		}
	}
	return Escalation{}
}
