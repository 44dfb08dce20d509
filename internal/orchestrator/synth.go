package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kajihq/kaji/pkg/runstate"
)

// summarize is the deterministic final-response fallback used when no
// synthesizer is configured or its call fails. It always produces enough
// text to clear the acceptance gate's minimum length.
func summarize(objective string, sources []runstate.Source, artifacts []runstate.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Results for: %s\n\n", objective)
	fmt.Fprintf(&b, "Collected %d sources", len(sources))
	if len(artifacts) > 0 {
		fmt.Fprintf(&b, " and produced %d artifacts", len(artifacts))
	}
	b.WriteString(".\n")

	for i, src := range sources {
		if i >= 10 {
			fmt.Fprintf(&b, "- and %d more sources\n", len(sources)-i)
			break
		}
		title := src.Title
		if title == "" {
			title = src.URL
		}
		if title == "" {
			title = src.ID
		}
		fmt.Fprintf(&b, "- %s\n", title)
		for _, claim := range src.Claims {
			fmt.Fprintf(&b, "  - %s\n", claim)
		}
	}
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- artifact %s (%s)\n", a.Name, a.Type)
	}
	if len(sources) == 0 && len(artifacts) == 0 {
		b.WriteString("No supporting material was collected before finalization.\n")
	}
	return b.String()
}
