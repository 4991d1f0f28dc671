package whatif

import (
	"fmt"
	"strings"

	"scenariolab/api/internal/reasoning"
	"scenariolab/api/internal/snapshot"
)

var impactSchema = reasoning.Object(map[string]reasoning.Schema{
	"directImpacts": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"area":        reasoning.String("Part of the scenario affected"),
		"description": reasoning.String(""),
		"severity":    reasoning.Enum("Low", "Medium", "High", "Critical"),
	})),
	"cascadeEffects": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"trigger":    reasoning.String(""),
		"effect":     reasoning.String(""),
		"likelihood": reasoning.Enum("Unlikely", "Possible", "Likely", "Almost certain"),
	})),
	"timelineChanges": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"phase":  reasoning.String("Phase name"),
		"change": reasoning.String(""),
	})),
	"actorBehaviorChanges": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"actor":  reasoning.String("Actor name"),
		"change": reasoning.String(""),
	})),
	"riskRecalculation": reasoning.Object(map[string]reasoning.Schema{
		"previousLevel": reasoning.String(""),
		"newLevel":      reasoning.Enum("Low", "Medium", "High", "Critical"),
		"rationale":     reasoning.String(""),
	}),
})

var phaseSchema = reasoning.Object(map[string]reasoning.Schema{
	"phases": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"name":        reasoning.String(""),
		"description": reasoning.String(""),
		"timeframe":   reasoning.String("Relative timing, e.g. T+0 to T+6h"),
		"keyEvents":   reasoning.ArrayOf(reasoning.String("")),
	})),
})

var actorSchema = reasoning.Object(map[string]reasoning.Schema{
	"actors": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"name":       reasoning.String(""),
		"role":       reasoning.String(""),
		"objectives": reasoning.ArrayOf(reasoning.String("")),
		"behavior":   reasoning.String("Expected behavior under the new conditions"),
	})),
})

func impactPrompt(base snapshot.Snapshot, label string, params Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are analysing an exercise scenario (%s). Current scenario:\n%s\n\n", label, snapshot.Canonical(base))
	b.WriteString("Proposed modifications:\n")
	writeModifications(&b, params.Modifications)
	if h := strings.TrimSpace(params.Hypothesis); h != "" {
		fmt.Fprintf(&b, "\nHypothesis under test: %s\n", h)
	}
	b.WriteString("\nDescribe the direct impacts, cascade effects, timeline changes and actor behavior changes, then recalculate the overall risk level.")
	return b.String()
}

func phasePrompt(alternative snapshot.Snapshot, analysis ImpactAnalysis, params Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the scenario phases to reflect these timeline changes.\nScenario:\n%s\n\nTimeline changes:\n", snapshot.Canonical(alternative))
	for _, change := range analysis.TimelineChanges {
		fmt.Fprintf(&b, "- %s: %s\n", change.Phase, change.Change)
	}
	writeHypothesis(&b, params.Hypothesis)
	return b.String()
}

func actorPrompt(alternative snapshot.Snapshot, analysis ImpactAnalysis, params Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the scenario actors to reflect these behavior changes.\nScenario:\n%s\n\nBehavior changes:\n", snapshot.Canonical(alternative))
	for _, change := range analysis.ActorBehaviorChanges {
		fmt.Fprintf(&b, "- %s: %s\n", change.Actor, change.Change)
	}
	writeHypothesis(&b, params.Hypothesis)
	return b.String()
}

func writeModifications(b *strings.Builder, mods []Modification) {
	for _, mod := range mods {
		fmt.Fprintf(b, "- %s: %s -> %s", mod.label(), snapshot.Canonical(mod.CurrentValue), snapshot.Canonical(mod.NewValue))
		if r := strings.TrimSpace(mod.Reason); r != "" {
			fmt.Fprintf(b, " (%s)", r)
		}
		b.WriteByte('\n')
	}
}

func writeHypothesis(b *strings.Builder, hypothesis string) {
	if h := strings.TrimSpace(hypothesis); h != "" {
		fmt.Fprintf(b, "\nHypothesis: %s\n", h)
	}
}
