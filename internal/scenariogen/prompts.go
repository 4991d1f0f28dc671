package scenariogen

import (
	"fmt"
	"strings"

	"scenariolab/api/internal/reasoning"
)

var outlineSchema = reasoning.Object(map[string]reasoning.Schema{
	"title":      reasoning.String(""),
	"summary":    reasoning.String("Two or three sentences"),
	"setting":    reasoning.String("Where and when the scenario takes place"),
	"objectives": reasoning.ArrayOf(reasoning.String("")),
	"riskLevel":  reasoning.Enum("Low", "Medium", "High", "Critical"),
})

var actorsSchema = reasoning.Object(map[string]reasoning.Schema{
	"actors": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"name":       reasoning.String(""),
		"role":       reasoning.String(""),
		"objectives": reasoning.ArrayOf(reasoning.String("")),
		"behavior":   reasoning.String(""),
	})),
})

var phasesSchema = reasoning.Object(map[string]reasoning.Schema{
	"phases": reasoning.ArrayOf(reasoning.Object(map[string]reasoning.Schema{
		"name":        reasoning.String(""),
		"description": reasoning.String(""),
		"timeframe":   reasoning.String(""),
		"keyEvents":   reasoning.ArrayOf(reasoning.String("")),
	})),
})

func outlinePrompt(brief Brief) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft an exercise scenario outline about %q.\n", brief.Topic)
	if brief.Region != "" {
		fmt.Fprintf(&b, "Region: %s\n", brief.Region)
	}
	if brief.Audience != "" {
		fmt.Fprintf(&b, "Participants: %s\n", brief.Audience)
	}
	if len(brief.Objectives) > 0 {
		fmt.Fprintf(&b, "Training objectives: %s\n", strings.Join(brief.Objectives, "; "))
	}
	if brief.UseInternet {
		b.WriteString("Ground the setting in recent real-world events where relevant.\n")
	}
	return b.String()
}

func actorsPrompt(outline Outline) string {
	return fmt.Sprintf("List the actors for the scenario %q.\nSummary: %s\nSetting: %s\n", outline.Title, outline.Summary, outline.Setting)
}

func phasesPrompt(outline Outline) string {
	return fmt.Sprintf("Break the scenario %q into sequential phases.\nSummary: %s\nObjectives: %s\n",
		outline.Title, outline.Summary, strings.Join(outline.Objectives, "; "))
}
