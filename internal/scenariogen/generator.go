// Package scenariogen builds a new scenario from a short brief in several
// reasoning steps and records it as the first version of a new ledger.
package scenariogen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/reasoning"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

type ledger interface {
	CreateScenario(ctx context.Context, data snapshot.Snapshot) (store.Scenario, error)
	CreateVersion(ctx context.Context, scenarioID string, modified snapshot.Snapshot, opts app.VersionOptions) (store.Version, error)
}

type Brief struct {
	Topic      string   `json:"topic"`
	Region     string   `json:"region"`
	Audience   string   `json:"audience"`
	Objectives []string `json:"objectives"`
	// UseInternet grounds the outline step in current events.
	UseInternet bool `json:"useInternetContext"`
}

type Outline struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Setting    string   `json:"setting"`
	Objectives []string `json:"objectives"`
	RiskLevel  string   `json:"riskLevel"`
}

type Result struct {
	Scenario store.Scenario `json:"scenario"`
	Version  store.Version  `json:"version"`
}

type Generator struct {
	ledger   ledger
	reasoner reasoning.Reasoner
	log      zerolog.Logger
}

func New(l ledger, reasoner reasoning.Reasoner, log zerolog.Logger) *Generator {
	return &Generator{ledger: l, reasoner: reasoner, log: log.With().Str("component", "scenariogen").Logger()}
}

// Generate asks for an outline, then for actors and phases together. Nothing
// is written unless every step succeeds.
func (g *Generator) Generate(ctx context.Context, brief Brief) (Result, error) {
	brief.Topic = strings.TrimSpace(brief.Topic)
	if brief.Topic == "" {
		return Result{}, app.Invalid("brief topic is required")
	}

	raw, err := g.reasoner.Invoke(ctx, reasoning.Request{
		Purpose:     "scenariogen.outline",
		Prompt:      outlinePrompt(brief),
		Schema:      outlineSchema,
		UseInternet: brief.UseInternet,
	})
	if err != nil {
		return Result{}, err
	}
	outline, err := reasoning.Decode[Outline](raw)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(outline.Title) == "" {
		return Result{}, fmt.Errorf("%w: outline has no title", reasoning.ErrFailure)
	}

	var actors, phases []any
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		actors, err = g.list(egctx, "scenariogen.actors", "actors", actorsPrompt(outline), actorsSchema)
		return err
	})
	eg.Go(func() error {
		var err error
		phases, err = g.list(egctx, "scenariogen.phases", "phases", phasesPrompt(outline), phasesSchema)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	data := snapshot.Snapshot{
		"title":      outline.Title,
		"summary":    outline.Summary,
		"setting":    outline.Setting,
		"objectives": stringsToAny(outline.Objectives),
		"risk_level": outline.RiskLevel,
		"actors":     actors,
		"phases":     phases,
		"brief": map[string]any{
			"topic":    brief.Topic,
			"region":   brief.Region,
			"audience": brief.Audience,
		},
	}
	scenario, err := g.ledger.CreateScenario(ctx, data)
	if err != nil {
		return Result{}, err
	}
	version, err := g.ledger.CreateVersion(ctx, scenario.ID, data, app.VersionOptions{
		ChangeType:    store.ChangeGenerated,
		ChangeSummary: "Generated " + outline.Title,
		CommitMessage: fmt.Sprintf("Generate scenario from brief %q", brief.Topic),
	})
	if err != nil {
		return Result{}, err
	}
	g.log.Info().Str("scenario_id", scenario.ID).Int("actors", len(actors)).Int("phases", len(phases)).Msg("scenario generated")
	return Result{Scenario: scenario, Version: version}, nil
}

func (g *Generator) list(ctx context.Context, purpose, field, prompt string, schema reasoning.Schema) ([]any, error) {
	raw, err := g.reasoner.Invoke(ctx, reasoning.Request{Purpose: purpose, Prompt: prompt, Schema: schema})
	if err != nil {
		return nil, err
	}
	decoded, err := reasoning.Decode[map[string]json.RawMessage](raw)
	if err != nil {
		return nil, err
	}
	items, ok := decoded[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing %q", reasoning.ErrFailure, purpose, field)
	}
	return reasoning.Decode[[]any](items)
}

func stringsToAny(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}
