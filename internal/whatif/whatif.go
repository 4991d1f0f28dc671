// Package whatif turns a set of hypothetical field changes into a branch
// version: it asks the reasoner for an impact analysis, materializes the
// alternative snapshot and records it off the mainline.
package whatif

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/reasoning"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

const (
	phasesField    = "phases"
	actorsField    = "actors"
	riskLevelField = "risk_level"
)

type ledger interface {
	GetScenario(ctx context.Context, scenarioID string) (store.Scenario, error)
	GetVersionHistory(ctx context.Context, scenarioID string) ([]store.Version, error)
	CreateVersion(ctx context.Context, scenarioID string, modified snapshot.Snapshot, opts app.VersionOptions) (store.Version, error)
}

// Modification changes one field of the scenario. Path, when set, names
// the field segment by segment and wins over the dotted Field, which is
// how a key containing a dot is addressed.
type Modification struct {
	Field        string   `json:"field"`
	Path         []string `json:"path,omitempty"`
	CurrentValue any      `json:"currentValue"`
	NewValue     any      `json:"newValue"`
	Reason       string   `json:"reason"`
}

type Params struct {
	Modifications []Modification `json:"modifications"`
	Hypothesis    string         `json:"hypothesis"`
	BranchName    string         `json:"branchName"`
}

type Impact struct {
	Area        string `json:"area"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type CascadeEffect struct {
	Trigger    string `json:"trigger"`
	Effect     string `json:"effect"`
	Likelihood string `json:"likelihood"`
}

type TimelineChange struct {
	Phase  string `json:"phase"`
	Change string `json:"change"`
}

type ActorBehaviorChange struct {
	Actor  string `json:"actor"`
	Change string `json:"change"`
}

type RiskRecalculation struct {
	PreviousLevel string `json:"previousLevel"`
	NewLevel      string `json:"newLevel"`
	Rationale     string `json:"rationale"`
}

type ImpactAnalysis struct {
	DirectImpacts        []Impact              `json:"directImpacts"`
	CascadeEffects       []CascadeEffect       `json:"cascadeEffects"`
	TimelineChanges      []TimelineChange      `json:"timelineChanges"`
	ActorBehaviorChanges []ActorBehaviorChange `json:"actorBehaviorChanges"`
	RiskRecalculation    RiskRecalculation     `json:"riskRecalculation"`
}

type Result struct {
	Branch              store.Version     `json:"branch"`
	ImpactAnalysis      ImpactAnalysis    `json:"impactAnalysis"`
	AlternativeScenario snapshot.Snapshot `json:"alternativeScenario"`
}

type Analyzer struct {
	ledger   ledger
	reasoner reasoning.Reasoner
	log      zerolog.Logger
}

func NewAnalyzer(l ledger, reasoner reasoning.Reasoner, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		ledger:   l,
		reasoner: reasoner,
		log:      log.With().Str("component", "whatif").Logger(),
	}
}

// Analyze runs one what-if. Reasoning failures propagate and leave the
// ledger untouched; a branch write failure after a successful analysis
// loses the analysis.
func (a *Analyzer) Analyze(ctx context.Context, scenarioID string, params Params) (Result, error) {
	if len(params.Modifications) == 0 {
		return Result{}, app.Invalid("at least one modification is required")
	}
	paths := make([]snapshot.Path, len(params.Modifications))
	for i, mod := range params.Modifications {
		path, err := mod.target()
		if err != nil {
			return Result{}, app.Invalid(fmt.Sprintf("modification %d: %v", i, err))
		}
		paths[i] = path
	}

	var (
		scenario store.Scenario
		history  []store.Version
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		scenario, err = a.ledger.GetScenario(gctx, scenarioID)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = a.ledger.GetVersionHistory(gctx, scenarioID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	alternative := scenario.Data.Clone()
	for i, mod := range params.Modifications {
		if err := snapshot.Set(alternative, paths[i], mod.NewValue); err != nil {
			if errors.Is(err, snapshot.ErrPathConflict) {
				return Result{}, app.Invalid(err.Error())
			}
			return Result{}, err
		}
	}

	base := baseLabel(history)
	analysis, err := a.analyzeImpact(ctx, scenario.Data, base, params)
	if err != nil {
		return Result{}, err
	}
	if err := a.regenerate(ctx, alternative, analysis, params); err != nil {
		return Result{}, err
	}
	if level := strings.TrimSpace(analysis.RiskRecalculation.NewLevel); level != "" {
		alternative[riskLevelField] = level
	}

	branch, err := a.ledger.CreateVersion(ctx, scenarioID, alternative, app.VersionOptions{
		ChangeType:       store.ChangeWhatIf,
		ChangeSummary:    summarize(params.Modifications),
		CommitMessage:    fmt.Sprintf("What-if from %s: %s", base, firstNonEmpty(params.Hypothesis, "unnamed hypothesis")),
		IsBranch:         true,
		BranchName:       strings.TrimSpace(params.BranchName),
		BranchHypothesis: strings.TrimSpace(params.Hypothesis),
	})
	if err != nil {
		a.log.Error().Err(err).Str("scenario_id", scenarioID).Msg("what-if branch write failed after analysis")
		return Result{}, err
	}
	a.log.Info().
		Str("scenario_id", scenarioID).
		Str("branch_id", branch.ID).
		Int("modifications", len(params.Modifications)).
		Msg("what-if branch created")

	return Result{
		Branch:              branch,
		ImpactAnalysis:      analysis,
		AlternativeScenario: branch.SnapshotData,
	}, nil
}

func (a *Analyzer) analyzeImpact(ctx context.Context, base snapshot.Snapshot, label string, params Params) (ImpactAnalysis, error) {
	raw, err := a.reasoner.Invoke(ctx, reasoning.Request{
		Purpose: "whatif.impact",
		Prompt:  impactPrompt(base, label, params),
		Schema:  impactSchema,
	})
	if err != nil {
		return ImpactAnalysis{}, err
	}
	return reasoning.Decode[ImpactAnalysis](raw)
}

// regenerate rebuilds the phase and actor substructures the analysis says
// were affected. The two calls are independent and run together.
func (a *Analyzer) regenerate(ctx context.Context, alternative snapshot.Snapshot, analysis ImpactAnalysis, params Params) error {
	var phases, actors []any
	g, gctx := errgroup.WithContext(ctx)
	if len(analysis.TimelineChanges) > 0 {
		g.Go(func() error {
			var err error
			phases, err = a.rebuildList(gctx, "whatif.phases", phasesField, phasePrompt(alternative, analysis, params), phaseSchema)
			return err
		})
	}
	if len(analysis.ActorBehaviorChanges) > 0 {
		g.Go(func() error {
			var err error
			actors, err = a.rebuildList(gctx, "whatif.actors", actorsField, actorPrompt(alternative, analysis, params), actorSchema)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if phases != nil {
		alternative[phasesField] = phases
	}
	if actors != nil {
		alternative[actorsField] = actors
	}
	return nil
}

func (a *Analyzer) rebuildList(ctx context.Context, purpose, field, prompt string, schema reasoning.Schema) ([]any, error) {
	raw, err := a.reasoner.Invoke(ctx, reasoning.Request{Purpose: purpose, Prompt: prompt, Schema: schema})
	if err != nil {
		return nil, err
	}
	decoded, err := reasoning.Decode[map[string]json.RawMessage](raw)
	if err != nil {
		return nil, err
	}
	list, ok := decoded[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing %q", reasoning.ErrFailure, purpose, field)
	}
	return reasoning.Decode[[]any](list)
}

func (m Modification) target() (snapshot.Path, error) {
	if len(m.Path) == 0 {
		path := snapshot.ParsePath(strings.TrimSpace(m.Field))
		if len(path) == 0 {
			return nil, errors.New("no field")
		}
		return path, nil
	}
	for _, segment := range m.Path {
		if segment == "" {
			return nil, errors.New("path has an empty segment")
		}
	}
	return snapshot.Path(m.Path), nil
}

// label is the field name shown in summaries and prompts.
func (m Modification) label() string {
	if len(m.Path) > 0 {
		return snapshot.Path(m.Path).String()
	}
	return strings.TrimSpace(m.Field)
}

func baseLabel(history []store.Version) string {
	for _, version := range history {
		if version.IsCurrent {
			return version.Label
		}
	}
	return "unversioned draft"
}

func summarize(mods []Modification) string {
	fields := make([]string, 0, len(mods))
	for _, mod := range mods {
		fields = append(fields, mod.label())
	}
	return "What-if: " + strings.Join(fields, ", ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
