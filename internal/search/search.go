// Package search indexes ledger versions and collaboration records so they
// can be found by free text across scenarios.
package search

import "context"

type ResultType string

const (
	ResultVersion       ResultType = "version"
	ResultCollaboration ResultType = "collaboration"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenarioId"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
}

type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ScenarioID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Engine is a searcher that also accepts index writes.
type Engine interface {
	Searcher
	IndexVersions(records []VersionRecord) error
	IndexCollaborations(records []CollaborationRecord) error
}

type VersionRecord struct {
	ID               string `json:"id"`
	ScenarioID       string `json:"scenarioId"`
	Label            string `json:"label"`
	ChangeType       string `json:"changeType"`
	ChangeSummary    string `json:"changeSummary"`
	CommitMessage    string `json:"commitMessage"`
	IsBranch         bool   `json:"isBranch"`
	BranchName       string `json:"branchName"`
	BranchHypothesis string `json:"branchHypothesis"`
	CreatedBy        string `json:"createdBy"`
}

type CollaborationRecord struct {
	ID            string `json:"id"`
	ScenarioID    string `json:"scenarioId"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Content       string `json:"content"`
	TargetSection string `json:"targetSection"`
	Author        string `json:"author"`
}
