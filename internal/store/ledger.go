package store

import (
	"context"
	"time"

	"scenariolab/api/internal/snapshot"
)

// LedgerTx is the view of the store available while a scenario's ledger is
// locked. All writes made through it commit together or not at all.
type LedgerTx interface {
	GetScenario(ctx context.Context, scenarioID string) (Scenario, error)
	// CurrentVersion returns the mainline tip, or nil when the scenario has
	// no versions yet.
	CurrentVersion(ctx context.Context, scenarioID string) (*Version, error)
	MaxVersionNumber(ctx context.Context, scenarioID string) (int, error)
	InsertVersion(ctx context.Context, version Version) error
	ClearCurrent(ctx context.Context, versionID string) error
	UpdateScenarioData(ctx context.Context, scenarioID string, data snapshot.Snapshot, updatedBy string, at time.Time) error
	MarkBranchMerged(ctx context.Context, versionID string) (bool, error)
	// MarkCollaborationImplemented moves an Approved collaboration to
	// Implemented and reports whether it did.
	MarkCollaborationImplemented(ctx context.Context, collaborationID string) (bool, error)
}

// Store is everything the services need from a backend. PostgresStore and
// MemoryStore both implement it.
type Store interface {
	Ping(ctx context.Context) error
	InsertScenario(ctx context.Context, scenario Scenario) error
	GetScenario(ctx context.Context, scenarioID string) (Scenario, error)
	GetVersion(ctx context.Context, versionID string) (Version, error)
	ListVersions(ctx context.Context, scenarioID string, branches bool) ([]Version, error)
	WithScenarioLock(ctx context.Context, scenarioID string, fn func(LedgerTx) error) error
	InsertCollaboration(ctx context.Context, item Collaboration) error
	GetCollaboration(ctx context.Context, collaborationID string) (Collaboration, error)
	ListCollaborations(ctx context.Context, scenarioID string, filter CollaborationFilter) ([]Collaboration, error)
	ResolveCollaboration(ctx context.Context, collaborationID, status, resolvedBy, notes string, at time.Time) (bool, error)
	AppendReply(ctx context.Context, collaborationID string, reply Reply) error
	ListActiveAuthors(ctx context.Context, scenarioID string, since time.Time) ([]string, error)
	InsertNotification(ctx context.Context, item Notification) error
	ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
