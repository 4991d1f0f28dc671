// Package app holds the scenario ledger and collaboration workflows: version
// creation, restore and compare, comments and edit proposals, and the
// branch/merge flow. Every mainline write goes through createVersion.
package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/metrics"
	"scenariolab/api/internal/search"
	"scenariolab/api/internal/store"
)

const defaultActiveWindow = 24 * time.Hour

type dataStore interface {
	Ping(ctx context.Context) error
	InsertScenario(context.Context, store.Scenario) error
	GetScenario(context.Context, string) (store.Scenario, error)
	GetVersion(context.Context, string) (store.Version, error)
	ListVersions(context.Context, string, bool) ([]store.Version, error)
	WithScenarioLock(context.Context, string, func(store.LedgerTx) error) error
	InsertCollaboration(context.Context, store.Collaboration) error
	GetCollaboration(context.Context, string) (store.Collaboration, error)
	ListCollaborations(context.Context, string, store.CollaborationFilter) ([]store.Collaboration, error)
	ResolveCollaboration(context.Context, string, string, string, string, time.Time) (bool, error)
	AppendReply(context.Context, string, store.Reply) error
	ListActiveAuthors(context.Context, string, time.Time) ([]string, error)
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
}

// Identity returns the acting user.
type Identity interface {
	CurrentUser(ctx context.Context) (auth.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, item store.Notification) error
}

type Indexer interface {
	IndexVersion(record search.VersionRecord)
	IndexCollaboration(record search.CollaborationRecord)
}

type Archiver interface {
	RecordVersion(version store.Version) (archive.Commit, error)
	RecordMerge(branch, merged store.Version) (archive.Commit, error)
}

// Options carries the optional collaborators. Zero values disable them.
type Options struct {
	Notifier     Notifier
	Indexer      Indexer
	Archiver     Archiver
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
	ActiveWindow time.Duration
}

type Service struct {
	store        dataStore
	identity     Identity
	notifier     Notifier
	indexer      Indexer
	archiver     Archiver
	log          zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	activeWindow time.Duration

	archiveMu    sync.Mutex
	archiveOrder map[string]*sync.Mutex
}

func New(dataStore dataStore, identity Identity, opts Options) *Service {
	s := &Service{
		store:        dataStore,
		identity:     identity,
		notifier:     opts.Notifier,
		indexer:      opts.Indexer,
		archiver:     opts.Archiver,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		activeWindow: opts.ActiveWindow,
		archiveOrder: make(map[string]*sync.Mutex),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.activeWindow <= 0 {
		s.activeWindow = defaultActiveWindow
	}
	return s
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) currentUser(ctx context.Context) (auth.User, error) {
	if s.identity == nil {
		return auth.User{}, unauthorized(auth.ErrNoIdentity)
	}
	user, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return auth.User{}, unauthorized(err)
	}
	return user, nil
}

func (s *Service) indexVersion(v store.Version) {
	if s.indexer == nil {
		return
	}
	s.indexer.IndexVersion(search.VersionRecord{
		ID:               v.ID,
		ScenarioID:       v.ScenarioID,
		Label:            v.Label,
		ChangeType:       v.ChangeType,
		ChangeSummary:    v.ChangeSummary,
		CommitMessage:    v.CommitMessage,
		IsBranch:         v.IsBranch,
		BranchName:       v.BranchName,
		BranchHypothesis: v.BranchHypothesis,
		CreatedBy:        v.CreatedBy,
	})
}

func (s *Service) indexCollaboration(c store.Collaboration) {
	if s.indexer == nil {
		return
	}
	content := c.Content
	if c.Summary != "" {
		content = c.Summary + "\n" + c.Content
	}
	s.indexer.IndexCollaboration(search.CollaborationRecord{
		ID:            c.ID,
		ScenarioID:    c.ScenarioID,
		Type:          c.Type,
		Status:        c.Status,
		Content:       content,
		TargetSection: c.TargetSection,
		Author:        c.Author,
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
