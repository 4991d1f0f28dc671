package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"scenariolab/api/internal/snapshot"
)

// MemoryStore keeps every entity in process. Ledger transactions work on a
// copy of one scenario's partition and swap it in only when fn succeeds.
type MemoryStore struct {
	mu             sync.RWMutex
	ledgers        map[string]*ledgerState
	versionOwner   map[string]string
	collaborations map[string]Collaboration
	notifications  []Notification

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type ledgerState struct {
	scenario    Scenario
	versions    []Version
	implemented []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:        make(map[string]*ledgerState),
		versionOwner:   make(map[string]string),
		collaborations: make(map[string]Collaboration),
		locks:          make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InsertScenario(_ context.Context, scenario Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ledgers[scenario.ID]; exists {
		return errDuplicate("scenario", scenario.ID)
	}
	scenario.Data = scenario.Data.Clone()
	if scenario.UpdatedBy == "" {
		scenario.UpdatedBy = scenario.CreatedBy
	}
	if scenario.UpdatedAt.IsZero() {
		scenario.UpdatedAt = scenario.CreatedAt
	}
	s.ledgers[scenario.ID] = &ledgerState{scenario: scenario}
	return nil
}

func (s *MemoryStore) GetScenario(_ context.Context, scenarioID string) (Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger, ok := s.ledgers[scenarioID]
	if !ok {
		return Scenario{}, sql.ErrNoRows
	}
	return cloneScenario(ledger.scenario), nil
}

func (s *MemoryStore) GetVersion(_ context.Context, versionID string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.versionOwner[versionID]
	if !ok {
		return Version{}, sql.ErrNoRows
	}
	version, ok := findVersion(s.ledgers[owner].versions, versionID)
	if !ok {
		return Version{}, sql.ErrNoRows
	}
	return cloneVersion(version), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, scenarioID string, branches bool) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Version, 0)
	ledger, ok := s.ledgers[scenarioID]
	if !ok {
		return items, nil
	}
	for _, version := range ledger.versions {
		if version.IsBranch == branches {
			items = append(items, cloneVersion(version))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].VersionNumber > items[j].VersionNumber
	})
	return items, nil
}

func (s *MemoryStore) WithScenarioLock(ctx context.Context, scenarioID string, fn func(LedgerTx) error) error {
	lock := s.scenarioLock(scenarioID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	ledger, ok := s.ledgers[scenarioID]
	var working ledgerState
	if ok {
		working = ledgerState{
			scenario: cloneScenario(ledger.scenario),
			versions: append([]Version(nil), ledger.versions...),
		}
	}
	s.mu.RUnlock()
	if !ok {
		return sql.ErrNoRows
	}

	tx := &memLedgerTx{store: s, scenarioID: scenarioID, state: &working}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range working.implemented {
		item := s.collaborations[id]
		item.Status = StatusImplemented
		s.collaborations[id] = item
	}
	working.implemented = nil
	s.ledgers[scenarioID] = &working
	for _, version := range working.versions {
		s.versionOwner[version.ID] = scenarioID
	}
	return nil
}

func (s *MemoryStore) InsertCollaboration(_ context.Context, item Collaboration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collaborations[item.ID]; exists {
		return errDuplicate("collaboration", item.ID)
	}
	s.collaborations[item.ID] = cloneCollaboration(item)
	return nil
}

func (s *MemoryStore) GetCollaboration(_ context.Context, collaborationID string) (Collaboration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.collaborations[collaborationID]
	if !ok {
		return Collaboration{}, sql.ErrNoRows
	}
	return cloneCollaboration(item), nil
}

func (s *MemoryStore) ListCollaborations(_ context.Context, scenarioID string, filter CollaborationFilter) ([]Collaboration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Collaboration, 0)
	for _, item := range s.collaborations {
		if item.ScenarioID != scenarioID {
			continue
		}
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.TargetSection != "" && item.TargetSection != filter.TargetSection {
			continue
		}
		items = append(items, cloneCollaboration(item))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ResolveCollaboration(_ context.Context, collaborationID, status, resolvedBy, notes string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.collaborations[collaborationID]
	if !ok || item.Status != StatusPending {
		return false, nil
	}
	item.Status = status
	item.ResolvedBy = resolvedBy
	item.ResolutionNotes = notes
	resolvedAt := at
	item.ResolvedAt = &resolvedAt
	s.collaborations[collaborationID] = item
	return true, nil
}

func (s *MemoryStore) AppendReply(_ context.Context, collaborationID string, reply Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.collaborations[collaborationID]
	if !ok {
		return sql.ErrNoRows
	}
	item.Replies = append(append([]Reply(nil), item.Replies...), reply)
	s.collaborations[collaborationID] = item
	return nil
}

func (s *MemoryStore) ListActiveAuthors(_ context.Context, scenarioID string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	authors := make([]string, 0)
	for _, item := range s.collaborations {
		if item.ScenarioID != scenarioID || item.CreatedAt.Before(since) {
			continue
		}
		if _, ok := seen[item.Author]; ok {
			continue
		}
		seen[item.Author] = struct{}{}
		authors = append(authors, item.Author)
	}
	sort.Strings(authors)
	return authors, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, item Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, item)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, recipient string, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	items := make([]Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if s.notifications[i].Recipient == recipient {
			items = append(items, s.notifications[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) scenarioLock(scenarioID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[scenarioID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[scenarioID] = lock
	return lock
}

type memLedgerTx struct {
	store      *MemoryStore
	scenarioID string
	state      *ledgerState
}

func (t *memLedgerTx) GetScenario(_ context.Context, scenarioID string) (Scenario, error) {
	if scenarioID != t.scenarioID {
		return Scenario{}, sql.ErrNoRows
	}
	return cloneScenario(t.state.scenario), nil
}

func (t *memLedgerTx) CurrentVersion(context.Context, string) (*Version, error) {
	for _, version := range t.state.versions {
		if version.IsCurrent && !version.IsBranch {
			current := cloneVersion(version)
			return &current, nil
		}
	}
	return nil, nil
}

func (t *memLedgerTx) MaxVersionNumber(context.Context, string) (int, error) {
	highest := 0
	for _, version := range t.state.versions {
		if version.VersionNumber > highest {
			highest = version.VersionNumber
		}
	}
	return highest, nil
}

func (t *memLedgerTx) InsertVersion(_ context.Context, version Version) error {
	if version.ScenarioID != t.scenarioID {
		return fmt.Errorf("insert version %s: scenario %s is not locked", version.ID, version.ScenarioID)
	}
	for _, existing := range t.state.versions {
		if existing.ID == version.ID || existing.VersionNumber == version.VersionNumber {
			return errDuplicate("version", version.ID)
		}
		if version.IsCurrent && existing.IsCurrent {
			return errDuplicate("current version", existing.ID)
		}
	}
	t.state.versions = append(t.state.versions, cloneVersion(version))
	return nil
}

func (t *memLedgerTx) ClearCurrent(_ context.Context, versionID string) error {
	for i := range t.state.versions {
		if t.state.versions[i].ID == versionID {
			t.state.versions[i].IsCurrent = false
			return nil
		}
	}
	return nil
}

func (t *memLedgerTx) UpdateScenarioData(_ context.Context, scenarioID string, data snapshot.Snapshot, updatedBy string, at time.Time) error {
	if scenarioID != t.scenarioID {
		return sql.ErrNoRows
	}
	t.state.scenario.Data = data.Clone()
	t.state.scenario.UpdatedBy = updatedBy
	t.state.scenario.UpdatedAt = at
	return nil
}

func (t *memLedgerTx) MarkBranchMerged(_ context.Context, versionID string) (bool, error) {
	for i := range t.state.versions {
		version := &t.state.versions[i]
		if version.ID != versionID {
			continue
		}
		if !version.IsBranch || version.HasTag(TagMerged) {
			return false, nil
		}
		version.ApprovalStatus = ApprovalPublished
		version.Tags = append(append([]string(nil), version.Tags...), TagMerged)
		return true, nil
	}
	return false, nil
}

// MarkCollaborationImplemented only checks the collaboration here; the status
// change is applied when the partition is swapped in. Collaborations on the
// locked scenario cannot be implemented by anyone else meanwhile.
func (t *memLedgerTx) MarkCollaborationImplemented(_ context.Context, collaborationID string) (bool, error) {
	for _, id := range t.state.implemented {
		if id == collaborationID {
			return false, nil
		}
	}
	t.store.mu.RLock()
	item, ok := t.store.collaborations[collaborationID]
	t.store.mu.RUnlock()
	if !ok || item.ScenarioID != t.scenarioID || item.Status != StatusApproved {
		return false, nil
	}
	t.state.implemented = append(t.state.implemented, collaborationID)
	return true, nil
}

func findVersion(versions []Version, versionID string) (Version, bool) {
	for _, version := range versions {
		if version.ID == versionID {
			return version, true
		}
	}
	return Version{}, false
}

func cloneScenario(in Scenario) Scenario {
	out := in
	out.Data = in.Data.Clone()
	return out
}

func cloneVersion(in Version) Version {
	out := in
	out.SnapshotData = in.SnapshotData.Clone()
	out.Tags = append([]string{}, in.Tags...)
	return out
}

func cloneCollaboration(in Collaboration) Collaboration {
	out := in
	out.Replies = append([]Reply{}, in.Replies...)
	out.Mentions = append([]string{}, in.Mentions...)
	if in.EditProposal != nil {
		proposal := *in.EditProposal
		out.EditProposal = &proposal
	}
	if in.ResolvedAt != nil {
		at := *in.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
