package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
	"scenariolab/api/internal/util"
)

var allowedChangeTypes = map[string]struct{}{
	store.ChangeUserEdit:      {},
	store.ChangeMajor:         {},
	store.ChangeCollaboration: {},
	store.ChangeWhatIf:        {},
	store.ChangeGenerated:     {},
}

type VersionOptions struct {
	ChangeType       string `json:"changeType"`
	ChangeSummary    string `json:"changeSummary"`
	CommitMessage    string `json:"commitMessage"`
	IsBranch         bool   `json:"isBranch"`
	BranchName       string `json:"branchName"`
	BranchHypothesis string `json:"branchHypothesis"`
}

// draft describes one version write. build derives the new snapshot from
// the locked scenario so read-modify-write callers cannot lose updates;
// within runs inside the same ledger transaction after the insert. archive
// mirrors the committed version and defaults to archiveVersion.
type draft struct {
	scenarioID string
	opts       VersionOptions
	user       auth.User
	build      func(store.Scenario) (snapshot.Snapshot, error)
	within     func(context.Context, store.LedgerTx, store.Version) error
	archive    func(store.Version) SideEffect
}

func fixedSnapshot(data snapshot.Snapshot) func(store.Scenario) (snapshot.Snapshot, error) {
	return func(store.Scenario) (snapshot.Snapshot, error) {
		return data, nil
	}
}

func (s *Service) CreateScenario(ctx context.Context, data snapshot.Snapshot) (store.Scenario, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Scenario{}, err
	}
	normalized, err := snapshot.Normalize(data)
	if err != nil {
		return store.Scenario{}, validationError(err.Error())
	}
	now := s.now().UTC()
	scenario := store.Scenario{
		ID:        util.NewID("scn"),
		Data:      normalized,
		CreatedBy: user.Email,
		CreatedAt: now,
		UpdatedBy: user.Email,
		UpdatedAt: now,
	}
	if err := s.store.InsertScenario(ctx, scenario); err != nil {
		return store.Scenario{}, fmt.Errorf("insert scenario: %w", err)
	}
	return scenario, nil
}

func (s *Service) GetScenario(ctx context.Context, scenarioID string) (store.Scenario, error) {
	scenario, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return store.Scenario{}, lookupError(err, "scenario", scenarioID)
	}
	return scenario, nil
}

// CreateVersion records modified as the next version of the scenario. A
// mainline version becomes current and replaces the live record; a branch
// version leaves both untouched.
func (s *Service) CreateVersion(ctx context.Context, scenarioID string, modified snapshot.Snapshot, opts VersionOptions) (store.Version, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Version{}, err
	}
	version, err := s.createVersion(ctx, draft{
		scenarioID: scenarioID,
		opts:       opts,
		user:       user,
		build:      fixedSnapshot(modified),
	})
	if err != nil {
		return store.Version{}, err
	}
	s.indexVersion(version)
	return version, nil
}

func (s *Service) createVersion(ctx context.Context, d draft) (store.Version, error) {
	opts, err := normalizeVersionOptions(d.opts)
	if err != nil {
		return store.Version{}, err
	}

	var (
		created store.Version
		ordered bool
	)
	order := s.archiveLock(d.scenarioID)
	err = s.store.WithScenarioLock(ctx, d.scenarioID, func(tx store.LedgerTx) error {
		scenario, err := tx.GetScenario(ctx, d.scenarioID)
		if err != nil {
			return err
		}
		current, err := tx.CurrentVersion(ctx, d.scenarioID)
		if err != nil {
			return fmt.Errorf("load current version: %w", err)
		}
		highest, err := tx.MaxVersionNumber(ctx, d.scenarioID)
		if err != nil {
			return fmt.Errorf("load version number: %w", err)
		}
		built, err := d.build(scenario)
		if err != nil {
			return err
		}
		// Normalizing copies every nested value and gives numbers the
		// float64 shape a JSONB round trip produces.
		modified, err := snapshot.Normalize(built)
		if err != nil {
			return validationError(err.Error())
		}

		base, parentID := scenario.Data, ""
		if current != nil {
			base, parentID = current.SnapshotData, current.ID
		}
		diff := snapshot.Compute(base, modified)
		number := highest + 1
		now := s.now().UTC()

		version := store.Version{
			ID:               util.NewID("ver"),
			ScenarioID:       d.scenarioID,
			VersionNumber:    number,
			SnapshotData:     modified,
			DiffFromPrevious: diff,
			ChangeType:       opts.ChangeType,
			ChangeSummary:    opts.ChangeSummary,
			CommitMessage:    opts.CommitMessage,
			IsCurrent:        !opts.IsBranch,
			IsBranch:         opts.IsBranch,
			BranchHypothesis: opts.BranchHypothesis,
			ParentVersionID:  parentID,
			ApprovalStatus:   store.ApprovalDraft,
			Tags:             []string{},
			CreatedBy:        d.user.Email,
			CreatedByName:    d.user.FullName,
			CreatedAt:        now,
		}
		version.Label = fmt.Sprintf("v%d", number)
		if opts.IsBranch {
			version.BranchName = opts.BranchName
			if version.BranchName == "" {
				version.BranchName = fmt.Sprintf("branch-%d", number)
			}
			version.Label += "-" + util.Slug(version.BranchName, "branch")
		}
		if version.ChangeSummary == "" {
			version.ChangeSummary = describeDiff(diff)
		}

		if !opts.IsBranch && current != nil {
			if err := tx.ClearCurrent(ctx, current.ID); err != nil {
				return fmt.Errorf("clear current version: %w", err)
			}
		}
		if err := tx.InsertVersion(ctx, version); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		if !opts.IsBranch {
			if err := tx.UpdateScenarioData(ctx, d.scenarioID, modified, d.user.Email, now); err != nil {
				return fmt.Errorf("update scenario: %w", err)
			}
		}
		if d.within != nil {
			if err := d.within(ctx, tx, version); err != nil {
				return err
			}
		}
		created = version
		// Taken before the ledger lock is released so archive writes land
		// in version order.
		order.Lock()
		ordered = true
		return nil
	})
	if err != nil {
		if ordered {
			order.Unlock()
		}
		if isNoRows(err) {
			return store.Version{}, notFound("scenario", d.scenarioID)
		}
		return store.Version{}, err
	}

	mirror := d.archive
	if mirror == nil {
		mirror = s.archiveVersion
	}
	s.settle(mirror(created))
	order.Unlock()

	s.metrics.VersionCreated(created.ChangeType, created.IsBranch)
	s.log.Info().
		Str("scenario_id", created.ScenarioID).
		Str("version_id", created.ID).
		Int("version_number", created.VersionNumber).
		Bool("branch", created.IsBranch).
		Str("change_type", created.ChangeType).
		Msg("version created")
	return created, nil
}

func (s *Service) archiveLock(scenarioID string) *sync.Mutex {
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()
	lock, ok := s.archiveOrder[scenarioID]
	if !ok {
		lock = &sync.Mutex{}
		s.archiveOrder[scenarioID] = lock
	}
	return lock
}

func normalizeVersionOptions(opts VersionOptions) (VersionOptions, error) {
	opts.ChangeType = strings.TrimSpace(opts.ChangeType)
	if opts.ChangeType == "" {
		opts.ChangeType = store.ChangeUserEdit
	}
	if _, ok := allowedChangeTypes[opts.ChangeType]; !ok {
		return opts, validationError(fmt.Sprintf("unknown change type %q", opts.ChangeType))
	}
	opts.ChangeSummary = strings.TrimSpace(opts.ChangeSummary)
	opts.CommitMessage = strings.TrimSpace(opts.CommitMessage)
	opts.BranchName = strings.TrimSpace(opts.BranchName)
	opts.BranchHypothesis = strings.TrimSpace(opts.BranchHypothesis)
	if !opts.IsBranch && (opts.BranchName != "" || opts.BranchHypothesis != "") {
		return opts, validationError("branch name and hypothesis require isBranch")
	}
	return opts, nil
}

// describeDiff renders a one-line summary such as "Modified risk; added owner".
func describeDiff(diff snapshot.Diff) string {
	if diff.IsEmpty() {
		return "No field changes"
	}
	var parts []string
	add := func(verb string, fields []string) {
		if len(fields) == 0 {
			return
		}
		if len(parts) == 0 {
			verb = strings.ToUpper(verb[:1]) + verb[1:]
		}
		parts = append(parts, verb+" "+strings.Join(fields, ", "))
	}
	add("modified", changedFields(diff.Modified))
	add("added", entryFields(diff.Added))
	add("removed", entryFields(diff.Deleted))
	return strings.Join(parts, "; ")
}

func entryFields(entries []snapshot.Entry) []string {
	fields := make([]string, len(entries))
	for i, entry := range entries {
		fields[i] = entry.Field
	}
	return fields
}

func changedFields(changes []snapshot.Change) []string {
	fields := make([]string, len(changes))
	for i, change := range changes {
		fields[i] = change.Field
	}
	return fields
}

// RestoreVersion rolls the scenario back by recording the old snapshot as a
// new Major version. History is never rewritten.
func (s *Service) RestoreVersion(ctx context.Context, versionID string) (store.Version, error) {
	target, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, lookupError(err, "version", versionID)
	}
	restored, err := s.CreateVersion(ctx, target.ScenarioID, target.SnapshotData, VersionOptions{
		ChangeType:    store.ChangeMajor,
		ChangeSummary: fmt.Sprintf("Restored %s", target.Label),
		CommitMessage: fmt.Sprintf("Rollback to version %d", target.VersionNumber),
	})
	if err != nil {
		return store.Version{}, err
	}
	s.metrics.VersionRestored()
	return restored, nil
}

// CompareVersions diffs two versions; fromID is the old side.
func (s *Service) CompareVersions(ctx context.Context, fromID, toID string) (snapshot.Diff, error) {
	from, err := s.store.GetVersion(ctx, fromID)
	if err != nil {
		return snapshot.Diff{}, lookupError(err, "version", fromID)
	}
	to, err := s.store.GetVersion(ctx, toID)
	if err != nil {
		return snapshot.Diff{}, lookupError(err, "version", toID)
	}
	return snapshot.Compute(from.SnapshotData, to.SnapshotData), nil
}

// GetVersionHistory lists mainline versions, newest first.
func (s *Service) GetVersionHistory(ctx context.Context, scenarioID string) ([]store.Version, error) {
	versions, err := s.store.ListVersions(ctx, scenarioID, false)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// GetBranches lists branch versions, newest first.
func (s *Service) GetBranches(ctx context.Context, scenarioID string) ([]store.Version, error) {
	versions, err := s.store.ListVersions(ctx, scenarioID, true)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return versions, nil
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, lookupError(err, "version", versionID)
	}
	return version, nil
}
