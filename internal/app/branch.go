package app

import (
	"context"
	"fmt"

	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

// applyEdit writes an approved proposal's value onto the live scenario as a
// Collaboration version and marks the proposal Implemented in the same
// ledger transaction. The field name is a top-level key, taken literally.
func (s *Service) applyEdit(ctx context.Context, item store.Collaboration) (store.Version, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Version{}, err
	}
	proposal := *item.EditProposal
	version, err := s.createVersion(ctx, draft{
		scenarioID: item.ScenarioID,
		user:       user,
		opts: VersionOptions{
			ChangeType:    store.ChangeCollaboration,
			ChangeSummary: fmt.Sprintf("Applied proposal to %s", proposal.Field),
			CommitMessage: fmt.Sprintf("Apply edit proposal %s", item.ID),
		},
		build: func(scenario store.Scenario) (snapshot.Snapshot, error) {
			return scenario.Data.Merge(snapshot.Snapshot{proposal.Field: proposal.ProposedValue}), nil
		},
		within: func(ctx context.Context, tx store.LedgerTx, _ store.Version) error {
			marked, err := tx.MarkCollaborationImplemented(ctx, item.ID)
			if err != nil {
				return err
			}
			if !marked {
				return conflictError("edit proposal is no longer awaiting implementation", map[string]string{"id": item.ID})
			}
			return nil
		},
	})
	if err != nil {
		return store.Version{}, err
	}
	s.indexVersion(version)
	return version, nil
}

// MergeBranch promotes a branch's snapshot to a new Major mainline version
// and tags the branch as merged. The branch content itself is left as is.
// The last snapshot wins; intervening mainline changes are not merged.
func (s *Service) MergeBranch(ctx context.Context, branchVersionID, mergeSummary string) (store.Version, error) {
	branch, err := s.store.GetVersion(ctx, branchVersionID)
	if err != nil {
		if isNoRows(err) {
			return store.Version{}, invalidBranch(branchVersionID, "branch version not found")
		}
		return store.Version{}, fmt.Errorf("load branch %s: %w", branchVersionID, err)
	}
	if !branch.IsBranch {
		return store.Version{}, invalidBranch(branchVersionID, "version is not a branch")
	}
	if branch.HasTag(store.TagMerged) {
		return store.Version{}, invalidBranch(branchVersionID, "branch is already merged")
	}
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Version{}, err
	}

	summary := mergeSummary
	if summary == "" {
		summary = fmt.Sprintf("Merged branch %q", branch.BranchName)
	}
	merged, err := s.createVersion(ctx, draft{
		scenarioID: branch.ScenarioID,
		user:       user,
		opts: VersionOptions{
			ChangeType:    store.ChangeMajor,
			ChangeSummary: summary,
			CommitMessage: fmt.Sprintf("Merge %s into mainline", branch.Label),
		},
		build: fixedSnapshot(branch.SnapshotData),
		within: func(ctx context.Context, tx store.LedgerTx, _ store.Version) error {
			ok, err := tx.MarkBranchMerged(ctx, branch.ID)
			if err != nil {
				return fmt.Errorf("mark branch merged: %w", err)
			}
			if !ok {
				return invalidBranch(branch.ID, "branch is already merged")
			}
			return nil
		},
		archive: func(merged store.Version) SideEffect {
			return s.archiveMerge(branch, merged)
		},
	})
	if err != nil {
		return store.Version{}, err
	}

	branch.ApprovalStatus = store.ApprovalPublished
	branch.Tags = append(branch.Tags, store.TagMerged)
	s.metrics.BranchMerged()
	s.indexVersion(merged)
	return merged, nil
}
