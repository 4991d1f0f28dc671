package app

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

func TestMergeBranch(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"risk": "Low"})
	v1 := f.version(t, s.ID, snapshot.Snapshot{"risk": "Medium"}, VersionOptions{})
	branch := f.version(t, s.ID, snapshot.Snapshot{"risk": "High", "owner": "bob"}, VersionOptions{IsBranch: true, BranchName: "escalation", BranchHypothesis: "talks fail"})
	f.version(t, s.ID, snapshot.Snapshot{"risk": "Medium", "note": "mainline moved on"}, VersionOptions{})

	merged, err := f.svc.MergeBranch(as(ana), branch.ID, "")
	if err != nil {
		t.Fatalf("MergeBranch() error = %v", err)
	}
	if merged.IsBranch || !merged.IsCurrent || merged.ChangeType != store.ChangeMajor || merged.VersionNumber != 4 {
		t.Fatalf("unexpected merged version %+v", merged)
	}
	if merged.ChangeSummary != `Merged branch "escalation"` {
		t.Fatalf("summary = %q", merged.ChangeSummary)
	}
	if diff := cmp.Diff(branch.SnapshotData, merged.SnapshotData); diff != "" {
		t.Fatalf("merged snapshot must equal the branch (-branch +merged):\n%s", diff)
	}

	after, err := f.svc.GetVersion(context.Background(), branch.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if after.ApprovalStatus != store.ApprovalPublished || !after.HasTag(store.TagMerged) || !after.IsBranch {
		t.Fatalf("branch not tagged as merged: %+v", after)
	}
	if diff := cmp.Diff(branch.SnapshotData, after.SnapshotData); diff != "" {
		t.Fatalf("branch content must be preserved:\n%s", diff)
	}

	live, _ := f.svc.GetScenario(context.Background(), s.ID)
	if _, ok := live.Data["note"]; ok || live.Data["owner"] != "bob" {
		t.Fatalf("last snapshot should win: %v", live.Data)
	}
	old, _ := f.svc.GetVersion(context.Background(), v1.ID)
	if old.IsCurrent {
		t.Fatal("older mainline versions must not be current")
	}
	if len(f.archiver.merges) != 1 {
		t.Fatalf("merge not archived: %v", f.archiver.merges)
	}
	if got := testutil.ToFloat64(f.metrics.BranchesMerged); got != 1 {
		t.Fatalf("merges = %v", got)
	}
}

func TestMergeBranchInvalidTargets(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})
	mainline := f.version(t, s.ID, snapshot.Snapshot{"a": 1}, VersionOptions{})
	branch := f.version(t, s.ID, snapshot.Snapshot{"a": 2}, VersionOptions{IsBranch: true})

	_, err := f.svc.MergeBranch(as(ana), "ver_missing", "")
	assertKind(t, err, ErrInvalidBranch)
	_, err = f.svc.MergeBranch(as(ana), mainline.ID, "")
	assertKind(t, err, ErrInvalidBranch)

	if _, err := f.svc.MergeBranch(as(ana), branch.ID, "promote"); err != nil {
		t.Fatalf("MergeBranch() error = %v", err)
	}
	_, err = f.svc.MergeBranch(as(ana), branch.ID, "again")
	assertKind(t, err, ErrInvalidBranch)

	history, _ := f.svc.GetVersionHistory(context.Background(), s.ID)
	if len(history) != 2 {
		t.Fatalf("a rejected merge must not write a version, got %d mainline", len(history))
	}
}

func TestBranchIsolation(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"risk": "Low"})
	v1 := f.version(t, s.ID, snapshot.Snapshot{"risk": "Medium"}, VersionOptions{})
	before, _ := f.svc.GetScenario(context.Background(), s.ID)

	for _, name := range []string{"a", "b", "c"} {
		f.version(t, s.ID, snapshot.Snapshot{"risk": name}, VersionOptions{IsBranch: true, BranchName: name})
	}

	after, _ := f.svc.GetScenario(context.Background(), s.ID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("branches changed the live record:\n%s", diff)
	}
	current, _ := f.svc.GetVersion(context.Background(), v1.ID)
	if !current.IsCurrent {
		t.Fatal("branches must not change the current flag")
	}
	branches, _ := f.svc.GetBranches(context.Background(), s.ID)
	if len(branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(branches))
	}
	for _, b := range branches {
		if b.ParentVersionID != v1.ID {
			t.Fatalf("branch %s should fork from v1", b.ID)
		}
	}
}

func TestApplyEditMissingScenario(t *testing.T) {
	f := newFixture(t)
	item := store.Collaboration{
		ID:           "col_orphan",
		ScenarioID:   "scn_gone",
		Type:         store.CollaborationEdit,
		Status:       store.StatusApproved,
		EditProposal: &store.EditProposal{Field: "x", ProposedValue: 1},
		Author:       bo.Email,
	}
	if err := f.store.InsertCollaboration(context.Background(), item); err != nil {
		t.Fatalf("InsertCollaboration() error = %v", err)
	}
	_, err := f.svc.applyEdit(as(ana), item)
	assertKind(t, err, ErrNotFound)

	stored, _ := f.store.GetCollaboration(context.Background(), item.ID)
	if stored.Status != store.StatusApproved {
		t.Fatalf("proposal should stay Approved, got %s", stored.Status)
	}
}

func TestApplyEditUsesLockedScenario(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"title": "A", "risk": "Low"})
	proposal, _ := f.svc.ProposeEdit(as(bo), s.ID, store.EditProposal{Field: "risk", ProposedValue: "High"}, "")

	// A mainline write lands after the proposal was made.
	f.version(t, s.ID, snapshot.Snapshot{"title": "B", "risk": "Low"}, VersionOptions{})

	result, err := f.svc.ResolveProposal(as(ana), proposal.ID, true, "")
	if err != nil {
		t.Fatalf("ResolveProposal() error = %v", err)
	}
	want := snapshot.Snapshot{"title": "B", "risk": "High"}
	if diff := cmp.Diff(want, result.Version.SnapshotData); diff != "" {
		t.Fatalf("edit should apply on top of the latest record:\n%s", diff)
	}
	if len(result.Version.DiffFromPrevious.Modified) != 1 {
		t.Fatalf("expected only risk to change, got %+v", result.Version.DiffFromPrevious)
	}
}
