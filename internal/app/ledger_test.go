package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

func TestCreateVersionWorkedExample(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"title": "A", "risk": "Low"})

	v1 := f.version(t, s.ID, snapshot.Snapshot{"title": "A", "risk": "Medium"}, VersionOptions{})
	if v1.VersionNumber != 1 || !v1.IsCurrent || v1.IsBranch || v1.ChangeType != store.ChangeUserEdit {
		t.Fatalf("unexpected v1 %+v", v1)
	}
	wantDiff := snapshot.Diff{
		Added:    []snapshot.Entry{},
		Modified: []snapshot.Change{{Field: "risk", OldValue: "Low", NewValue: "Medium"}},
		Deleted:  []snapshot.Entry{},
	}
	if diff := cmp.Diff(wantDiff, v1.DiffFromPrevious); diff != "" {
		t.Fatalf("v1 diff mismatch (-want +got):\n%s", diff)
	}

	branch := f.version(t, s.ID, snapshot.Snapshot{"title": "A", "risk": "Medium", "owner": "bob"}, VersionOptions{IsBranch: true, BranchName: "X"})
	if branch.IsCurrent || !branch.IsBranch || branch.ParentVersionID != v1.ID {
		t.Fatalf("unexpected branch %+v", branch)
	}
	if got := branch.DiffFromPrevious.Added; len(got) != 1 || got[0] != (snapshot.Entry{Field: "owner", Value: "bob"}) {
		t.Fatalf("branch diff should add owner, got %+v", branch.DiffFromPrevious)
	}
	if branch.Label != "v2-x" {
		t.Fatalf("branch label = %q", branch.Label)
	}

	live, err := f.svc.GetScenario(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetScenario() error = %v", err)
	}
	if live.Data["risk"] != "Medium" {
		t.Fatalf("live risk = %v", live.Data["risk"])
	}
	if _, ok := live.Data["owner"]; ok {
		t.Fatal("branch must not touch the live record")
	}
}

func TestCreateVersionNumberingAndSingleCurrent(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"n": 0})

	var last store.Version
	for i := 1; i <= 5; i++ {
		last = f.version(t, s.ID, snapshot.Snapshot{"n": i}, VersionOptions{})
		if last.VersionNumber != i {
			t.Fatalf("version %d numbered %d", i, last.VersionNumber)
		}
	}
	f.version(t, s.ID, snapshot.Snapshot{"n": 99}, VersionOptions{IsBranch: true})

	history, err := f.svc.GetVersionHistory(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetVersionHistory() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 mainline versions, got %d", len(history))
	}
	current := 0
	for i, v := range history {
		if v.IsBranch {
			t.Fatal("history must exclude branches")
		}
		if i > 0 && history[i-1].VersionNumber <= v.VersionNumber {
			t.Fatal("history must be newest first")
		}
		if v.IsCurrent {
			current++
			if v.ID != last.ID {
				t.Fatalf("current version is %s, want %s", v.ID, last.ID)
			}
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current version, got %d", current)
	}
	if history[0].ParentVersionID != history[1].ID {
		t.Fatal("mainline versions should chain to their predecessor")
	}
}

func TestCreateVersionConcurrentWriters(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{"writer": i}, VersionOptions{IsBranch: i%4 == 0})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateVersion() error = %v", err)
		}
	}

	mainline, _ := f.svc.GetVersionHistory(context.Background(), s.ID)
	branches, _ := f.svc.GetBranches(context.Background(), s.ID)
	seen := map[int]bool{}
	current := 0
	for _, v := range append(mainline, branches...) {
		if seen[v.VersionNumber] {
			t.Fatalf("duplicate version number %d", v.VersionNumber)
		}
		seen[v.VersionNumber] = true
		if v.IsCurrent {
			current++
		}
	}
	if len(seen) != writers || current != 1 {
		t.Fatalf("got %d versions and %d current", len(seen), current)
	}
	if !mainline[0].IsCurrent {
		t.Fatal("highest mainline version must be current")
	}
}

func TestCreateVersionMissingScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateVersion(as(ana), "scn_missing", snapshot.Snapshot{"a": 1}, VersionOptions{})
	assertKind(t, err, ErrNotFound)
	var domain *DomainError
	if !errors.As(err, &domain) || domain.Status != http.StatusNotFound {
		t.Fatalf("expected 404 domain error, got %v", err)
	}
}

func TestCreateVersionRejectsBadOptions(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})
	_, err := f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{}, VersionOptions{ChangeType: "Rewrite"})
	assertKind(t, err, ErrValidation)
	_, err = f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{}, VersionOptions{BranchName: "x"})
	assertKind(t, err, ErrValidation)
}

func TestCreateVersionRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})
	_, err := f.svc.CreateVersion(context.Background(), s.ID, snapshot.Snapshot{}, VersionOptions{})
	assertKind(t, err, ErrUnauthorized)
}

func TestCreateVersionRollsBackOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	faulty := &faultyStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, faulty)
	s := f.scenario(t, snapshot.Snapshot{"risk": "Low"})
	v1 := f.version(t, s.ID, snapshot.Snapshot{"risk": "Medium"}, VersionOptions{})

	boom := errors.New("disk full")
	faulty.insertVersion = func(store.Version) error { return boom }
	if _, err := f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{"risk": "High"}, VersionOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected insert failure, got %v", err)
	}

	current, err := f.svc.GetVersion(context.Background(), v1.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if !current.IsCurrent {
		t.Fatal("predecessor must stay current when the write fails")
	}
	live, _ := f.svc.GetScenario(context.Background(), s.ID)
	if live.Data["risk"] != "Medium" {
		t.Fatalf("live record changed on failure: %v", live.Data)
	}
}

func TestCreateVersionSideEffects(t *testing.T) {
	f := newFixture(t)
	f.archiver.recordVersionFn = func(store.Version) (archive.Commit, error) {
		return archive.Commit{}, errors.New("repo locked")
	}
	s := f.scenario(t, snapshot.Snapshot{})
	v := f.version(t, s.ID, snapshot.Snapshot{"a": 1}, VersionOptions{CommitMessage: "first"})

	if len(f.indexer.versions) != 1 || f.indexer.versions[0].ID != v.ID {
		t.Fatalf("version not indexed: %+v", f.indexer.versions)
	}
	if got := testutil.ToFloat64(f.metrics.SideEffectFailures.WithLabelValues(effectArchive)); got != 1 {
		t.Fatalf("archive failures = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.VersionsCreated.WithLabelValues(store.ChangeUserEdit, "mainline")); got != 1 {
		t.Fatalf("versions created = %v", got)
	}
}

func TestCreateVersionCopiesCallerData(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})
	tags := []string{"alpha"}
	owners := map[string]string{"ops": "ana"}
	v := f.version(t, s.ID, snapshot.Snapshot{"tags": tags, "owners": owners, "budget": 3}, VersionOptions{})

	tags[0] = "changed"
	owners["ops"] = "changed"

	want := snapshot.Snapshot{
		"tags":   []any{"alpha"},
		"owners": map[string]any{"ops": "ana"},
		"budget": 3.0,
	}
	stored, err := f.svc.GetVersion(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if d := cmp.Diff(want, stored.SnapshotData); d != "" {
		t.Fatalf("stored version changed with caller data (-want +got):\n%s", d)
	}
	live, _ := f.svc.GetScenario(context.Background(), s.ID)
	if d := cmp.Diff(want, live.Data); d != "" {
		t.Fatalf("live record changed with caller data (-want +got):\n%s", d)
	}

	_, err = f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{"bad": make(chan int)}, VersionOptions{})
	assertKind(t, err, ErrValidation)
}

func TestArchiveWritesFollowVersionOrder(t *testing.T) {
	f := newFixture(t)
	var (
		mu       sync.Mutex
		archived []int
	)
	f.archiver.recordVersionFn = func(v store.Version) (archive.Commit, error) {
		mu.Lock()
		defer mu.Unlock()
		archived = append(archived, v.VersionNumber)
		return archive.Commit{}, nil
	}
	s := f.scenario(t, snapshot.Snapshot{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.CreateVersion(as(ana), s.ID, snapshot.Snapshot{"n": i}, VersionOptions{}); err != nil {
				t.Errorf("CreateVersion() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(archived) != 20 {
		t.Fatalf("archived %d versions, want 20", len(archived))
	}
	for i, number := range archived {
		if number != i+1 {
			t.Fatalf("archive order %v", archived)
		}
	}
}

func TestRestoreVersion(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{"risk": "Low"})
	v1 := f.version(t, s.ID, snapshot.Snapshot{"risk": "Medium", "tags": []any{"a"}}, VersionOptions{})
	f.version(t, s.ID, snapshot.Snapshot{"risk": "High"}, VersionOptions{})

	restored, err := f.svc.RestoreVersion(as(ana), v1.ID)
	if err != nil {
		t.Fatalf("RestoreVersion() error = %v", err)
	}
	if restored.VersionNumber != 3 || restored.ChangeType != store.ChangeMajor || !restored.IsCurrent {
		t.Fatalf("unexpected restored version %+v", restored)
	}
	if restored.CommitMessage != "Rollback to version 1" {
		t.Fatalf("commit message = %q", restored.CommitMessage)
	}

	diff, err := f.svc.CompareVersions(context.Background(), v1.ID, restored.ID)
	if err != nil {
		t.Fatalf("CompareVersions() error = %v", err)
	}
	if !diff.IsEmpty() {
		t.Fatalf("restore should reproduce v1 exactly, got %+v", diff)
	}
	if got := testutil.ToFloat64(f.metrics.VersionsRestored); got != 1 {
		t.Fatalf("restores = %v", got)
	}

	_, err = f.svc.RestoreVersion(as(ana), "ver_missing")
	assertKind(t, err, ErrNotFound)
}

func TestCompareVersions(t *testing.T) {
	f := newFixture(t)
	s := f.scenario(t, snapshot.Snapshot{})
	a := f.version(t, s.ID, snapshot.Snapshot{"title": "A", "gone": true}, VersionOptions{})
	b := f.version(t, s.ID, snapshot.Snapshot{"title": "B", "new": 1}, VersionOptions{})

	diff, err := f.svc.CompareVersions(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("CompareVersions() error = %v", err)
	}
	want := snapshot.Diff{
		Added:    []snapshot.Entry{{Field: "new", Value: 1.0}},
		Modified: []snapshot.Change{{Field: "title", OldValue: "A", NewValue: "B"}},
		Deleted:  []snapshot.Entry{{Field: "gone", Value: true}},
	}
	if d := cmp.Diff(want, diff); d != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", d)
	}

	_, err = f.svc.CompareVersions(context.Background(), a.ID, "ver_missing")
	assertKind(t, err, ErrNotFound)
}

func TestDescribeDiff(t *testing.T) {
	cases := []struct {
		diff snapshot.Diff
		want string
	}{
		{diff: snapshot.Diff{}, want: "No field changes"},
		{
			diff: snapshot.Compute(snapshot.Snapshot{"a": 1, "b": 2}, snapshot.Snapshot{"a": 2, "c": 3}),
			want: "Modified a; added c; removed b",
		},
		{
			diff: snapshot.Compute(nil, snapshot.Snapshot{"x": 1}),
			want: "Added x",
		},
	}
	for _, tc := range cases {
		if got := describeDiff(tc.diff); got != tc.want {
			t.Fatalf("describeDiff() = %q, want %q", got, tc.want)
		}
	}
}
