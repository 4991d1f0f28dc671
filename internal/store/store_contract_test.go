package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"scenariolab/api/internal/snapshot"
)

type backend interface {
	InsertScenario(context.Context, Scenario) error
	GetScenario(context.Context, string) (Scenario, error)
	GetVersion(context.Context, string) (Version, error)
	ListVersions(context.Context, string, bool) ([]Version, error)
	WithScenarioLock(context.Context, string, func(LedgerTx) error) error
	InsertCollaboration(context.Context, Collaboration) error
	GetCollaboration(context.Context, string) (Collaboration, error)
	ListCollaborations(context.Context, string, CollaborationFilter) ([]Collaboration, error)
	ResolveCollaboration(context.Context, string, string, string, string, time.Time) (bool, error)
	AppendReply(context.Context, string, Reply) error
	ListActiveAuthors(context.Context, string, time.Time) ([]string, error)
	InsertNotification(context.Context, Notification) error
	ListNotifications(context.Context, string, int) ([]Notification, error)
}

var (
	_ backend = (*MemoryStore)(nil)
	_ backend = (*PostgresStore)(nil)
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) backend { return NewMemoryStore() })
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolOptions{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := RollbackMigrations(ctx, db, migrationsDir, 100); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	states, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	for _, state := range states {
		if !state.Applied {
			t.Fatalf("migration %s not applied", state.Version)
		}
	}

	runContract(t, func(t *testing.T) backend { return NewPostgresStore(db) })
}

func runContract(t *testing.T, open func(t *testing.T) backend) {
	t.Run("ledger commit", func(t *testing.T) { testLedgerCommit(t, open(t)) })
	t.Run("ledger rollback", func(t *testing.T) { testLedgerRollback(t, open(t)) })
	t.Run("ledger missing scenario", func(t *testing.T) { testLedgerMissingScenario(t, open(t)) })
	t.Run("branch merge mark", func(t *testing.T) { testBranchMergeMark(t, open(t)) })
	t.Run("collaborations", func(t *testing.T) { testCollaborations(t, open(t)) })
	t.Run("notifications", func(t *testing.T) { testNotifications(t, open(t)) })
}

var contractSeq int

func contractID(prefix string) string {
	contractSeq++
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), contractSeq)
}

func seedScenario(t *testing.T, st backend, data snapshot.Snapshot) Scenario {
	t.Helper()
	scenario := Scenario{
		ID:        contractID("scn"),
		Data:      data,
		CreatedBy: "ana@example.com",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.InsertScenario(context.Background(), scenario); err != nil {
		t.Fatalf("InsertScenario() error = %v", err)
	}
	return scenario
}

func newVersion(scenarioID string, number int, current, branch bool, data snapshot.Snapshot) Version {
	return Version{
		ID:               contractID("ver"),
		ScenarioID:       scenarioID,
		VersionNumber:    number,
		Label:            fmt.Sprintf("v%d", number),
		SnapshotData:     data,
		DiffFromPrevious: snapshot.Compute(nil, data),
		ChangeType:       ChangeUserEdit,
		IsCurrent:        current,
		IsBranch:         branch,
		ApprovalStatus:   ApprovalDraft,
		Tags:             []string{},
		CreatedBy:        "ana@example.com",
		CreatedAt:        time.Now().UTC(),
	}
}

func testLedgerCommit(t *testing.T, st backend) {
	ctx := context.Background()
	scenario := seedScenario(t, st, snapshot.Snapshot{"title": "A"})

	first := newVersion(scenario.ID, 1, true, false, snapshot.Snapshot{"title": "B"})
	err := st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
		current, err := tx.CurrentVersion(ctx, scenario.ID)
		if err != nil {
			return err
		}
		if current != nil {
			t.Fatalf("expected no current version, got %s", current.ID)
		}
		if err := tx.InsertVersion(ctx, first); err != nil {
			return err
		}
		return tx.UpdateScenarioData(ctx, scenario.ID, first.SnapshotData, "ana@example.com", time.Now())
	})
	if err != nil {
		t.Fatalf("WithScenarioLock() error = %v", err)
	}

	second := newVersion(scenario.ID, 2, true, false, snapshot.Snapshot{"title": "C"})
	second.ParentVersionID = first.ID
	err = st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
		number, err := tx.MaxVersionNumber(ctx, scenario.ID)
		if err != nil {
			return err
		}
		if number != 1 {
			t.Fatalf("MaxVersionNumber() = %d, want 1", number)
		}
		if err := tx.ClearCurrent(ctx, first.ID); err != nil {
			return err
		}
		return tx.InsertVersion(ctx, second)
	})
	if err != nil {
		t.Fatalf("WithScenarioLock() error = %v", err)
	}

	history, err := st.ListVersions(ctx, scenario.ID, false)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID || !history[0].IsCurrent || history[1].IsCurrent {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].ParentVersionID != first.ID {
		t.Fatalf("parent = %q, want %q", history[0].ParentVersionID, first.ID)
	}

	live, err := st.GetScenario(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("GetScenario() error = %v", err)
	}
	if live.Data["title"] != "B" {
		t.Fatalf("live data = %+v, want title B", live.Data)
	}
}

func testLedgerRollback(t *testing.T, st backend) {
	ctx := context.Background()
	scenario := seedScenario(t, st, snapshot.Snapshot{"title": "A"})
	boom := errors.New("boom")

	err := st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
		if err := tx.InsertVersion(ctx, newVersion(scenario.ID, 1, true, false, snapshot.Snapshot{"title": "B"})); err != nil {
			return err
		}
		if err := tx.UpdateScenarioData(ctx, scenario.ID, snapshot.Snapshot{"title": "B"}, "bo@example.com", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	history, err := st.ListVersions(ctx, scenario.ID, false)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected rollback to discard versions, got %d", len(history))
	}
	live, err := st.GetScenario(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("GetScenario() error = %v", err)
	}
	if live.Data["title"] != "A" {
		t.Fatalf("expected rollback to keep live data, got %+v", live.Data)
	}
}

func testLedgerMissingScenario(t *testing.T, st backend) {
	called := false
	err := st.WithScenarioLock(context.Background(), "scn_missing", func(LedgerTx) error {
		called = true
		return nil
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if called {
		t.Fatal("fn must not run for a missing scenario")
	}
	if _, err := st.GetVersion(context.Background(), "ver_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetVersion() expected sql.ErrNoRows, got %v", err)
	}
}

func testBranchMergeMark(t *testing.T, st backend) {
	ctx := context.Background()
	scenario := seedScenario(t, st, snapshot.Snapshot{"title": "A"})
	branch := newVersion(scenario.ID, 1, false, true, snapshot.Snapshot{"title": "what if"})
	branch.BranchName = "x"

	err := st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
		return tx.InsertVersion(ctx, branch)
	})
	if err != nil {
		t.Fatalf("insert branch: %v", err)
	}

	for i, want := range []bool{true, false} {
		var marked bool
		err := st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
			var err error
			marked, err = tx.MarkBranchMerged(ctx, branch.ID)
			return err
		})
		if err != nil {
			t.Fatalf("MarkBranchMerged() error = %v", err)
		}
		if marked != want {
			t.Fatalf("attempt %d: marked = %v, want %v", i, marked, want)
		}
	}

	stored, err := st.GetVersion(ctx, branch.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if stored.ApprovalStatus != ApprovalPublished || !stored.HasTag(TagMerged) || len(stored.Tags) != 1 {
		t.Fatalf("unexpected merged branch: %+v", stored)
	}
	if stored.SnapshotData["title"] != "what if" {
		t.Fatalf("branch content changed: %+v", stored.SnapshotData)
	}

	branches, err := st.ListVersions(ctx, scenario.ID, true)
	if err != nil {
		t.Fatalf("ListVersions(branches) error = %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("expected one branch, got %d", len(branches))
	}
}

func testCollaborations(t *testing.T, st backend) {
	ctx := context.Background()
	scenario := seedScenario(t, st, snapshot.Snapshot{"title": "A"})
	now := time.Now().UTC().Truncate(time.Millisecond)

	comment := Collaboration{
		ID:            contractID("col"),
		ScenarioID:    scenario.ID,
		Type:          CollaborationComment,
		Status:        StatusPending,
		Content:       "looks off",
		TargetSection: "Timeline",
		Mentions:      []string{"bo@example.com"},
		Author:        "ana@example.com",
		AuthorName:    "Ana",
		CreatedAt:     now.Add(-48 * time.Hour),
	}
	edit := Collaboration{
		ID:            contractID("col"),
		ScenarioID:    scenario.ID,
		Type:          CollaborationEdit,
		Status:        StatusPending,
		Summary:       "Change risk",
		TargetSection: "General",
		EditProposal:  &EditProposal{Field: "risk", ProposedValue: "High", Justification: "new intel"},
		Author:        "bo@example.com",
		AuthorName:    "Bo",
		CreatedAt:     now,
	}
	for _, item := range []Collaboration{comment, edit} {
		if err := st.InsertCollaboration(ctx, item); err != nil {
			t.Fatalf("InsertCollaboration() error = %v", err)
		}
	}

	all, err := st.ListCollaborations(ctx, scenario.ID, CollaborationFilter{})
	if err != nil {
		t.Fatalf("ListCollaborations() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != edit.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	edits, err := st.ListCollaborations(ctx, scenario.ID, CollaborationFilter{Type: CollaborationEdit})
	if err != nil {
		t.Fatalf("ListCollaborations(edit) error = %v", err)
	}
	if len(edits) != 1 || edits[0].EditProposal == nil || edits[0].EditProposal.ProposedValue != "High" {
		t.Fatalf("unexpected edit filter result: %+v", edits)
	}
	limited, err := st.ListCollaborations(ctx, scenario.ID, CollaborationFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListCollaborations(limit) = %d, %v", len(limited), err)
	}

	ok, err := st.ResolveCollaboration(ctx, edit.ID, StatusApproved, "ana@example.com", "fine", now)
	if err != nil || !ok {
		t.Fatalf("ResolveCollaboration() = %v, %v", ok, err)
	}
	ok, err = st.ResolveCollaboration(ctx, edit.ID, StatusRejected, "ana@example.com", "again", now)
	if err != nil || ok {
		t.Fatalf("second ResolveCollaboration() = %v, %v; want false", ok, err)
	}
	failed := errors.New("abort")
	err = st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
		if ok, err := tx.MarkCollaborationImplemented(ctx, edit.ID); err != nil || !ok {
			t.Fatalf("MarkCollaborationImplemented() = %v, %v", ok, err)
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected abort, got %v", err)
	}
	if stored, _ := st.GetCollaboration(ctx, edit.ID); stored.Status != StatusApproved {
		t.Fatalf("rolled back mark left status %s", stored.Status)
	}
	for i, want := range []bool{true, false} {
		err = st.WithScenarioLock(ctx, scenario.ID, func(tx LedgerTx) error {
			ok, err := tx.MarkCollaborationImplemented(ctx, edit.ID)
			if err != nil || ok != want {
				t.Fatalf("MarkCollaborationImplemented() #%d = %v, %v; want %v", i, ok, err, want)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithScenarioLock() error = %v", err)
		}
	}
	if stored, _ := st.GetCollaboration(ctx, edit.ID); stored.Status != StatusImplemented {
		t.Fatalf("status = %s, want Implemented", stored.Status)
	}

	for _, body := range []string{"first", "second"} {
		if err := st.AppendReply(ctx, comment.ID, Reply{User: "bo@example.com", Content: body, Timestamp: now}); err != nil {
			t.Fatalf("AppendReply() error = %v", err)
		}
	}
	if err := st.AppendReply(ctx, "col_missing", Reply{User: "x"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("AppendReply(missing) expected sql.ErrNoRows, got %v", err)
	}

	stored, err := st.GetCollaboration(ctx, comment.ID)
	if err != nil {
		t.Fatalf("GetCollaboration() error = %v", err)
	}
	if len(stored.Replies) != 2 || stored.Replies[0].Content != "first" || stored.Replies[1].Content != "second" {
		t.Fatalf("unexpected replies: %+v", stored.Replies)
	}
	resolved, err := st.GetCollaboration(ctx, edit.ID)
	if err != nil {
		t.Fatalf("GetCollaboration() error = %v", err)
	}
	if resolved.Status != StatusImplemented || resolved.ResolvedBy != "ana@example.com" || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved edit: %+v", resolved)
	}

	authors, err := st.ListActiveAuthors(ctx, scenario.ID, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListActiveAuthors() error = %v", err)
	}
	if len(authors) != 1 || authors[0] != "bo@example.com" {
		t.Fatalf("unexpected active authors: %v", authors)
	}
}

func testNotifications(t *testing.T, st backend) {
	ctx := context.Background()
	scenario := seedScenario(t, st, snapshot.Snapshot{})
	recipient := contractID("user") + "@example.com"
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, message := range []string{"older", "newer"} {
		err := st.InsertNotification(ctx, Notification{
			ID:         contractID("ntf"),
			Recipient:  recipient,
			Kind:       "mention",
			ScenarioID: scenario.ID,
			Message:    message,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertNotification() error = %v", err)
		}
	}
	items, err := st.ListNotifications(ctx, recipient, 10)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(items) != 2 || items[0].Message != "newer" {
		t.Fatalf("unexpected notifications: %+v", items)
	}
}
