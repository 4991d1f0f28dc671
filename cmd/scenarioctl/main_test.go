package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/config"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

type seeded struct {
	mem      *store.MemoryStore
	scenario store.Scenario
	v1       store.Version
	branch   store.Version
}

func seed(t *testing.T, opts app.Options) seeded {
	t.Helper()
	mem := store.NewMemoryStore()
	opts.Logger = zerolog.Nop()
	svc := app.New(mem, auth.StaticIdentity{Email: "seed@example.com"}, opts)
	ctx := context.Background()
	scenario, err := svc.CreateScenario(ctx, snapshot.Snapshot{"risk": "Low"})
	if err != nil {
		t.Fatalf("CreateScenario() error = %v", err)
	}
	v1, err := svc.CreateVersion(ctx, scenario.ID, snapshot.Snapshot{"risk": "Medium"}, app.VersionOptions{})
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	branch, err := svc.CreateVersion(ctx, scenario.ID, snapshot.Snapshot{"risk": "High"}, app.VersionOptions{IsBranch: true, BranchName: "storm"})
	if err != nil {
		t.Fatalf("CreateVersion(branch) error = %v", err)
	}
	return seeded{mem: mem, scenario: scenario, v1: v1, branch: branch}
}

func memoryBackend(mem *store.MemoryStore) backend {
	return func(context.Context, config.Config) (store.Store, *sql.DB, func(), error) {
		return mem, nil, func() {}, nil
	}
}

func run(t *testing.T, open backend, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(open)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHistoryAndBranches(t *testing.T) {
	s := seed(t, app.Options{})

	out, err := run(t, memoryBackend(s.mem), "history", s.scenario.ID)
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var versions []store.Version
	if err := json.Unmarshal([]byte(out), &versions); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	if len(versions) != 1 || versions[0].ID != s.v1.ID {
		t.Fatalf("unexpected history %+v", versions)
	}

	out, err = run(t, memoryBackend(s.mem), "branches", s.scenario.ID)
	if err != nil {
		t.Fatalf("branches error = %v", err)
	}
	if !strings.Contains(out, s.branch.ID) || !strings.Contains(out, "\n  ") {
		t.Fatalf("expected indented branch listing, got %s", out)
	}
}

func TestCompare(t *testing.T) {
	s := seed(t, app.Options{})
	out, err := run(t, memoryBackend(s.mem), "compare", s.v1.ID, s.branch.ID)
	if err != nil {
		t.Fatalf("compare error = %v", err)
	}
	var diff snapshot.Diff
	if err := json.Unmarshal([]byte(out), &diff); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].Field != "risk" {
		t.Fatalf("unexpected diff %+v", diff)
	}
}

func TestMergeRequiresIdentity(t *testing.T) {
	s := seed(t, app.Options{})

	_, err := run(t, memoryBackend(s.mem), "merge", s.branch.ID)
	if !errors.Is(err, app.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without --as-email, got %v", err)
	}

	out, err := run(t, memoryBackend(s.mem), "merge", s.branch.ID, "--summary", "adopt storm", "--as-email", "ops@example.com")
	if err != nil {
		t.Fatalf("merge error = %v", err)
	}
	var merged store.Version
	if err := json.Unmarshal([]byte(out), &merged); err != nil {
		t.Fatalf("decode merge: %v", err)
	}
	if merged.ChangeSummary != "adopt storm" || merged.CreatedBy != "ops@example.com" || merged.IsBranch {
		t.Fatalf("unexpected merge %+v", merged)
	}

	_, err = run(t, memoryBackend(s.mem), "merge", s.branch.ID, "--as-email", "ops@example.com")
	if !errors.Is(err, app.ErrInvalidBranch) {
		t.Fatalf("expected invalid branch on second merge, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	s := seed(t, app.Options{})
	out, err := run(t, memoryBackend(s.mem), "restore", s.v1.ID, "--as-email", "ops@example.com")
	if err != nil {
		t.Fatalf("restore error = %v", err)
	}
	if !strings.Contains(out, `"change_type": "Major"`) {
		t.Fatalf("restore should write a Major version, got %s", out)
	}
}

func TestArchiveCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARCHIVE_DIR", dir)
	s := seed(t, app.Options{Archiver: archive.New(dir)})

	out, err := run(t, memoryBackend(s.mem), "archive", "log", s.scenario.ID)
	if err != nil {
		t.Fatalf("archive log error = %v", err)
	}
	var commits []archive.Commit
	if err := json.Unmarshal([]byte(out), &commits); err != nil {
		t.Fatalf("decode commits: %v", err)
	}
	if len(commits) != 1 || !strings.HasPrefix(commits[0].Message, "v1") {
		t.Fatalf("unexpected mainline commits %+v", commits)
	}

	out, err = run(t, memoryBackend(s.mem), "archive", "show", s.scenario.ID, archive.BranchRef("v2-storm"))
	if err != nil {
		t.Fatalf("archive show error = %v", err)
	}
	if !strings.Contains(out, `"High"`) {
		t.Fatalf("expected branch snapshot, got %s", out)
	}

	t.Setenv("ARCHIVE_DIR", "")
	if _, err := run(t, memoryBackend(s.mem), "archive", "log", s.scenario.ID); err == nil {
		t.Fatal("expected error without ARCHIVE_DIR")
	}
}

func TestMigrateDownValidatesSteps(t *testing.T) {
	opened := false
	open := func(context.Context, config.Config) (store.Store, *sql.DB, func(), error) {
		opened = true
		return nil, nil, func() {}, nil
	}
	if _, err := run(t, open, "migrate", "down", "zero"); err == nil {
		t.Fatal("expected error for non-numeric steps")
	}
	if opened {
		t.Fatal("store should not be opened for invalid input")
	}
}
