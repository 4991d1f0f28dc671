// Package archive mirrors the version ledger into one git repository per
// scenario. Mainline versions are committed to main, each branch version to
// branch/<label>, and each merge is tagged merged-v<N>. The ledger in the
// store stays authoritative; the archive is an exportable audit trail.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
	"scenariolab/api/internal/util"
)

const (
	MainBranch   = "main"
	snapshotFile = "snapshot.json"
)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type Archive struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// BranchRef is the git branch a ledger branch version is mirrored to. The
// label carries the version number, so branches sharing a name never share
// a ref.
func BranchRef(label string) string {
	return "branch/" + util.Slug(label, "unnamed")
}

// MergeTag names the tag placed on the mainline commit of a merge.
func MergeTag(versionNumber int) string {
	return fmt.Sprintf("merged-v%d", versionNumber)
}

// RecordVersion commits the version's snapshot to main, or to its branch
// ref when the version is a branch. A new branch ref starts from main.
func (a *Archive) RecordVersion(version store.Version) (Commit, error) {
	lock := a.scenarioLock(version.ScenarioID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(version.ScenarioID)
	if err != nil {
		return Commit{}, err
	}
	branch := MainBranch
	if version.IsBranch {
		branch = BranchRef(version.Label)
	}
	hash, err := a.commit(repo, branch, version.SnapshotData, version, versionMessage(version))
	if err != nil {
		return Commit{}, err
	}
	return readCommit(repo, hash)
}

// RecordMerge commits the merged mainline version to main with a trailer
// naming the source branch, then tags it.
func (a *Archive) RecordMerge(branch store.Version, merged store.Version) (Commit, error) {
	lock := a.scenarioLock(merged.ScenarioID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(merged.ScenarioID)
	if err != nil {
		return Commit{}, err
	}
	message := fmt.Sprintf(
		"%s\n\nmerge: source=%s target=%s branch-version=%s",
		versionMessage(merged),
		BranchRef(branch.Label),
		MainBranch,
		branch.ID,
	)
	hash, err := a.commit(repo, MainBranch, merged.SnapshotData, merged, message)
	if err != nil {
		return Commit{}, err
	}
	_, err = repo.CreateTag(MergeTag(merged.VersionNumber), hash, &git.CreateTagOptions{
		Tagger:  signature(merged, a.now()),
		Message: fmt.Sprintf("Merge branch %q", branch.BranchName),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return Commit{}, fmt.Errorf("create tag: %w", err)
	}
	return readCommit(repo, hash)
}

// History lists commits on a git branch, newest first.
func (a *Archive) History(scenarioID, branch string, limit int) ([]Commit, error) {
	lock := a.scenarioLock(scenarioID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(scenarioID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toCommit(c))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the snapshot stored at a revision: a branch, tag or hash.
func (a *Archive) SnapshotAt(scenarioID, revision string) (snapshot.Snapshot, error) {
	lock := a.scenarioLock(scenarioID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(scenarioID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", revision, err)
	}
	c, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", revision, err)
	}
	file, err := c.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var data snapshot.Snapshot
	if err := json.Unmarshal([]byte(contents), &data); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return data, nil
}

func (a *Archive) repoPath(scenarioID string) string {
	return filepath.Join(a.baseDir, scenarioID)
}

func (a *Archive) scenarioLock(scenarioID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[scenarioID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[scenarioID] = lock
	}
	return lock
}

func (a *Archive) openOrInit(scenarioID string) (*git.Repository, error) {
	path := a.repoPath(scenarioID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *Archive) commit(repo *git.Repository, branch string, data snapshot.Snapshot, version store.Version, message string) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branch); err != nil {
		return plumbing.ZeroHash, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if data == nil {
		data = snapshot.Snapshot{}
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(version, a.now()),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

// checkoutBranch switches the worktree to branch. A missing branch is forked
// from main; on an empty repository HEAD is pointed at it so the next commit
// creates it.
func checkoutBranch(repo *git.Repository, branch string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
			return fmt.Errorf("checkout branch %s: %w", branch, err)
		}
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	mainRef, err := repo.Reference(plumbing.NewBranchReferenceName(MainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
			return fmt.Errorf("point HEAD at %s: %w", branch, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Hash: mainRef.Hash(), Create: true, Force: true}); err != nil {
		return fmt.Errorf("create branch checkout %s: %w", branch, err)
	}
	return nil
}

func versionMessage(v store.Version) string {
	summary := v.CommitMessage
	if summary == "" {
		summary = v.ChangeSummary
	}
	if summary == "" {
		summary = v.ChangeType
	}
	lines := []string{
		fmt.Sprintf("%s: %s", v.Label, summary),
		"",
		"version: " + v.ID,
		"change-type: " + v.ChangeType,
	}
	if v.IsBranch && v.BranchHypothesis != "" {
		lines = append(lines, "hypothesis: "+v.BranchHypothesis)
	}
	return strings.Join(lines, "\n")
}

func signature(v store.Version, at time.Time) *object.Signature {
	name := v.CreatedByName
	if name == "" {
		name = v.CreatedBy
	}
	email := v.CreatedBy
	if !strings.Contains(email, "@") {
		email = sanitizeEmail(email) + "@local.scenariolab.dev"
	}
	return &object.Signature{Name: name, Email: email, When: at}
}

func readCommit(repo *git.Repository, hash plumbing.Hash) (Commit, error) {
	c, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(c), nil
}

func toCommit(c *object.Commit) Commit {
	return Commit{
		Hash:      c.Hash.String()[:7],
		Message:   c.Message,
		Author:    c.Author.Email,
		CreatedAt: c.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
