package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/metrics"
	"scenariolab/api/internal/search"
	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
)

var (
	ana = auth.User{Email: "ana@example.com", FullName: "Ana Ruiz"}
	bo  = auth.User{Email: "bo@example.com", FullName: "Bo Lind"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notifyFn func(context.Context, store.Notification) error
	sent     []store.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, item store.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, item)
	f.mu.Unlock()
	if f.notifyFn != nil {
		return f.notifyFn(ctx, item)
	}
	return nil
}

type fakeIndexer struct {
	mu             sync.Mutex
	versions       []search.VersionRecord
	collaborations []search.CollaborationRecord
}

func (f *fakeIndexer) IndexVersion(record search.VersionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, record)
}

func (f *fakeIndexer) IndexCollaboration(record search.CollaborationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collaborations = append(f.collaborations, record)
}

type fakeArchiver struct {
	recordVersionFn func(store.Version) (archive.Commit, error)
	merges          []string
}

func (f *fakeArchiver) RecordVersion(version store.Version) (archive.Commit, error) {
	if f.recordVersionFn != nil {
		return f.recordVersionFn(version)
	}
	return archive.Commit{Hash: "abc1234"}, nil
}

func (f *fakeArchiver) RecordMerge(branch, merged store.Version) (archive.Commit, error) {
	f.merges = append(f.merges, branch.ID+"->"+merged.ID)
	return archive.Commit{Hash: "def5678"}, nil
}

// faultyStore wraps the in-memory store and lets a test replace one call.
type faultyStore struct {
	*store.MemoryStore
	resolveFn     func(context.Context, string, string, string, string, time.Time) (bool, error)
	insertVersion func(store.Version) error
}

func (f *faultyStore) ResolveCollaboration(ctx context.Context, id, status, by, notes string, at time.Time) (bool, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, id, status, by, notes, at)
	}
	return f.MemoryStore.ResolveCollaboration(ctx, id, status, by, notes, at)
}

func (f *faultyStore) WithScenarioLock(ctx context.Context, scenarioID string, fn func(store.LedgerTx) error) error {
	return f.MemoryStore.WithScenarioLock(ctx, scenarioID, func(tx store.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, insertVersion: f.insertVersion})
	})
}

type faultyTx struct {
	store.LedgerTx
	insertVersion func(store.Version) error
}

func (t *faultyTx) InsertVersion(ctx context.Context, version store.Version) error {
	if t.insertVersion != nil {
		if err := t.insertVersion(version); err != nil {
			return err
		}
	}
	return t.LedgerTx.InsertVersion(ctx, version)
}

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	notifier *fakeNotifier
	indexer  *fakeIndexer
	archiver *fakeArchiver
	clock    *fakeClock
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem)
}

func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, backend dataStore) *fixture {
	t.Helper()
	f := &fixture{
		store:    mem,
		notifier: &fakeNotifier{},
		indexer:  &fakeIndexer{},
		archiver: &fakeArchiver{},
		clock:    newClock(),
		metrics:  metrics.New(),
	}
	f.svc = New(backend, auth.ContextIdentity{}, Options{
		Notifier: f.notifier,
		Indexer:  f.indexer,
		Archiver: f.archiver,
		Logger:   zerolog.Nop(),
		Metrics:  f.metrics,
		Now:      f.clock.Now,
	})
	return f
}

func as(user auth.User) context.Context {
	return auth.WithUser(context.Background(), user)
}

func (f *fixture) scenario(t *testing.T, data snapshot.Snapshot) store.Scenario {
	t.Helper()
	scenario, err := f.svc.CreateScenario(as(ana), data)
	if err != nil {
		t.Fatalf("CreateScenario() error = %v", err)
	}
	return scenario
}

func (f *fixture) version(t *testing.T, scenarioID string, data snapshot.Snapshot, opts VersionOptions) store.Version {
	t.Helper()
	version, err := f.svc.CreateVersion(as(ana), scenarioID, data, opts)
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	return version
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}
