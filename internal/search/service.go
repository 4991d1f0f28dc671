package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service is the facade that tries the search engine first and falls back to
// Postgres text search.
type Service struct {
	engine   Engine
	fallback Searcher
	log      zerolog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. engine and fallback may each be nil.
func NewService(engine Engine, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{engine: engine, fallback: fallback, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("search engine error, falling back to postgres")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexVersion indexes a ledger version (fire-and-forget).
func (s *Service) IndexVersion(record VersionRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexVersions([]VersionRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("version_id", record.ID).Msg("index version failed")
		}
	}()
}

// IndexCollaboration indexes a comment or proposal (fire-and-forget).
func (s *Service) IndexCollaboration(record CollaborationRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexCollaborations([]CollaborationRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("collaboration_id", record.ID).Msg("index collaboration failed")
		}
	}()
}

// ReindexAll loads every record from the fallback store and pushes it to the
// engine. Called at startup when the engine is reachable.
func (s *Service) ReindexAll(ctx context.Context, loader RecordLoader) {
	if s.engine == nil || !s.engine.Healthy() || loader == nil {
		return
	}
	versions, collaborations, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reindex load failed")
		return
	}
	if len(versions) > 0 {
		if err := s.engine.IndexVersions(versions); err != nil {
			s.log.Warn().Err(err).Msg("reindex versions failed")
		}
	}
	if len(collaborations) > 0 {
		if err := s.engine.IndexCollaborations(collaborations); err != nil {
			s.log.Warn().Err(err).Msg("reindex collaborations failed")
		}
	}
	s.log.Info().Int("versions", len(versions)).Int("collaborations", len(collaborations)).Msg("search reindex complete")
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]VersionRecord, []CollaborationRecord, error)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
