package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	versionDocument       = `coalesce(v.change_summary, '') || ' ' || coalesce(v.commit_message, '') || ' ' || coalesce(v.branch_name, '') || ' ' || coalesce(v.branch_hypothesis, '')`
	collaborationDocument = `coalesce(c.content, '') || ' ' || coalesce(c.target_section, '')`
)

// PgFTS implements Searcher with PostgreSQL full-text search over the ledger
// tables. It is the fallback when Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	countSQL, dataSQL, args := buildFTSQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.ScenarioID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildFTSQuery returns the count and data statements for q, or empty
// strings when there is nothing to search.
func buildFTSQuery(q Query) (string, string, []any) {
	if strings.TrimSpace(q.Text) == "" {
		return "", "", nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	versionFilter, collaborationFilter := "", ""
	if q.ScenarioID != "" {
		args = append(args, q.ScenarioID)
		versionFilter = " AND v.scenario_id = $2"
		collaborationFilter = " AND c.scenario_id = $2"
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultVersion {
		vector := fmt.Sprintf("to_tsvector('english', %s)", versionDocument)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'version'::text AS type, v.id, v.scenario_id,
				CASE WHEN v.branch_name <> '' THEN v.branch_name ELSE v.label END AS title,
				ts_headline('english', %s, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%s, %s) AS rank
			FROM scenario_versions v
			WHERE %s @@ %s%s`,
			versionDocument, tsQuery, vector, tsQuery, vector, tsQuery, versionFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultCollaboration {
		vector := fmt.Sprintf("to_tsvector('english', %s)", collaborationDocument)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'collaboration'::text AS type, c.id, c.scenario_id,
				CASE WHEN c.target_section <> '' THEN c.target_section ELSE c.collaboration_type END AS title,
				ts_headline('english', %s, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(%s, %s) AS rank
			FROM scenario_collaborations c
			WHERE %s @@ %s%s`,
			collaborationDocument, tsQuery, vector, tsQuery, vector, tsQuery, collaborationFilter))
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, scenario_id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]VersionRecord, []CollaborationRecord, error) {
	versionRows, err := p.db.QueryContext(ctx, `
		SELECT id, scenario_id, label, change_type, change_summary, commit_message,
			is_branch, branch_name, branch_hypothesis, created_by
		FROM scenario_versions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load versions: %w", err)
	}
	defer versionRows.Close()

	versions := make([]VersionRecord, 0)
	for versionRows.Next() {
		var v VersionRecord
		if err := versionRows.Scan(&v.ID, &v.ScenarioID, &v.Label, &v.ChangeType, &v.ChangeSummary, &v.CommitMessage,
			&v.IsBranch, &v.BranchName, &v.BranchHypothesis, &v.CreatedBy); err != nil {
			return nil, nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := versionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate versions: %w", err)
	}

	collaborationRows, err := p.db.QueryContext(ctx, `
		SELECT id, scenario_id, collaboration_type, status, content, target_section, author
		FROM scenario_collaborations
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load collaborations: %w", err)
	}
	defer collaborationRows.Close()

	collaborations := make([]CollaborationRecord, 0)
	for collaborationRows.Next() {
		var c CollaborationRecord
		if err := collaborationRows.Scan(&c.ID, &c.ScenarioID, &c.Type, &c.Status, &c.Content, &c.TargetSection, &c.Author); err != nil {
			return nil, nil, fmt.Errorf("scan collaboration: %w", err)
		}
		collaborations = append(collaborations, c)
	}
	if err := collaborationRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return versions, collaborations, nil
}
