package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scenariolab/api/internal/snapshot"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertScenario(ctx context.Context, scenario Scenario) error {
	data, err := encodeJSON(scenario.Data, "{}")
	if err != nil {
		return fmt.Errorf("encode scenario data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, data, created_by, created_at, updated_by, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $3, $4)
	`, scenario.ID, data, scenario.CreatedBy, scenario.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(ctx context.Context, scenarioID string) (Scenario, error) {
	return getScenario(ctx, s.db, scenarioID, false)
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return getVersion(ctx, s.db, versionID)
}

// ListVersions returns mainline versions, or branch versions when branches
// is true, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, scenarioID string, branches bool) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM scenario_versions
		WHERE scenario_id=$1 AND is_branch=$2
		ORDER BY version_number DESC
	`, scenarioID, branches)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// WithScenarioLock runs fn in a transaction holding the scenario row lock.
// A missing scenario surfaces as sql.ErrNoRows before fn runs.
func (s *PostgresStore) WithScenarioLock(ctx context.Context, scenarioID string, fn func(LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	if _, err := getScenario(ctx, tx, scenarioID, true); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(&pgLedgerTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertCollaboration(ctx context.Context, item Collaboration) error {
	var proposal any
	if item.EditProposal != nil {
		encoded, err := json.Marshal(item.EditProposal)
		if err != nil {
			return fmt.Errorf("encode edit proposal: %w", err)
		}
		proposal = string(encoded)
	}
	replies, err := encodeJSON(item.Replies, "[]")
	if err != nil {
		return fmt.Errorf("encode replies: %w", err)
	}
	mentions, err := encodeJSON(item.Mentions, "[]")
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenario_collaborations (
			id, scenario_id, collaboration_type, status, content, summary, target_section,
			target_element_id, edit_proposal, replies, mentions, author, author_name, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12, $13, $14)
	`, item.ID, item.ScenarioID, item.Type, item.Status, item.Content, item.Summary, item.TargetSection,
		item.TargetElementID, proposal, replies, mentions, item.Author, item.AuthorName, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert collaboration: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollaboration(ctx context.Context, collaborationID string) (Collaboration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+collaborationColumns+` FROM scenario_collaborations WHERE id=$1`, collaborationID)
	item, err := scanCollaboration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Collaboration{}, err
		}
		return Collaboration{}, fmt.Errorf("get collaboration: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListCollaborations(ctx context.Context, scenarioID string, filter CollaborationFilter) ([]Collaboration, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaborationColumns+`
		FROM scenario_collaborations
		WHERE scenario_id=$1
		  AND ($2='' OR collaboration_type=$2)
		  AND ($3='' OR status=$3)
		  AND ($4='' OR target_section=$4)
		ORDER BY created_at DESC
		LIMIT $5
	`, scenarioID, filter.Type, filter.Status, filter.TargetSection, limit)
	if err != nil {
		return nil, fmt.Errorf("list collaborations: %w", err)
	}
	defer rows.Close()

	items := make([]Collaboration, 0)
	for rows.Next() {
		item, err := scanCollaboration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborations: %w", err)
	}
	return items, nil
}

// ResolveCollaboration moves a Pending collaboration to status. It reports
// false when the collaboration is missing or no longer Pending.
func (s *PostgresStore) ResolveCollaboration(ctx context.Context, collaborationID, status, resolvedBy, notes string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scenario_collaborations
		SET status=$2, resolved_by=$3, resolution_notes=$4, resolved_at=$5
		WHERE id=$1 AND status='Pending'
	`, collaborationID, status, resolvedBy, notes, at)
	if err != nil {
		return false, fmt.Errorf("resolve collaboration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve collaboration rows: %w", err)
	}
	return affected > 0, nil
}

// AppendReply appends in place so concurrent replies are never lost.
func (s *PostgresStore) AppendReply(ctx context.Context, collaborationID string, reply Reply) error {
	encoded, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE scenario_collaborations
		SET replies = replies || jsonb_build_array($2::jsonb)
		WHERE id=$1
	`, collaborationID, string(encoded))
	if err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append reply rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListActiveAuthors(ctx context.Context, scenarioID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT author
		FROM scenario_collaborations
		WHERE scenario_id=$1 AND created_at >= $2
		ORDER BY author
	`, scenarioID, since)
	if err != nil {
		return nil, fmt.Errorf("list active authors: %w", err)
	}
	defer rows.Close()

	authors := make([]string, 0)
	for rows.Next() {
		var author string
		if err := rows.Scan(&author); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, author)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authors: %w", err)
	}
	return authors, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_notifications (id, recipient, kind, scenario_id, collaboration_id, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`, item.ID, item.Recipient, item.Kind, item.ScenarioID, item.CollaborationID, item.Message, item.Read, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, kind, scenario_id, COALESCE(collaboration_id, ''), message, is_read, created_at
		FROM user_notifications
		WHERE recipient=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.Recipient, &item.Kind, &item.ScenarioID, &item.CollaborationID, &item.Message, &item.Read, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

type pgLedgerTx struct {
	q querier
}

func (t *pgLedgerTx) GetScenario(ctx context.Context, scenarioID string) (Scenario, error) {
	return getScenario(ctx, t.q, scenarioID, false)
}

func (t *pgLedgerTx) CurrentVersion(ctx context.Context, scenarioID string) (*Version, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM scenario_versions
		WHERE scenario_id=$1 AND is_current AND NOT is_branch
	`, scenarioID)
	version, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (t *pgLedgerTx) MaxVersionNumber(ctx context.Context, scenarioID string) (int, error) {
	var number int
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) FROM scenario_versions WHERE scenario_id=$1
	`, scenarioID).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("max version number: %w", err)
	}
	return number, nil
}

func (t *pgLedgerTx) InsertVersion(ctx context.Context, v Version) error {
	data, err := encodeJSON(v.SnapshotData, "{}")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	diff, err := encodeJSON(v.DiffFromPrevious, "{}")
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	tags, err := encodeJSON(v.Tags, "[]")
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO scenario_versions (
			id, scenario_id, version_number, label, snapshot_data, diff_from_previous,
			change_type, change_summary, commit_message, is_current, is_branch,
			branch_name, branch_hypothesis, parent_version_id, approval_status, tags,
			created_by, created_by_name, created_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, $16::jsonb, $17, $18, $19)
	`, v.ID, v.ScenarioID, v.VersionNumber, v.Label, data, diff,
		v.ChangeType, v.ChangeSummary, v.CommitMessage, v.IsCurrent, v.IsBranch,
		v.BranchName, v.BranchHypothesis, v.ParentVersionID, v.ApprovalStatus, tags,
		v.CreatedBy, v.CreatedByName, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) ClearCurrent(ctx context.Context, versionID string) error {
	if _, err := t.q.ExecContext(ctx, `UPDATE scenario_versions SET is_current=FALSE WHERE id=$1`, versionID); err != nil {
		return fmt.Errorf("clear current version: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) UpdateScenarioData(ctx context.Context, scenarioID string, data snapshot.Snapshot, updatedBy string, at time.Time) error {
	encoded, err := encodeJSON(data, "{}")
	if err != nil {
		return fmt.Errorf("encode scenario data: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		UPDATE scenarios SET data=$2::jsonb, updated_by=$3, updated_at=$4 WHERE id=$1
	`, scenarioID, encoded, updatedBy, at)
	if err != nil {
		return fmt.Errorf("update scenario data: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) MarkBranchMerged(ctx context.Context, versionID string) (bool, error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE scenario_versions
		SET approval_status='Published', tags = tags || '["merged"]'::jsonb
		WHERE id=$1 AND is_branch AND NOT (tags @> '["merged"]'::jsonb)
	`, versionID)
	if err != nil {
		return false, fmt.Errorf("mark branch merged: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark branch merged rows: %w", err)
	}
	return affected > 0, nil
}

func (t *pgLedgerTx) MarkCollaborationImplemented(ctx context.Context, collaborationID string) (bool, error) {
	result, err := t.q.ExecContext(ctx, `
		UPDATE scenario_collaborations SET status='Implemented' WHERE id=$1 AND status='Approved'
	`, collaborationID)
	if err != nil {
		return false, fmt.Errorf("mark collaboration implemented: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark collaboration implemented rows: %w", err)
	}
	return affected > 0, nil
}

const versionColumns = `id, scenario_id, version_number, label, snapshot_data, diff_from_previous,
	change_type, change_summary, commit_message, is_current, is_branch,
	branch_name, branch_hypothesis, COALESCE(parent_version_id, ''), approval_status, tags,
	created_by, created_by_name, created_at`

const collaborationColumns = `id, scenario_id, collaboration_type, status, content, summary, target_section,
	target_element_id, edit_proposal, replies, mentions, author, author_name,
	resolved_by, resolved_at, resolution_notes, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func getScenario(ctx context.Context, q querier, scenarioID string, forUpdate bool) (Scenario, error) {
	query := `SELECT id, data, created_by, created_at, updated_by, updated_at FROM scenarios WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		item Scenario
		data []byte
	)
	err := q.QueryRowContext(ctx, query, scenarioID).Scan(&item.ID, &data, &item.CreatedBy, &item.CreatedAt, &item.UpdatedBy, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Scenario{}, err
		}
		return Scenario{}, fmt.Errorf("get scenario: %w", err)
	}
	if err := json.Unmarshal(data, &item.Data); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario data: %w", err)
	}
	return item, nil
}

func getVersion(ctx context.Context, q querier, versionID string) (Version, error) {
	row := q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM scenario_versions WHERE id=$1`, versionID)
	return scanVersion(row)
}

func scanVersion(row rowScanner) (Version, error) {
	var (
		item               Version
		data, diff, tagsJS []byte
	)
	err := row.Scan(
		&item.ID,
		&item.ScenarioID,
		&item.VersionNumber,
		&item.Label,
		&data,
		&diff,
		&item.ChangeType,
		&item.ChangeSummary,
		&item.CommitMessage,
		&item.IsCurrent,
		&item.IsBranch,
		&item.BranchName,
		&item.BranchHypothesis,
		&item.ParentVersionID,
		&item.ApprovalStatus,
		&tagsJS,
		&item.CreatedBy,
		&item.CreatedByName,
		&item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, err
		}
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal(data, &item.SnapshotData); err != nil {
		return Version{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(diff, &item.DiffFromPrevious); err != nil {
		return Version{}, fmt.Errorf("decode diff: %w", err)
	}
	if err := json.Unmarshal(tagsJS, &item.Tags); err != nil {
		return Version{}, fmt.Errorf("decode tags: %w", err)
	}
	return item, nil
}

func scanCollaboration(row rowScanner) (Collaboration, error) {
	var (
		item              Collaboration
		proposal          []byte
		replies, mentions []byte
		resolvedBy, notes sql.NullString
		resolvedAt        sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.ScenarioID,
		&item.Type,
		&item.Status,
		&item.Content,
		&item.Summary,
		&item.TargetSection,
		&item.TargetElementID,
		&proposal,
		&replies,
		&mentions,
		&item.Author,
		&item.AuthorName,
		&resolvedBy,
		&resolvedAt,
		&notes,
		&item.CreatedAt,
	); err != nil {
		return Collaboration{}, err
	}
	if len(proposal) > 0 {
		item.EditProposal = &EditProposal{}
		if err := json.Unmarshal(proposal, item.EditProposal); err != nil {
			return Collaboration{}, fmt.Errorf("decode edit proposal: %w", err)
		}
	}
	if err := json.Unmarshal(replies, &item.Replies); err != nil {
		return Collaboration{}, fmt.Errorf("decode replies: %w", err)
	}
	if err := json.Unmarshal(mentions, &item.Mentions); err != nil {
		return Collaboration{}, fmt.Errorf("decode mentions: %w", err)
	}
	item.ResolvedBy = resolvedBy.String
	item.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		item.ResolvedAt = &at
	}
	return item, nil
}

func encodeJSON(v any, empty string) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}
