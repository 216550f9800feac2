package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ PromptReader     = (*Store)(nil)
	_ PromptWriter     = (*Store)(nil)
	_ ReferenceStore   = (*Store)(nil)
	_ RankingTaskStore = (*Store)(nil)
	_ EvaluationStore  = (*Store)(nil)
	_ JobQueue         = (*Store)(nil)
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
	q  dbtx
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, q: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// WithTx runs fn against a store bound to a single transaction. The
// transaction commits only if fn returns nil; an error or a panic rolls it
// back. Calling WithTx on a store that is already transactional reuses the
// open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

// SchemaVersion returns the version the database is migrated to.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	return v, err
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", version, currentSchemaVersion)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: prompt tree, tasks, evaluations, references
		s.migrateV2, // v1 → v2: generation job queue
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the initial schema (v0 → v1).
// parent_id and revision_of are weak links: ancestors may be deleted.
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prompts (
		id                       TEXT PRIMARY KEY,
		parent_id                TEXT,
		text                     TEXT NOT NULL,
		language                 TEXT NOT NULL,
		is_synthetic             INTEGER NOT NULL DEFAULT 0,
		author_type              TEXT NOT NULL,
		author_id                TEXT,
		model_used               TEXT NOT NULL DEFAULT '',
		is_revision              INTEGER NOT NULL DEFAULT 0,
		revision_of              TEXT,
		postfix                  TEXT NOT NULL DEFAULT '',
		flagged_for_conversation INTEGER NOT NULL DEFAULT 0,
		created_at               TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_parent ON prompts(parent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_prompts_author ON prompts(author_id);

	CREATE TABLE IF NOT EXISTS ranking_tasks (
		id               TEXT PRIMARY KEY,
		parent_prompt_id TEXT NOT NULL REFERENCES prompts(id),
		candidate_ids    TEXT NOT NULL,
		ranking          TEXT,
		assigned_user    TEXT,
		claimed_at       TEXT,
		revision_id      TEXT,
		created_at       TEXT NOT NULL,
		completed_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ranking_open ON ranking_tasks(completed_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_ranking_parent ON ranking_tasks(parent_prompt_id);

	CREATE TABLE IF NOT EXISTS evaluation_tasks (
		id         TEXT PRIMARY KEY,
		prompt_id  TEXT NOT NULL REFERENCES prompts(id),
		task_type  TEXT NOT NULL,
		language   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaltasks_lookup ON evaluation_tasks(task_type, language, created_at);
	CREATE INDEX IF NOT EXISTS idx_evaltasks_prompt ON evaluation_tasks(prompt_id);

	CREATE TABLE IF NOT EXISTS evaluations (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES evaluation_tasks(id),
		user_id    TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_evaluations_unique ON evaluations(task_id, user_id);

	CREATE TABLE IF NOT EXISTS prompt_references (
		id         TEXT PRIMARY KEY,
		prompt_id  TEXT NOT NULL REFERENCES prompts(id),
		link       TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_references_prompt ON prompt_references(prompt_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 adds the generation job queue (v1 → v2).
func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		prompt_id     TEXT NOT NULL REFERENCES prompts(id),
		kind          TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		completions   INTEGER NOT NULL DEFAULT 0,
		ranking_tasks INTEGER NOT NULL DEFAULT 0,
		error_info    TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_prompt ON jobs(prompt_id, created_at);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

const promptColumns = `id, parent_id, text, language, is_synthetic, author_type, author_id, model_used, is_revision, revision_of, postfix, flagged_for_conversation, created_at`

// CreatePrompt inserts a new prompt after checking its invariants.
func (s *Store) CreatePrompt(ctx context.Context, p model.Prompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ParentID, p.Text, p.Language, p.IsSynthetic, p.AuthorType, p.AuthorID,
		p.ModelUsed, p.IsRevision, p.RevisionOf, p.Postfix, p.FlaggedForConversation,
		formatTime(p.CreatedAt),
	)
	return err
}

// GetPrompt returns a prompt by id, or model.ErrNotFound.
func (s *Store) GetPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

// ListChildren returns the children of parentID, newest first.
func (s *Store) ListChildren(ctx context.Context, parentID string, f ChildFilter) ([]model.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE parent_id = ?`
	switch f {
	case SyntheticChildren:
		query += ` AND is_synthetic = 1`
	case HumanChildren:
		query += ` AND is_synthetic = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	return s.queryPrompts(ctx, query, parentID)
}

// ListConversations returns human prompts that start or extend a
// conversation, newest first. With a UserID set only prompts the user wrote,
// answered, ranked or evaluated are returned.
func (s *Store) ListConversations(ctx context.Context, f model.ConversationFilter) ([]model.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts p WHERE p.is_synthetic = 0`
	var conditions []string
	var args []any

	if f.Language != "" {
		conditions = append(conditions, "p.language = ?")
		args = append(args, f.Language)
	}
	if f.UserID != "" {
		conditions = append(conditions, `(
			p.author_id = ?
			OR EXISTS (SELECT 1 FROM prompts c WHERE c.parent_id = p.id AND c.author_id = ?)
			OR EXISTS (SELECT 1 FROM ranking_tasks r WHERE r.parent_prompt_id = p.id AND r.assigned_user = ?)
			OR EXISTS (SELECT 1 FROM evaluation_tasks et JOIN evaluations e ON e.task_id = et.id
			           WHERE et.prompt_id = p.id AND e.user_id = ?))`)
		args = append(args, f.UserID, f.UserID, f.UserID, f.UserID)
	}
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY p.created_at DESC, p.rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryPrompts(ctx, query, args...)
}

// FlagForConversation marks a prompt as a branch to continue.
func (s *Store) FlagForConversation(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE prompts SET flagged_for_conversation = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "prompt", id)
}

func (s *Store) queryPrompts(ctx context.Context, query string, args ...any) ([]model.Prompt, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var prompts []model.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, *p)
	}
	return prompts, rows.Err()
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// CreateReference attaches reference material to a prompt.
func (s *Store) CreateReference(ctx context.Context, r model.Reference) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO prompt_references (id, prompt_id, link, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.PromptID, r.Link, r.Text, formatTime(r.CreatedAt),
	)
	return err
}

// ListReferences returns a prompt's references, oldest first.
func (s *Store) ListReferences(ctx context.Context, promptID string) ([]model.Reference, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, prompt_id, link, text, created_at FROM prompt_references WHERE prompt_id = ? ORDER BY created_at ASC, rowid ASC`, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []model.Reference
	for rows.Next() {
		var r model.Reference
		var createdAt string
		if err := rows.Scan(&r.ID, &r.PromptID, &r.Link, &r.Text, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row scanner) (*model.Prompt, error) {
	var p model.Prompt
	var createdAt string
	err := row.Scan(&p.ID, &p.ParentID, &p.Text, &p.Language, &p.IsSynthetic, &p.AuthorType, &p.AuthorID,
		&p.ModelUsed, &p.IsRevision, &p.RevisionOf, &p.Postfix, &p.FlaggedForConversation, &createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}
