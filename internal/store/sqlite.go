package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postq/internal/post"
	logx "postq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./postq.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- posts ----

func (s *sqliteStore) CreatePost(ctx context.Context, p *post.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	dests, err := json.Marshal(p.Destinations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, content, destinations, state, due_at, parent_recurrence_id, created_at, last_transition_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		p.ID, p.Content, string(dests), string(p.State), msOrNil(p.DueAt),
		nullStr(p.ParentRecurrenceID), p.CreatedAt.UnixMilli(), p.LastTransitionAt.UnixMilli(),
	)
	return err
}

const postColumns = `id, content, destinations, state, due_at, parent_recurrence_id, created_at, last_transition_at`

func (s *sqliteStore) GetPost(ctx context.Context, id string) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListPosts(ctx context.Context, f Filter) ([]post.Post, error) {
	q := `SELECT ` + postColumns + ` FROM posts`
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.From.IsZero() {
		conds = append(conds, "due_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "due_at <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryPosts(ctx, q, args...)
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, limit int) ([]post.Post, error) {
	if limit <= 0 {
		limit = 32
	}
	return s.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE state = ? AND due_at IS NOT NULL AND due_at <= ?
		 ORDER BY due_at LIMIT ?`,
		string(post.StateScheduled), now.UnixMilli(), limit,
	)
}

func (s *sqliteStore) FindStaleDispatching(ctx context.Context, olderThan time.Time) ([]post.Post, error) {
	return s.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE state = ? AND last_transition_at <= ?
		 ORDER BY last_transition_at`,
		string(post.StateDispatching), olderThan.UnixMilli(),
	)
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from, to post.State, at time.Time) error {
	if !post.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET state = ?, last_transition_at = ? WHERE id = ? AND state = ?`,
		string(to), at.UnixMilli(), id, string(from),
	)
	if err != nil {
		return err
	}
	return s.conflictOrMissing(ctx, res, id)
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, dueAt, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET state = ?, due_at = ?, last_transition_at = ? WHERE id = ? AND state = ?`,
		string(post.StateScheduled), dueAt.UnixMilli(), at.UnixMilli(), id, string(post.StateDispatching),
	)
	if err != nil {
		return err
	}
	return s.conflictOrMissing(ctx, res, id)
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET state = ?, last_transition_at = ? WHERE id = ? AND state IN (?, ?)`,
		string(post.StateCancelled), at.UnixMilli(), id,
		string(post.StateDraft), string(post.StateScheduled),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM posts WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if post.State(cur) == post.StateDispatching {
		return ErrDispatchInProgress
	}
	return ErrAlreadyTerminal
}

func (s *sqliteStore) conflictOrMissing(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// ---- attempts ----

func (s *sqliteStore) AppendAttempt(ctx context.Context, a post.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts(post_id, destination, attempt_number, outcome, external_id, reason, attempted_at)
		 VALUES(?,?,?,?,?,?,?)`,
		a.PostID, a.Destination, a.AttemptNumber, string(a.Outcome),
		nullStr(a.ExternalID), nullStr(a.Reason), a.AttemptedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AttemptsFor(ctx context.Context, postID string) ([]post.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id, destination, attempt_number, outcome, external_id, reason, attempted_at
		 FROM delivery_attempts WHERE post_id = ?
		 ORDER BY destination, attempt_number`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.DeliveryAttempt
	for rows.Next() {
		var a post.DeliveryAttempt
		var outcome string
		var extID, reason sql.NullString
		var at int64
		if err := rows.Scan(&a.PostID, &a.Destination, &a.AttemptNumber, &outcome, &extID, &reason, &at); err != nil {
			return nil, err
		}
		a.Outcome = post.Outcome(outcome)
		a.ExternalID = extID.String
		a.Reason = reason.String
		a.AttemptedAt = time.UnixMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- recurrences ----

func (s *sqliteStore) CreateRecurrence(ctx context.Context, r *post.Recurrence) error {
	dests, err := json.Marshal(r.Destinations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recurrences(id, content, destinations, rule, start_at, end_at, materialized_to, cancelled, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Content, string(dests), r.Rule, r.Start.UnixMilli(), msOrNil(r.End),
		r.MaterializedTo.UnixMilli(), boolInt(r.Cancelled), r.CreatedAt.UnixMilli(),
	)
	return err
}

const recurrenceColumns = `id, content, destinations, rule, start_at, end_at, materialized_to, cancelled, created_at`

func (s *sqliteStore) GetRecurrence(ctx context.Context, id string) (post.Recurrence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recurrenceColumns+` FROM recurrences WHERE id = ?`, id)
	r, err := scanRecurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Recurrence{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ActiveRecurrences(ctx context.Context, horizonBefore time.Time) ([]post.Recurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recurrenceColumns+` FROM recurrences
		 WHERE cancelled = 0 AND materialized_to < ?
		   AND (end_at IS NULL OR materialized_to < end_at)
		 ORDER BY created_at`,
		horizonBefore.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.Recurrence
	for rows.Next() {
		r, err := scanRecurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaterializeInstances inserts the batch and advances the horizon in one
// transaction. Instance ids are deterministic, so INSERT OR IGNORE makes a
// crashed-and-rerun expansion a no-op instead of a duplicate.
func (s *sqliteStore) MaterializeInstances(ctx context.Context, recurrenceID string, instances []post.Post, newHorizon time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range instances {
		p := &instances[i]
		if err := p.Validate(); err != nil {
			return err
		}
		dests, err := json.Marshal(p.Destinations)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO posts(id, content, destinations, state, due_at, parent_recurrence_id, created_at, last_transition_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			p.ID, p.Content, string(dests), string(p.State), msOrNil(p.DueAt),
			nullStr(p.ParentRecurrenceID), p.CreatedAt.UnixMilli(), p.LastTransitionAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}

	// Horizon only ever moves forward.
	_, err = tx.ExecContext(ctx,
		`UPDATE recurrences SET materialized_to = ? WHERE id = ? AND materialized_to < ?`,
		newHorizon.UnixMilli(), recurrenceID, newHorizon.UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CancelRecurrence(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recurrences SET cancelled = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (post.Post, error) {
	var p post.Post
	var dests, state string
	var due sql.NullInt64
	var parent sql.NullString
	var created, transitioned int64
	if err := row.Scan(&p.ID, &p.Content, &dests, &state, &due, &parent, &created, &transitioned); err != nil {
		return post.Post{}, err
	}
	if err := json.Unmarshal([]byte(dests), &p.Destinations); err != nil {
		return post.Post{}, fmt.Errorf("decode destinations: %w", err)
	}
	p.State = post.State(state)
	if due.Valid {
		p.DueAt = time.UnixMilli(due.Int64)
	}
	p.ParentRecurrenceID = parent.String
	p.CreatedAt = time.UnixMilli(created)
	p.LastTransitionAt = time.UnixMilli(transitioned)
	return p, nil
}

func scanRecurrence(row rowScanner) (post.Recurrence, error) {
	var r post.Recurrence
	var dests string
	var start, materialized, created int64
	var end sql.NullInt64
	var cancelled int
	if err := row.Scan(&r.ID, &r.Content, &dests, &r.Rule, &start, &end, &materialized, &cancelled, &created); err != nil {
		return post.Recurrence{}, err
	}
	if err := json.Unmarshal([]byte(dests), &r.Destinations); err != nil {
		return post.Recurrence{}, fmt.Errorf("decode destinations: %w", err)
	}
	r.Start = time.UnixMilli(start)
	if end.Valid {
		r.End = time.UnixMilli(end.Int64)
	}
	r.MaterializedTo = time.UnixMilli(materialized)
	r.Cancelled = cancelled != 0
	r.CreatedAt = time.UnixMilli(created)
	return r, nil
}

func (s *sqliteStore) queryPosts(ctx context.Context, q string, args ...any) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
