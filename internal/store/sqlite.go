package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id         TEXT NOT NULL,
		action             TEXT NOT NULL,
		target             TEXT,
		metadata           TEXT,
		impact             REAL NOT NULL,
		breadth            REAL NOT NULL,
		probability        REAL NOT NULL,
		risk_score         REAL NOT NULL,
		needs_checkpoint   INTEGER NOT NULL DEFAULT 0,
		checkpoint_reason  TEXT,
		is_compound        INTEGER NOT NULL DEFAULT 0,
		compound_count     INTEGER NOT NULL DEFAULT 0,
		approved           INTEGER,
		approval_timestamp DATETIME,
		approval_channel   TEXT,
		approval_notes     TEXT,
		created_at         DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		risk_budget     REAL NOT NULL,
		cumulative_risk REAL NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL,
		last_activity   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS near_misses (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id      TEXT NOT NULL,
		action          TEXT NOT NULL,
		target          TEXT,
		near_miss_type  TEXT NOT NULL,
		description     TEXT,
		metadata        TEXT,
		original_risk   REAL,
		actual_severity REAL NOT NULL,
		created_at      DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		url            TEXT NOT NULL,
		events         TEXT NOT NULL,
		secret         TEXT NOT NULL DEFAULT '',
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     DATETIME NOT NULL,
		last_triggered DATETIME,
		failure_count  INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_actions_session_target ON actions(session_id, target, created_at);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_near_misses_action ON near_misses(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Sessions ---

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID string, budget float64) (*Session, error) {
	now := time.Now().UTC()
	// INSERT OR IGNORE keeps the existing budget when the session exists.
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (session_id, risk_budget, cumulative_risk, created_at, last_activity)
		VALUES (?, ?, 0, ?, ?)`, sessionID, budget, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `SELECT session_id, risk_budget, cumulative_risk, created_at, last_activity
		FROM sessions WHERE session_id = ?`, sessionID).Scan(
		&sess.SessionID, &sess.RiskBudget, &sess.CumulativeRisk, &sess.CreatedAt, &sess.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) AddSessionRisk(ctx context.Context, sessionID string, delta float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET cumulative_risk = cumulative_risk + ?, last_activity = ?
		WHERE session_id = ?`, delta, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// --- Actions ---

func (s *SQLiteStore) InsertAction(ctx context.Context, a *Action) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO actions (session_id, action, target, metadata,
		impact, breadth, probability, risk_score,
		needs_checkpoint, checkpoint_reason, is_compound, compound_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Action, nullStr(a.Target), nullableJSON(a.Metadata),
		a.Impact, a.Breadth, a.Probability, a.RiskScore,
		a.NeedsCheckpoint, nullStr(a.CheckpointReason), a.IsCompound, a.CompoundCount, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

const actionColumns = `id, session_id, action, target, metadata,
	impact, breadth, probability, risk_score,
	needs_checkpoint, checkpoint_reason, is_compound, compound_count,
	approved, approval_timestamp, approval_channel, approval_notes, created_at`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	a := &Action{}
	var target, metadata, reason, channel, notes sql.NullString
	var approved sql.NullBool
	var approvedAt sql.NullTime

	err := row.Scan(&a.ID, &a.SessionID, &a.Action, &target, &metadata,
		&a.Impact, &a.Breadth, &a.Probability, &a.RiskScore,
		&a.NeedsCheckpoint, &reason, &a.IsCompound, &a.CompoundCount,
		&approved, &approvedAt, &channel, &notes, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.Target = target.String
	a.Metadata = jsonOrNil(metadata)
	a.CheckpointReason = reason.String
	a.ApprovalChannel = channel.String
	a.ApprovalNotes = notes.String
	if approved.Valid {
		v := approved.Bool
		a.Approved = &v
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovalTimestamp = &t
	}
	return a, nil
}

func (s *SQLiteStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) SetActionApproval(ctx context.Context, id int64, approved bool, channel, notes string, at time.Time) (*Action, error) {
	// The verdict and the budget charge must land together: a verdict row
	// without its session charge would lose the charge forever, since the
	// write-once guard blocks any retry.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The WHERE approved IS NULL guard makes the verdict write-once.
	res, err := tx.ExecContext(ctx, `UPDATE actions SET approved = ?, approval_timestamp = ?, approval_channel = ?, approval_notes = ?
		WHERE id = ? AND approved IS NULL`,
		approved, at, nullStr(channel), nullStr(notes), id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrAlreadyDecided
	}

	if approved {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET cumulative_risk = cumulative_risk + ?, last_activity = ?
			WHERE session_id = ?`, a.RiskScore, at, a.SessionID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) CountRecentActions(ctx context.Context, sessionID, target string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions
		WHERE session_id = ? AND target = ? AND created_at >= ?`,
		sessionID, target, since).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ListActionsByTime(ctx context.Context, from, to time.Time) ([]*Action, error) {
	var conds []string
	var args []any
	if !from.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, from)
	}
	if !to.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, to)
	}
	query := `SELECT ` + actionColumns + ` FROM actions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// --- Near-misses ---

func (s *SQLiteStore) InsertNearMiss(ctx context.Context, nm *NearMiss) error {
	var original any
	if nm.OriginalRisk != nil {
		original = *nm.OriginalRisk
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO near_misses (session_id, action, target, near_miss_type,
		description, metadata, original_risk, actual_severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.SessionID, nm.Action, nullStr(nm.Target), string(nm.Type),
		nullStr(nm.Description), nullableJSON(nm.Metadata), original, nm.ActualSeverity, nm.CreatedAt,
	)
	if err != nil {
		return err
	}
	nm.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListNearMisses(ctx context.Context, action string) ([]*NearMiss, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, action, target, near_miss_type,
		description, metadata, original_risk, actual_severity, created_at
		FROM near_misses WHERE action = ? ORDER BY created_at DESC, id DESC`,
		action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var misses []*NearMiss
	for rows.Next() {
		nm := &NearMiss{}
		var target, desc, metadata sql.NullString
		var original sql.NullFloat64
		var typ string
		if err := rows.Scan(&nm.ID, &nm.SessionID, &nm.Action, &target, &typ,
			&desc, &metadata, &original, &nm.ActualSeverity, &nm.CreatedAt); err != nil {
			return nil, err
		}
		nm.Target = target.String
		nm.Type = NearMissType(typ)
		nm.Description = desc.String
		nm.Metadata = jsonOrNil(metadata)
		if original.Valid {
			v := original.Float64
			nm.OriginalRisk = &v
		}
		misses = append(misses, nm)
	}
	return misses, rows.Err()
}

// --- Webhooks ---

func (s *SQLiteStore) InsertWebhook(ctx context.Context, w *Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhooks (url, events, secret, enabled, created_at, failure_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		w.URL, string(events), w.Secret, w.Enabled, w.CreatedAt)
	if err != nil {
		return err
	}
	w.ID, err = res.LastInsertId()
	return err
}

func scanWebhook(row interface{ Scan(...any) error }) (*Webhook, error) {
	w := &Webhook{}
	var events string
	var last sql.NullTime
	err := row.Scan(&w.ID, &w.URL, &events, &w.Secret, &w.Enabled, &w.CreatedAt, &last, &w.FailureCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("webhook %d has malformed events: %w", w.ID, err)
	}
	if last.Valid {
		t := last.Time
		w.LastTriggered = &t
	}
	return w, nil
}

const webhookColumns = `id, url, events, secret, enabled, created_at, last_triggered, failure_count`

func (s *SQLiteStore) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordWebhookSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhooks SET failure_count = 0, last_triggered = ? WHERE id = ?`, at, id)
	return err
}

func (s *SQLiteStore) RecordWebhookFailure(ctx context.Context, id int64, disableAt int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhooks SET failure_count = failure_count + 1,
		enabled = CASE WHEN failure_count + 1 >= ? THEN 0 ELSE enabled END
		WHERE id = ?`, disableAt, id)
	return err
}

// --- Stats ---

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{NearMissBreakdown: make(map[string]int64)}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(needs_checkpoint), 0),
		COALESCE(SUM(CASE WHEN approved = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN approved = 0 THEN 1 ELSE 0 END), 0),
		AVG(risk_score)
		FROM actions`).Scan(
		&st.TotalActions, &st.CheckpointsTriggered, &st.CheckpointsApproved, &st.CheckpointsRejected, &avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		st.AverageRiskScore = avg.Float64
	}
	if decided := st.CheckpointsApproved + st.CheckpointsRejected; decided > 0 {
		st.ApprovalRate = float64(st.CheckpointsApproved) / float64(decided) * 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT near_miss_type, COUNT(*) FROM near_misses GROUP BY near_miss_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		st.NearMissBreakdown[typ] = count
		st.TotalNearMisses += count
	}
	return st, rows.Err()
}

// IsBusy reports whether err is SQLite lock contention that survived the
// busy timeout. Callers surface it as a transient backend failure.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
