package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	_ "modernc.org/sqlite"

	"github.com/g960059/simslot/internal/model"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Annotate(err, "create db dir")
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Annotate(err, "ping sqlite")
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "chmod db path")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// GetPref returns the stored integer for (namespace, key). A missing key is
// reported as errors.NotFound.
func (s *Store) GetPref(ctx context.Context, namespace, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE namespace = ? AND pref_key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.NotFoundf("pref %s/%s", namespace, key)
	}
	if err != nil {
		return 0, errors.Annotatef(err, "get pref %s/%s", namespace, key)
	}
	return value, nil
}

func (s *Store) SetPref(ctx context.Context, namespace, key string, value int64) error {
	if err := setPref(ctx, s.db, namespace, key, value); err != nil {
		return errors.Annotatef(err, "set pref %s/%s", namespace, key)
	}
	return nil
}

// SwapPref writes value and returns what was stored before, in one
// transaction. found is false when the key did not exist.
func (s *Store) SwapPref(ctx context.Context, namespace, key string, value int64) (old int64, found bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, errors.Annotate(err, "begin swap pref tx")
	}
	defer tx.Rollback() //nolint:errcheck

	scanErr := tx.QueryRowContext(ctx, `SELECT value FROM prefs WHERE namespace = ? AND pref_key = ?`, namespace, key).Scan(&old)
	switch {
	case scanErr == nil:
		found = true
	case errors.Is(scanErr, sql.ErrNoRows):
		old = 0
	default:
		return 0, false, errors.Annotatef(scanErr, "read pref %s/%s", namespace, key)
	}
	if err := setPref(ctx, tx, namespace, key, value); err != nil {
		return 0, false, errors.Annotatef(err, "swap pref %s/%s", namespace, key)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, errors.Annotate(err, "commit swap pref")
	}
	return old, found, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setPref(ctx context.Context, ex execer, namespace, key string, value int64) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO prefs(namespace, pref_key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(namespace, pref_key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`, namespace, key, value, ts(time.Now()))
	return err
}

// InsertDecision journals a decision. A missing DecisionID is filled in.
func (s *Store) InsertDecision(ctx context.Context, d model.Decision) (string, error) {
	if strings.TrimSpace(d.DecisionID) == "" {
		d.DecisionID = uuid.NewString()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	action := d.Action
	if action.Kind == "" {
		action = model.NoOp()
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return "", errors.Annotate(err, "marshal action")
	}
	var effectsJSON any
	if len(d.Effects) > 0 {
		raw, err := json.Marshal(d.Effects)
		if err != nil {
			return "", errors.Annotate(err, "marshal effects")
		}
		effectsJSON = string(raw)
	}
	var snapshotJSON any
	if d.Snapshot != nil {
		raw, err := json.Marshal(d.Snapshot)
		if err != nil {
			return "", errors.Annotate(err, "marshal snapshot")
		}
		snapshotJSON = string(raw)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decisions(decision_id, trigger_kind, action_kind, action_json, effects_json, branch, error_kind, snapshot_json, decided_at, dispatched_at, dispatch_error, missed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, d.DecisionID, string(d.Trigger), string(action.Kind), string(actionJSON), effectsJSON, d.Branch,
		nullIfEmpty(d.ErrorKind), snapshotJSON, ts(d.DecidedAt), nullableTS(d.DispatchedAt), nullIfEmpty(d.DispatchErr), nullableTS(d.MissedAt))
	if err != nil {
		if isUniqueErr(err) {
			return "", errors.AlreadyExistsf("decision %s", d.DecisionID)
		}
		return "", errors.Annotate(err, "insert decision")
	}
	return d.DecisionID, nil
}

// MarkDispatched records the dispatch outcome. dispatchErr is kept for
// diagnostics only; it never causes a retry.
func (s *Store) MarkDispatched(ctx context.Context, decisionID string, at time.Time, dispatchErr error) error {
	var errText any
	if dispatchErr != nil {
		errText = dispatchErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE decisions SET dispatched_at = ?, dispatch_error = ? WHERE decision_id = ?`, ts(at), errText, decisionID)
	if err != nil {
		return errors.Annotate(err, "mark dispatched")
	}
	return expectOneRow(res, "decision "+decisionID)
}

func (s *Store) MarkMissed(ctx context.Context, decisionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE decisions SET missed_at = ? WHERE decision_id = ? AND dispatched_at IS NULL`, ts(at), decisionID)
	if err != nil {
		return errors.Annotate(err, "mark missed")
	}
	return expectOneRow(res, "undispatched decision "+decisionID)
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (model.Decision, error) {
	row := s.db.QueryRowContext(ctx, decisionSelect+` WHERE decision_id = ?`, decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, errors.NotFoundf("decision %s", decisionID)
	}
	return d, err
}

// ListDecisions returns the newest decisions first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDecisions(ctx, decisionSelect+` ORDER BY decided_at DESC, decision_id DESC LIMIT ?`, limit)
}

// ListUndispatched returns non-NoOp decisions decided before the cutoff that
// were never dispatched nor already marked missed, oldest first.
func (s *Store) ListUndispatched(ctx context.Context, before time.Time) ([]model.Decision, error) {
	return s.queryDecisions(ctx, decisionSelect+`
WHERE dispatched_at IS NULL AND missed_at IS NULL AND action_kind != ? AND decided_at < ?
ORDER BY decided_at ASC`, string(model.ActionNoOp), ts(before))
}

func (s *Store) PurgeDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_at < ?`, ts(cutoff))
	if err != nil {
		return 0, errors.Annotate(err, "purge decisions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Annotate(err, "purge decisions rows affected")
	}
	return n, nil
}

const decisionSelect = `
SELECT decision_id, trigger_kind, action_json, effects_json, branch, error_kind, snapshot_json, decided_at, dispatched_at, dispatch_error, missed_at
FROM decisions`

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Annotate(err, "list decisions")
	}
	defer rows.Close()

	out := make([]model.Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Annotate(err, "iter decisions")
	}
	return out, nil
}

func scanDecision(scanner interface{ Scan(dest ...any) error }) (model.Decision, error) {
	var (
		d            model.Decision
		trigger      string
		actionJSON   string
		effectsJSON  sql.NullString
		errorKind    sql.NullString
		snapshotJSON sql.NullString
		decidedAt    string
		dispatchedAt sql.NullString
		dispatchErr  sql.NullString
		missedAt     sql.NullString
	)
	if err := scanner.Scan(&d.DecisionID, &trigger, &actionJSON, &effectsJSON, &d.Branch, &errorKind, &snapshotJSON, &decidedAt, &dispatchedAt, &dispatchErr, &missedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Decision{}, err
		}
		return model.Decision{}, errors.Annotate(err, "scan decision")
	}
	d.Trigger = model.Trigger(trigger)
	d.ErrorKind = errorKind.String
	d.DispatchErr = dispatchErr.String
	if err := json.Unmarshal([]byte(actionJSON), &d.Action); err != nil {
		return model.Decision{}, errors.Annotate(err, "decode action")
	}
	if effectsJSON.Valid && effectsJSON.String != "" {
		if err := json.Unmarshal([]byte(effectsJSON.String), &d.Effects); err != nil {
			return model.Decision{}, errors.Annotate(err, "decode effects")
		}
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var snap model.SlotSnapshot
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
			return model.Decision{}, errors.Annotate(err, "decode snapshot")
		}
		d.Snapshot = &snap
	}
	var err error
	if d.DecidedAt, err = parseTS(decidedAt); err != nil {
		return model.Decision{}, errors.Annotate(err, "parse decided_at")
	}
	if d.DispatchedAt, err = parseNullableTS(dispatchedAt); err != nil {
		return model.Decision{}, errors.Annotate(err, "parse dispatched_at")
	}
	if d.MissedAt, err = parseNullableTS(missedAt); err != nil {
		return model.Decision{}, errors.Annotate(err, "parse missed_at")
	}
	return d, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Annotate(err, "rows affected")
	}
	if n == 0 {
		return errors.NotFoundf("%s", what)
	}
	return nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Fixed-width so that lexical order in SQL matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
