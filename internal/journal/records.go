package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lockbox/internal/lockbox"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeLocked    Outcome = "locked"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one recorded lock attempt.
type Run struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	Overrides  lockbox.Overrides `json:"overrides,omitempty"`
}

// Transition is one recorded state change.
type Transition struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	Previous string    `json:"previous"`
	State    string    `json:"state"`
	Stage    string    `json:"stage,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
}

// Record persists the parts of e the journal tracks. Other event types are
// ignored.
func (j *Journal) Record(ctx context.Context, e lockbox.Event) error {
	switch e.Type {
	case lockbox.EventRunStarted:
		return j.startRun(ctx, e)
	case lockbox.EventRunFinished:
		outcome := OutcomeFailed
		if e.Locked {
			outcome = OutcomeLocked
		}
		return j.finishRun(ctx, e, outcome)
	case lockbox.EventRunCancelled:
		return j.finishRun(ctx, e, OutcomeCancelled)
	case lockbox.EventStateChanged:
		return j.addTransition(ctx, e)
	default:
		return nil
	}
}

func (j *Journal) startRun(ctx context.Context, e lockbox.Event) error {
	var overrides any
	if len(e.Overrides) > 0 {
		data, err := json.Marshal(e.Overrides)
		if err != nil {
			return fmt.Errorf("encode overrides: %w", err)
		}
		overrides = string(data)
	}
	_, err := j.exec(ctx,
		`INSERT INTO runs (id, started_at, outcome, overrides) VALUES (?, ?, ?, ?)`,
		e.RunID, formatTime(e.At), string(OutcomeRunning), overrides,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", e.RunID, err)
	}
	return nil
}

func (j *Journal) finishRun(ctx context.Context, e lockbox.Event, outcome Outcome) error {
	res, err := j.exec(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ?, reason = ?, error = ?, elapsed_ms = ?
		 WHERE id = ? AND outcome = ?`,
		formatTime(e.At), string(outcome), nullableString(e.Reason), nullableString(e.Error),
		e.Elapsed.Milliseconds(), e.RunID, string(OutcomeRunning),
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", e.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: no open run", e.RunID)
	}
	return nil
}

func (j *Journal) addTransition(ctx context.Context, e lockbox.Event) error {
	_, err := j.exec(ctx,
		`INSERT INTO transitions (at, previous, state, stage, run_id) VALUES (?, ?, ?, ?, ?)`,
		formatTime(e.At), e.Previous.String(), e.State.String(), nullableString(e.Stage), nullableString(e.RunID),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. A limit <= 0 returns all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, started_at, finished_at, outcome, reason, error, elapsed_ms, overrides
		FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a single run or nil when the id is unknown.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx = ensureContext(ctx)
	row := j.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, outcome, reason, error, elapsed_ms, overrides
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Transitions returns the most recent state changes, newest first. A limit
// <= 0 returns all.
func (j *Journal) Transitions(ctx context.Context, limit int) ([]Transition, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, at, previous, state, stage, run_id FROM transitions ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr           Transition
			at           string
			stage, runID sql.NullString
		)
		if err := rows.Scan(&tr.ID, &at, &tr.Previous, &tr.State, &stage, &runID); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if tr.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse transition time: %w", err)
		}
		tr.Stage = stage.String
		tr.RunID = runID.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Prune deletes finished runs and transitions older than cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	stamp := formatTime(cutoff)
	res, err := j.exec(ctx, `DELETE FROM runs WHERE outcome != ? AND started_at < ?`, string(OutcomeRunning), stamp)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	removed, _ := res.RowsAffected()
	res, err = j.exec(ctx, `DELETE FROM transitions WHERE at < ?`, stamp)
	if err != nil {
		return removed, fmt.Errorf("prune transitions: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

// CloseOpenRuns marks runs left running by a previous process as cancelled.
func (j *Journal) CloseOpenRuns(ctx context.Context, at time.Time) (int64, error) {
	res, err := j.exec(ctx,
		`UPDATE runs SET outcome = ?, finished_at = ?, reason = ? WHERE outcome = ?`,
		string(OutcomeCancelled), formatTime(at), "daemon restarted", string(OutcomeRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("close open runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                      Run
		started                  string
		finished, reason, errMsg sql.NullString
		overrides                sql.NullString
		elapsedMS                sql.NullInt64
		outcome                  string
	)
	if err := row.Scan(&run.ID, &started, &finished, &outcome, &reason, &errMsg, &elapsedMS, &overrides); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, fmt.Errorf("parse run start: %w", err)
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse run finish: %w", err)
		}
		run.FinishedAt = &t
	}
	run.Outcome = Outcome(outcome)
	run.Reason = reason.String
	run.Error = errMsg.String
	run.Elapsed = time.Duration(elapsedMS.Int64) * time.Millisecond
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &run.Overrides); err != nil {
			return Run{}, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return run, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
