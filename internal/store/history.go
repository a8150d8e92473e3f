package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a workflow instance.
type RunStatus string

const (
	RunRunning RunStatus = "Running"
	RunDone    RunStatus = "Done"
	RunFailed  RunStatus = "Failed"
)

// Terminal reports whether no further progress will be made.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunFailed
}

// Activity outcomes recorded in activity_completions.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Run is the durable record of one workflow instance.
type Run struct {
	InstanceID string          `json:"instance_id"`
	Workflow   string          `json:"workflow"`
	Status     RunStatus       `json:"status"`
	Phase      string          `json:"phase"`
	Generation int64           `json:"generation"`
	Input      json.RawMessage `json:"input"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ActivityInvocation records that the seq-th activity of a generation was
// scheduled. ID is content-addressed (see package ident).
type ActivityInvocation struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	Generation int64           `json:"generation"`
	Seq        int64           `json:"seq"`
	Activity   string          `json:"activity"`
	Input      json.RawMessage `json:"input"`
	InputHash  string          `json:"input_hash"`
}

// ActivityCompletion records the terminal outcome of an invocation: success
// with an output, or failure after the retry budget was spent.
type ActivityCompletion struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Outcome      string          `json:"outcome"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
}

// HistoryEntry pairs an invocation with its completion, if any.
type HistoryEntry struct {
	Invocation ActivityInvocation  `json:"invocation"`
	Completion *ActivityCompletion `json:"completion,omitempty"`
}

// CreateRun registers a new run for run.InstanceID.
//
// If the instance does not exist it is inserted. If it exists in a terminal
// state it is reset to generation 0 and its history discarded. If it is
// Running nothing changes and created is false.
func (s *Store) CreateRun(ctx context.Context, run Run, now time.Time) (created bool, err error) {
	input := string(run.Input)
	if input == "" {
		input = "null"
	}

	err = s.InTx(ctx, func(tx *Tx) error {
		result, err := tx.exec(ctx, `
			INSERT INTO runs
			(instance_id, workflow, status, phase, generation, input, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, '', ?, ?)
			ON CONFLICT(instance_id) DO NOTHING
		`, run.InstanceID, run.Workflow, string(RunRunning), run.Phase, input, now.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert run: rows affected: %w", err)
		}
		if n > 0 {
			created = true
			return nil
		}

		// Existing instance: restart only if it already finished.
		result, err = tx.exec(ctx, `
			UPDATE runs
			SET workflow = ?, status = ?, phase = ?, generation = 0, input = ?, error = '', updated_at = ?
			WHERE instance_id = ? AND status <> ?
		`, run.Workflow, string(RunRunning), run.Phase, input, now.UTC(), run.InstanceID, string(RunRunning))
		if err != nil {
			return fmt.Errorf("restart run: %w", err)
		}
		n, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("restart run: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		if err := tx.deleteHistory(ctx, run.InstanceID, -1); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("create run %s: %w", run.InstanceID, err)
	}
	return created, nil
}

// GetRun reads a run. Returns ErrNotFound if the instance does not exist.
func (s *Store) GetRun(ctx context.Context, instanceID string) (Run, error) {
	row := s.queryRow(ctx, `
		SELECT instance_id, workflow, status, phase, generation, input, error, created_at, updated_at
		FROM runs WHERE instance_id = ?
	`, instanceID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", instanceID, err)
	}
	return run, nil
}

// ListRuns returns runs with the given status (all runs if status is empty),
// ordered by instance id.
func (s *Store) ListRuns(ctx context.Context, status RunStatus) ([]Run, error) {
	query := `
		SELECT instance_id, workflow, status, phase, generation, input, error, created_at, updated_at
		FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY instance_id ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// SetRunPhase updates the phase of a running instance.
func (s *Store) SetRunPhase(ctx context.Context, instanceID, phase string, now time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE runs SET phase = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?
	`, phase, now.UTC(), instanceID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("set run phase %s: %w", instanceID, err)
	}
	return nil
}

// FinishRun moves a running instance to a terminal status. The current
// generation's history is kept for inspection.
func (s *Store) FinishRun(ctx context.Context, instanceID string, status RunStatus, phase, errMsg string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal", instanceID, status)
	}
	_, err := s.exec(ctx, `
		UPDATE runs SET status = ?, phase = ?, error = ?, updated_at = ?
		WHERE instance_id = ? AND status = ?
	`, string(status), phase, errMsg, now.UTC(), instanceID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run %s: %w", instanceID, err)
	}
	return nil
}

// ContinueRun ends generation fromGeneration and starts the next one with a
// fresh history and the given input. The history delete and the generation
// advance commit together. A run that has already moved past fromGeneration
// is left untouched.
func (s *Store) ContinueRun(ctx context.Context, instanceID string, fromGeneration int64, input json.RawMessage, phase string, now time.Time) error {
	err := s.InTx(ctx, func(tx *Tx) error {
		result, err := tx.exec(ctx, `
			UPDATE runs SET generation = ?, input = ?, phase = ?, updated_at = ?
			WHERE instance_id = ? AND generation = ? AND status = ?
		`, fromGeneration+1, string(input), phase, now.UTC(), instanceID, fromGeneration, string(RunRunning))
		if err != nil {
			return fmt.Errorf("advance generation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance generation: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		return tx.deleteHistory(ctx, instanceID, fromGeneration)
	})
	if err != nil {
		return fmt.Errorf("continue run %s: %w", instanceID, err)
	}
	return nil
}

// deleteHistory removes the invocations and completions of one generation,
// or of every generation when generation is negative.
func (t *Tx) deleteHistory(ctx context.Context, instanceID string, generation int64) error {
	filter := `instance_id = ?`
	args := []any{instanceID}
	if generation >= 0 {
		filter += ` AND generation = ?`
		args = append(args, generation)
	}

	if _, err := t.exec(ctx, `
		DELETE FROM activity_completions
		WHERE invocation_id IN (SELECT id FROM activity_invocations WHERE `+filter+`)
	`, args...); err != nil {
		return fmt.Errorf("delete completions: %w", err)
	}
	if _, err := t.exec(ctx, `DELETE FROM activity_invocations WHERE `+filter, args...); err != nil {
		return fmt.Errorf("delete invocations: %w", err)
	}
	return nil
}

// RecordInvocation inserts an invocation.
// ON CONFLICT DO NOTHING on (instance_id, generation, seq): when a record
// already occupies the slot it is returned with inserted=false so the caller
// can check that replay scheduled the same activity.
func (s *Store) RecordInvocation(ctx context.Context, inv ActivityInvocation) (recorded ActivityInvocation, inserted bool, err error) {
	result, err := s.exec(ctx, `
		INSERT INTO activity_invocations
		(id, instance_id, generation, seq, activity, input, input_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, inv.ID, inv.InstanceID, inv.Generation, inv.Seq, inv.Activity, string(inv.Input), inv.InputHash)
	if err != nil {
		return ActivityInvocation{}, false, fmt.Errorf("record invocation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return ActivityInvocation{}, false, fmt.Errorf("record invocation: rows affected: %w", err)
	}
	if n > 0 {
		return inv, true, nil
	}

	var input string
	err = s.queryRow(ctx, `
		SELECT id, instance_id, generation, seq, activity, input, input_hash
		FROM activity_invocations
		WHERE instance_id = ? AND generation = ? AND seq = ?
	`, inv.InstanceID, inv.Generation, inv.Seq).Scan(
		&recorded.ID, &recorded.InstanceID, &recorded.Generation, &recorded.Seq,
		&recorded.Activity, &input, &recorded.InputHash,
	)
	if err != nil {
		return ActivityInvocation{}, false, fmt.Errorf("record invocation: select existing: %w", err)
	}
	recorded.Input = json.RawMessage(input)
	return recorded, false, nil
}

// RecordCompletion inserts a completion. Each invocation completes once;
// a second completion for the same invocation is silently ignored.
func (s *Store) RecordCompletion(ctx context.Context, comp ActivityCompletion) error {
	_, err := s.exec(ctx, `
		INSERT INTO activity_completions
		(id, invocation_id, outcome, output, error, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, comp.ID, comp.InvocationID, comp.Outcome, string(comp.Output), comp.Error, comp.Attempts)
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// ReadGeneration returns the history of one generation in seq order.
func (s *Store) ReadGeneration(ctx context.Context, instanceID string, generation int64) ([]HistoryEntry, error) {
	rows, err := s.query(ctx, `
		SELECT i.id, i.instance_id, i.generation, i.seq, i.activity, i.input, i.input_hash,
		       c.id, c.outcome, c.output, c.error, c.attempts
		FROM activity_invocations i
		LEFT JOIN activity_completions c ON c.invocation_id = i.id
		WHERE i.instance_id = ? AND i.generation = ?
		ORDER BY i.seq ASC
	`, instanceID, generation)
	if err != nil {
		return nil, fmt.Errorf("read generation: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e        HistoryEntry
			input    string
			compID   sql.NullString
			outcome  sql.NullString
			output   sql.NullString
			errMsg   sql.NullString
			attempts sql.NullInt64
		)
		if err := rows.Scan(
			&e.Invocation.ID, &e.Invocation.InstanceID, &e.Invocation.Generation, &e.Invocation.Seq,
			&e.Invocation.Activity, &input, &e.Invocation.InputHash,
			&compID, &outcome, &output, &errMsg, &attempts,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Invocation.Input = json.RawMessage(input)
		if compID.Valid {
			e.Completion = &ActivityCompletion{
				ID:           compID.String,
				InvocationID: e.Invocation.ID,
				Outcome:      outcome.String,
				Error:        errMsg.String,
				Attempts:     int(attempts.Int64),
			}
			if output.String != "" {
				e.Completion.Output = json.RawMessage(output.String)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run    Run
		status string
		input  string
	)
	if err := row.Scan(
		&run.InstanceID, &run.Workflow, &status, &run.Phase, &run.Generation,
		&input, &run.Error, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.Input = json.RawMessage(input)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
