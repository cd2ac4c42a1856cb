package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/loopd/internal/model"
)

// All reads go through the read-only pool. Results are ordered by their
// natural sequence (id or n) so repeated reads return identical slices.

const loopColumns = `
	id, name, status, mode, desired_state, inventory, group_names, interval_ms, max_iterations,
	lease_owner, lease_expires_at, next_run_at, created_at, started_at, completed_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLoop(row scanner) (model.Loop, error) {
	var (
		l                      model.Loop
		status, mode, groups   string
		intervalMs, createdAt  int64
		leaseOwner             sql.NullString
		leaseExpires, nextRun  sql.NullInt64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&l.ID, &l.Name, &status, &mode, &l.DesiredState, &l.Inventory, &groups, &intervalMs, &l.MaxIterations,
		&leaseOwner, &leaseExpires, &nextRun, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Loop{}, err
	}
	l.Status = model.LoopStatus(status)
	l.Mode = model.LoopMode(mode)
	if l.Groups, err = unmarshalStrings("groups", groups); err != nil {
		return model.Loop{}, err
	}
	l.Interval = time.Duration(intervalMs) * time.Millisecond
	l.LeaseOwner = leaseOwner.String
	l.LeaseExpiresAt = timePtr(leaseExpires)
	l.NextRunAt = timePtr(nextRun)
	l.CreatedAt = fromMillis(createdAt)
	l.StartedAt = timePtr(startedAt)
	l.CompletedAt = timePtr(completedAt)
	return l, nil
}

func collect[T any](rows *sql.Rows, what string, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// GetLoop retrieves a single loop by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetLoop(ctx context.Context, id int64) (model.Loop, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM loops WHERE id = ?`, id)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Loop{}, fmt.Errorf("loop %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Loop{}, fmt.Errorf("get loop %d: %w", id, err)
	}
	return l, nil
}

// ListLoops returns loops in id order. An empty status returns every loop.
func (s *Store) ListLoops(ctx context.Context, status model.LoopStatus) ([]model.Loop, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.ro.QueryContext(ctx, `SELECT `+loopColumns+` FROM loops ORDER BY id ASC`)
	} else {
		rows, err = s.ro.QueryContext(ctx, `
			SELECT `+loopColumns+` FROM loops WHERE status = ? ORDER BY id ASC
		`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("query loops: %w", err)
	}
	return collect(rows, "loops", scanLoop)
}

// ListClaimable returns running loops with no live lease whose next run is
// due at now, in id order.
func (s *Store) ListClaimable(ctx context.Context, now time.Time) ([]model.Loop, error) {
	ms := toMillis(now)
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+loopColumns+` FROM loops
		WHERE status = 'running'
		  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY id ASC
	`, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("query claimable loops: %w", err)
	}
	return collect(rows, "loops", scanLoop)
}

// NextWakeup returns the earliest next_run_at among parked running loops.
// ok is false when no loop is parked.
func (s *Store) NextWakeup(ctx context.Context) (t time.Time, ok bool, err error) {
	var ms sql.NullInt64
	err = s.ro.QueryRowContext(ctx, `
		SELECT MIN(next_run_at) FROM loops WHERE status = 'running' AND next_run_at IS NOT NULL
	`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next wakeup: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

const iterationColumns = `
	id, loop_id, increment_id, n, converged, reasoning, observations, observe_requested, created_at, completed_at`

func scanIteration(row scanner) (model.Iteration, error) {
	var (
		it                     model.Iteration
		incrementID, converged sql.NullInt64
		observations           string
		createdAt              int64
		completedAt            sql.NullInt64
	)
	err := row.Scan(
		&it.ID, &it.LoopID, &incrementID, &it.N, &converged, &it.Reasoning, &observations,
		&it.ObservationsRequested, &createdAt, &completedAt,
	)
	if err != nil {
		return model.Iteration{}, err
	}
	it.IncrementID = int64Ptr(incrementID)
	it.Converged = boolPtr(converged)
	if it.Observations, err = unmarshalObject("observations", observations); err != nil {
		return model.Iteration{}, err
	}
	it.CreatedAt = fromMillis(createdAt)
	it.CompletedAt = timePtr(completedAt)
	return it, nil
}

// ListIterations returns a loop's committed iterations ordered by n.
func (s *Store) ListIterations(ctx context.Context, loopID int64) ([]model.Iteration, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+iterationColumns+` FROM iterations WHERE loop_id = ? ORDER BY n ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	return collect(rows, "iterations", scanIteration)
}

// LastIterationNumber returns the highest committed iteration number for a
// loop, or -1 when none exists. The resume-from index is this plus one.
func (s *Store) LastIterationNumber(ctx context.Context, loopID int64) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(n), -1) FROM iterations WHERE loop_id = ?
	`, loopID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("last iteration number: %w", err)
	}
	return n, nil
}

const actionColumns = `
	a.id, a.iteration_id, a.host, a.module, a.params, a.status, a.rc, a.stdout, a.stderr,
	a.changed, a.error, a.started_at, a.completed_at`

func scanAction(row scanner) (model.Action, error) {
	var (
		a                      model.Action
		params, status         string
		rc, changed            sql.NullInt64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.IterationID, &a.Host, &a.Module, &params, &status, &rc, &a.Stdout, &a.Stderr,
		&changed, &a.Error, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Action{}, err
	}
	if a.Params, err = unmarshalObject("params", params); err != nil {
		return model.Action{}, err
	}
	a.Status = model.ActionStatus(status)
	a.RC = intPtr(rc)
	a.Changed = boolPtr(changed)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	return a, nil
}

// ActionsForIteration returns an iteration's actions in dispatch order.
func (s *Store) ActionsForIteration(ctx context.Context, iterationID int64) ([]model.Action, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM actions a WHERE a.iteration_id = ? ORDER BY a.seq ASC
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	return collect(rows, "actions", scanAction)
}

// ActionsForLoop returns every action of a loop ordered by iteration n, then
// dispatch order.
func (s *Store) ActionsForLoop(ctx context.Context, loopID int64) ([]model.Action, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions a
		JOIN iterations i ON a.iteration_id = i.id
		WHERE i.loop_id = ?
		ORDER BY i.n ASC, a.seq ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	return collect(rows, "actions", scanAction)
}

// CountActions returns the number of actions stored for a loop.
func (s *Store) CountActions(ctx context.Context, loopID int64) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM actions a JOIN iterations i ON a.iteration_id = i.id WHERE i.loop_id = ?
	`, loopID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

const promptColumns = `
	id, loop_id, iteration_id, question, options, response, status, created_at, answered_at`

func scanPrompt(row scanner) (model.Prompt, error) {
	var (
		p               model.Prompt
		iterationID     sql.NullInt64
		options, status string
		response        sql.NullString
		createdAt       int64
		answeredAt      sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.LoopID, &iterationID, &p.Question, &options, &response, &status, &createdAt, &answeredAt)
	if err != nil {
		return model.Prompt{}, err
	}
	p.IterationID = int64Ptr(iterationID)
	if p.Options, err = unmarshalStrings("options", options); err != nil {
		return model.Prompt{}, err
	}
	if response.Valid {
		r := response.String
		p.Response = &r
	}
	p.Status = model.PromptStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.AnsweredAt = timePtr(answeredAt)
	return p, nil
}

// GetPrompt retrieves a single prompt by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetPrompt(ctx context.Context, id int64) (model.Prompt, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Prompt{}, fmt.Errorf("prompt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Prompt{}, fmt.Errorf("get prompt %d: %w", id, err)
	}
	return p, nil
}

// PendingPrompts returns unanswered prompts in id order. A zero loopID
// returns pending prompts across all loops.
func (s *Store) PendingPrompts(ctx context.Context, loopID int64) ([]model.Prompt, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if loopID == 0 {
		rows, err = s.ro.QueryContext(ctx, `
			SELECT `+promptColumns+` FROM prompts WHERE status = 'pending' ORDER BY id ASC
		`)
	} else {
		rows, err = s.ro.QueryContext(ctx, `
			SELECT `+promptColumns+` FROM prompts WHERE loop_id = ? AND status = 'pending' ORDER BY id ASC
		`, loopID)
	}
	if err != nil {
		return nil, fmt.Errorf("query pending prompts: %w", err)
	}
	return collect(rows, "prompts", scanPrompt)
}

// PromptsForLoop returns every prompt of a loop in id order.
func (s *Store) PromptsForLoop(ctx context.Context, loopID int64) ([]model.Prompt, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM prompts WHERE loop_id = ? ORDER BY id ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	return collect(rows, "prompts", scanPrompt)
}

const incrementColumns = `id, loop_id, n, desired_state, status, is_fix, created_at, completed_at`

func scanIncrement(row scanner) (model.Increment, error) {
	var (
		inc         model.Increment
		status      string
		isFix       int64
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&inc.ID, &inc.LoopID, &inc.N, &inc.DesiredState, &status, &isFix, &createdAt, &completedAt)
	if err != nil {
		return model.Increment{}, err
	}
	inc.Status = model.IncrementStatus(status)
	inc.IsFix = isFix != 0
	inc.CreatedAt = fromMillis(createdAt)
	inc.CompletedAt = timePtr(completedAt)
	return inc, nil
}

// ListIncrements returns a loop's increments ordered by n.
func (s *Store) ListIncrements(ctx context.Context, loopID int64) ([]model.Increment, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+incrementColumns+` FROM increments WHERE loop_id = ? ORDER BY n ASC
	`, loopID)
	if err != nil {
		return nil, fmt.Errorf("query increments: %w", err)
	}
	return collect(rows, "increments", scanIncrement)
}

// CurrentIncrement returns the lowest-numbered pending increment of a loop.
// ok is false when every increment has been completed.
func (s *Store) CurrentIncrement(ctx context.Context, loopID int64) (inc model.Increment, ok bool, err error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+incrementColumns+` FROM increments
		WHERE loop_id = ? AND status = 'pending'
		ORDER BY n ASC LIMIT 1
	`, loopID)
	inc, err = scanIncrement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Increment{}, false, nil
	}
	if err != nil {
		return model.Increment{}, false, fmt.Errorf("current increment: %w", err)
	}
	return inc, true, nil
}

func scanRuleResult(row scanner) (model.RuleResult, error) {
	var (
		rr        model.RuleResult
		matched   int64
		approved  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&rr.ID, &rr.IterationID, &rr.RuleName, &rr.Condition, &matched, &approved, &rr.Reasoning, &createdAt)
	if err != nil {
		return model.RuleResult{}, err
	}
	rr.Matched = matched != 0
	rr.Approved = boolPtr(approved)
	rr.CreatedAt = fromMillis(createdAt)
	return rr, nil
}

// RuleResultsForIteration returns the rule evaluations recorded with an
// iteration in insertion order.
func (s *Store) RuleResultsForIteration(ctx context.Context, iterationID int64) ([]model.RuleResult, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, iteration_id, rule_name, condition, matched, approved, reasoning, created_at
		FROM rule_results WHERE iteration_id = ? ORDER BY id ASC
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("query rule results: %w", err)
	}
	return collect(rows, "rule results", scanRuleResult)
}
