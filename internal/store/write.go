package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// maxNameRunes bounds the loop name derived from its desired state.
const maxNameRunes = 80

// NewLoop describes a loop to submit.
type NewLoop struct {
	Name          string // Defaults to the first 80 characters of DesiredState
	Mode          model.LoopMode
	DesiredState  string
	Inventory     string
	Groups        []string
	Interval      time.Duration
	MaxIterations int
	Increments    []string // Ordered desired-state slices (incremental mode)
}

func (nl *NewLoop) validate() error {
	if nl.Mode == "" {
		nl.Mode = model.ModeSingle
	}
	if !nl.Mode.Valid() {
		return invalid("loop", 0, "unknown mode %q (valid: %s)", nl.Mode, strings.Join(model.ModeNames(), ", "))
	}
	if nl.DesiredState == "" && len(nl.Increments) == 0 {
		return invalid("loop", 0, "desired state is required")
	}
	if nl.MaxIterations <= 0 {
		return invalid("loop", 0, "max iterations must be positive, got %d", nl.MaxIterations)
	}
	if nl.Interval < 0 {
		return invalid("loop", 0, "interval must not be negative")
	}
	switch nl.Mode {
	case model.ModeIncremental:
		if len(nl.Increments) == 0 {
			return invalid("loop", 0, "incremental mode requires at least one increment")
		}
	case model.ModeContinuous:
		if nl.Interval <= 0 {
			return invalid("loop", 0, "continuous mode requires a positive interval")
		}
		fallthrough
	default:
		if len(nl.Increments) > 0 {
			return invalid("loop", 0, "increments are only valid in incremental mode")
		}
	}
	if nl.Name == "" {
		nl.Name = truncateRunes(nl.DesiredState, maxNameRunes)
		if nl.Name == "" {
			nl.Name = truncateRunes(nl.Increments[0], maxNameRunes)
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// CreateLoop submits a new loop in status pending, together with its
// increments, and returns its ID.
func (s *Store) CreateLoop(ctx context.Context, nl NewLoop) (int64, error) {
	if err := nl.validate(); err != nil {
		return 0, err
	}
	groups, err := marshalStrings("groups", nl.Groups)
	if err != nil {
		return 0, fmt.Errorf("create loop: %w", err)
	}

	now := toMillis(s.clock.Now())
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO loops
			(name, status, mode, desired_state, inventory, group_names, interval_ms, max_iterations, created_at)
			VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?)
		`,
			nl.Name,
			string(nl.Mode),
			nl.DesiredState,
			nl.Inventory,
			groups,
			nl.Interval.Milliseconds(),
			nl.MaxIterations,
			now,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for i, slice := range nl.Increments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO increments (loop_id, n, desired_state, status, is_fix, created_at)
				VALUES (?, ?, ?, 'pending', 0, ?)
			`, id, i+1, slice, now); err != nil {
				return fmt.Errorf("increment %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create loop: %w", err)
	}
	return id, nil
}

// guard names a guarded UPDATE for error messages. to is the status the
// update moves the loop to, empty for lease changes that keep the status.
type guard struct {
	verb string
	to   model.LoopStatus
}

// transition runs a guarded status UPDATE. When no row matches, it reads the
// loop back inside the same transaction to report ErrNotFound or a
// ValidationError naming the current status.
func (s *Store) transition(ctx context.Context, id int64, g guard, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTx(ctx, tx, id, g, query, args...)
	})
}

func transitionTx(ctx context.Context, tx *sql.Tx, id int64, g guard, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s loop %d: %w", g.verb, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s loop %d: %w", g.verb, id, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM loops WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s loop %d: %w", g.verb, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s loop %d: %w", g.verb, id, err)
	}
	return refused(id, g, model.LoopStatus(status))
}

// refused explains why a guarded update matched no row of an existing loop.
func refused(id int64, g guard, from model.LoopStatus) *ValidationError {
	switch {
	case from.Terminal():
		return invalid("loop", id, "cannot %s: loop is %s", g.verb, from)
	case g.to != "" && !model.CanTransition(from, g.to):
		return invalid("loop", id, "cannot %s from status %s (%s to %s is not a transition)", g.verb, from, from, g.to)
	default:
		return invalid("loop", id, "cannot %s from status %s", g.verb, from)
	}
}

// StartLoop moves a pending loop to running and gives the lease to owner.
func (s *Store) StartLoop(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	return s.transition(ctx, id, guard{"start", model.LoopRunning}, `
		UPDATE loops
		SET status = 'running', started_at = COALESCE(started_at, ?),
		    lease_owner = ?, lease_expires_at = ?, next_run_at = NULL
		WHERE id = ? AND status = 'pending'
	`, toMillis(now), owner, toMillis(now.Add(ttl)), id)
}

// ClaimLoop takes the lease on a running loop that nobody holds a live lease
// on and whose next run is due.
func (s *Store) ClaimLoop(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	nowMs := toMillis(now)
	return s.transition(ctx, id, guard{verb: "claim"}, `
		UPDATE loops
		SET lease_owner = ?, lease_expires_at = ?, next_run_at = NULL
		WHERE id = ? AND status = 'running'
		  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND (next_run_at IS NULL OR next_run_at <= ?)
	`, owner, toMillis(now.Add(ttl)), id, nowMs, nowMs)
}

// RenewLease extends the lease held by owner.
func (s *Store) RenewLease(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	return s.transition(ctx, id, guard{verb: "renew lease on"}, `
		UPDATE loops SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?
	`, toMillis(s.clock.Now().Add(ttl)), id, owner)
}

// ReleaseLease drops the lease held by owner, leaving the loop running and
// immediately claimable.
func (s *Store) ReleaseLease(ctx context.Context, id int64, owner string) error {
	return s.transition(ctx, id, guard{verb: "release lease on"}, `
		UPDATE loops SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?
	`, id, owner)
}

// ParkLoop releases the lease on a running loop and schedules its next run.
// Continuous loops are parked between passes.
func (s *Store) ParkLoop(ctx context.Context, id int64, owner string, nextRun time.Time) error {
	return s.transition(ctx, id, guard{verb: "park"}, `
		UPDATE loops
		SET lease_owner = NULL, lease_expires_at = NULL, next_run_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?
	`, toMillis(nextRun), id, owner)
}

// PauseLoop moves a running loop to paused and drops its lease.
func (s *Store) PauseLoop(ctx context.Context, id int64) error {
	return s.transition(ctx, id, guard{"pause", model.LoopPaused}, `
		UPDATE loops
		SET status = 'paused', lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'running'
	`, id)
}

// ResumeLoop moves a paused loop back to running, unleased, so the next
// scheduler tick claims it. It is rejected while any prompt on the loop is
// still pending.
func (s *Store) ResumeLoop(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM prompts WHERE loop_id = ? AND status = 'pending'
		`, id).Scan(&pending); err != nil {
			return fmt.Errorf("resume loop %d: %w", id, err)
		}
		if pending > 0 {
			return invalid("loop", id, "cannot resume with %d pending prompt(s)", pending)
		}
		return transitionTx(ctx, tx, id, guard{"resume", model.LoopRunning}, `
			UPDATE loops
			SET status = 'running', lease_owner = NULL, lease_expires_at = NULL, next_run_at = NULL
			WHERE id = ? AND status = 'paused'
		`, id)
	})
}

// CompleteLoop finalizes a running loop as completed (converged) or failed.
// A paused loop is rejected, so a suspension is never overwritten.
func (s *Store) CompleteLoop(ctx context.Context, id int64, converged bool) error {
	status := model.LoopFailed
	if converged {
		status = model.LoopCompleted
	}
	return s.transition(ctx, id, guard{"complete", status}, `
		UPDATE loops
		SET status = ?, completed_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL, next_run_at = NULL
		WHERE id = ? AND status = 'running'
	`, string(status), toMillis(s.clock.Now()), id)
}

// ReclaimOrphans clears every lease on running loops. A single worker calls
// it once at startup: any lease still present was left by a dead process.
// Returns the number of loops reclaimed.
func (s *Store) ReclaimOrphans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loops SET lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'running' AND lease_owner IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim orphans: %w", err)
	}
	return n, nil
}

// InsertIncrement appends an increment numbered after the loop's last one.
func (s *Store) InsertIncrement(ctx context.Context, loopID int64, desiredState string, isFix bool) (model.Increment, error) {
	now := s.clock.Now()
	inc := model.Increment{
		LoopID:       loopID,
		DesiredState: desiredState,
		Status:       model.IncrementPending,
		IsFix:        isFix,
		CreatedAt:    fromMillis(toMillis(now)),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(n), 0) + 1 FROM increments WHERE loop_id = ?
		`, loopID).Scan(&inc.N); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO increments (loop_id, n, desired_state, status, is_fix, created_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
		`, loopID, inc.N, desiredState, boolInt(isFix), toMillis(now))
		if err != nil {
			return err
		}
		inc.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.Increment{}, fmt.Errorf("insert increment: %w", err)
	}
	return inc, nil
}

// CompleteIncrement moves a pending increment to converged or failed.
func (s *Store) CompleteIncrement(ctx context.Context, id int64, converged bool) error {
	status := model.IncrementFailed
	if converged {
		status = model.IncrementConverged
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE increments SET status = ?, completed_at = ?
			WHERE id = ? AND status = 'pending'
		`, string(status), toMillis(s.clock.Now()), id)
		if err != nil {
			return fmt.Errorf("complete increment %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("complete increment %d: %w", id, err)
		} else if n > 0 {
			return nil
		}
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM increments WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete increment %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete increment %d: %w", id, err)
		}
		return invalid("increment", id, "cannot complete from status %s", current)
	})
}

// IterationRecord is everything committed for one iteration.
type IterationRecord struct {
	LoopID                int64
	IncrementID           *int64
	N                     int
	Converged             bool
	Reasoning             string
	Observations          doc.Object
	ObservationsRequested int
	Actions               []model.ActionSpec
	Results               []model.ActionResult // One per action, same order
	RuleResults           []model.RuleEvaluation
	Prompt                *model.Ask
	StartedAt             time.Time // Zero means commit time
}

// Checkpoint identifies the rows written by RecordIteration.
type Checkpoint struct {
	IterationID int64
	ActionIDs   []int64
	PromptID    int64 // Zero when no prompt was raised
}

// RecordIteration commits an iteration with its actions, rule results and
// optional prompt in a single transaction.
//
// It rejects, without writing anything:
//   - a loop that is not running
//   - an iteration number other than the last committed n plus one
//   - an increment that is not pending or belongs to another loop
//   - a prompt when the loop already has a pending one
//   - a result count that differs from the action count
func (s *Store) RecordIteration(ctx context.Context, rec IterationRecord) (Checkpoint, error) {
	if len(rec.Actions) != len(rec.Results) {
		return Checkpoint{}, invalid("iteration", 0, "%d actions but %d results", len(rec.Actions), len(rec.Results))
	}
	if rec.Prompt != nil && rec.Prompt.Question == "" {
		return Checkpoint{}, invalid("prompt", 0, "question is required")
	}

	observations, err := marshalObject("observations", rec.Observations)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("record iteration: %w", err)
	}
	params := make([]string, len(rec.Actions))
	for i, a := range rec.Actions {
		if params[i], err = marshalObject("params", a.Params); err != nil {
			return Checkpoint{}, fmt.Errorf("record iteration: action %d: %w", i, err)
		}
	}
	var options string
	if rec.Prompt != nil {
		if options, err = marshalStrings("options", rec.Prompt.Options); err != nil {
			return Checkpoint{}, fmt.Errorf("record iteration: %w", err)
		}
	}

	now := toMillis(s.clock.Now())
	started := now
	if !rec.StartedAt.IsZero() {
		started = toMillis(rec.StartedAt)
	}

	var cp Checkpoint
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM loops WHERE id = ?`, rec.LoopID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loop %d: %w", rec.LoopID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if model.LoopStatus(status) != model.LoopRunning {
			return invalid("loop", rec.LoopID, "cannot record iteration in status %s", status)
		}

		if rec.IncrementID != nil {
			var owner int64
			var incStatus string
			err := tx.QueryRowContext(ctx, `
				SELECT loop_id, status FROM increments WHERE id = ?
			`, *rec.IncrementID).Scan(&owner, &incStatus)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("increment %d: %w", *rec.IncrementID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			if owner != rec.LoopID || model.IncrementStatus(incStatus) != model.IncrementPending {
				return invalid("increment", *rec.IncrementID, "not a pending increment of loop %d", rec.LoopID)
			}
		}

		var last int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(n), -1) FROM iterations WHERE loop_id = ?
		`, rec.LoopID).Scan(&last); err != nil {
			return err
		}
		if rec.N != last+1 {
			return invalid("iteration", 0, "loop %d expects iteration %d, got %d", rec.LoopID, last+1, rec.N)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO iterations
			(loop_id, increment_id, n, converged, reasoning, observations, observe_requested, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.LoopID,
			nullInt64(rec.IncrementID),
			rec.N,
			boolInt(rec.Converged),
			rec.Reasoning,
			observations,
			rec.ObservationsRequested,
			started,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert iteration: %w", err)
		}
		if cp.IterationID, err = res.LastInsertId(); err != nil {
			return err
		}

		for i, a := range rec.Actions {
			r := rec.Results[i]
			res, err := tx.ExecContext(ctx, `
				INSERT INTO actions
				(iteration_id, seq, host, module, params, status, rc, stdout, stderr, changed, error, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				cp.IterationID,
				i,
				a.Host,
				a.Module,
				params[i],
				string(r.Status()),
				nullInt(r.RC),
				r.Stdout,
				r.Stderr,
				boolInt(r.Changed),
				r.Error,
				started,
				now,
			)
			if err != nil {
				return fmt.Errorf("insert action %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			cp.ActionIDs = append(cp.ActionIDs, id)
		}

		for _, rr := range rec.RuleResults {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rule_results
				(iteration_id, rule_name, condition, matched, approved, reasoning, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`,
				cp.IterationID,
				rr.Rule,
				rr.Condition,
				boolInt(rr.Matched),
				nullBool(rr.Approved),
				rr.Reasoning,
				now,
			); err != nil {
				return fmt.Errorf("insert rule result %q: %w", rr.Rule, err)
			}
		}

		if rec.Prompt != nil {
			var pending int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM prompts WHERE loop_id = ? AND status = 'pending'
			`, rec.LoopID).Scan(&pending); err != nil {
				return err
			}
			if pending > 0 {
				return invalid("prompt", 0, "loop %d already has a pending prompt", rec.LoopID)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO prompts (loop_id, iteration_id, question, options, status, created_at)
				VALUES (?, ?, ?, ?, 'pending', ?)
			`, rec.LoopID, cp.IterationID, rec.Prompt.Question, options, now)
			if err != nil {
				return fmt.Errorf("insert prompt: %w", err)
			}
			if cp.PromptID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("record iteration: %w", err)
	}
	return cp, nil
}

// RespondPrompt answers a pending prompt. A prompt is answered exactly once;
// a second response is a ValidationError.
func (s *Store) RespondPrompt(ctx context.Context, id int64, response string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE prompts SET status = 'answered', response = ?, answered_at = ?
			WHERE id = ? AND status = 'pending'
		`, response, toMillis(s.clock.Now()), id)
		if err != nil {
			return fmt.Errorf("respond prompt %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("respond prompt %d: %w", id, err)
		} else if n > 0 {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM prompts WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("respond prompt %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("respond prompt %d: %w", id, err)
		}
		return invalid("prompt", id, "already %s", status)
	})
}
