package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/loopd/internal/history"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

const (
	// DefaultPollInterval is the sleep between ticks.
	DefaultPollInterval = 5 * time.Second

	// DefaultLeaseTTL is how long a claimed loop stays leased without a
	// heartbeat.
	DefaultLeaseTTL = 10 * time.Minute
)

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	PollInterval   time.Duration
	IterationDelay time.Duration // Minimum spacing between iterations; zero disables pacing
	LeaseTTL       time.Duration
	Rules          []model.Rule
	Logger         *slog.Logger // Nil means slog.Default()
	Clock          Clock        // Nil means wall time
}

// Scheduler drains loops one at a time.
//
// Thread-safety model:
//   - Run() and Tick(): must be called from exactly one goroutine
//   - Every loop is driven to convergence, suspension or failure before the
//     next loop starts
//
// Shutdown is cooperative. Cancellation is observed only between iterations
// and between loops; an iteration in flight runs on a context detached from
// cancellation so it finishes and commits.
type Scheduler struct {
	store   *store.Store
	runner  *Runner
	owner   string
	cfg     SchedulerConfig
	clock   Clock
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler that leases loops as workerID.
func NewScheduler(s *store.Store, runner *Runner, workerID string, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	sch := &Scheduler{
		store:   s,
		runner:  runner,
		owner:   workerID,
		cfg:     cfg,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  cfg.Logger,
	}
	if sch.clock == nil {
		sch.clock = wallClock{}
	}
	if sch.logger == nil {
		sch.logger = slog.Default()
	}
	if cfg.IterationDelay > 0 {
		sch.limiter = rate.NewLimiter(rate.Every(cfg.IterationDelay), 1)
	}
	return sch
}

// Run reclaims loops orphaned by a previous process, then ticks until ctx
// is cancelled. Returns ctx.Err() on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "worker", s.owner, "poll_interval", s.cfg.PollInterval)

	if err := s.reclaim(ctx); err != nil {
		return err
	}

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("tick failed", "error", err)
		}

		timer := time.NewTimer(s.nextDelay(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping: context cancelled")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce reclaims orphaned loops and performs a single Tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.reclaim(ctx); err != nil {
		return err
	}
	return s.Tick(ctx)
}

func (s *Scheduler) reclaim(ctx context.Context) error {
	n, err := s.store.ReclaimOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("reclaimed orphaned loops", "count", n)
	}
	return nil
}

// Tick performs one scheduling pass:
//  1. start pending loops and claim unleased running loops, in id order,
//     driving each to convergence, suspension or failure
//  2. move paused loops with no pending prompt back to running; they are
//     driven by the next tick
//
// Store read failures abort the tick. Failures of a single loop are logged
// and leave that loop resumable.
func (s *Scheduler) Tick(ctx context.Context) error {
	pending, err := s.store.ListLoops(ctx, model.LoopPending)
	if err != nil {
		return err
	}
	claimable, err := s.store.ListClaimable(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	loops := append(pending, claimable...)
	sort.SliceStable(loops, func(i, j int) bool { return loops[i].ID < loops[j].ID })

	for _, loop := range loops {
		if ctx.Err() != nil {
			return nil
		}
		if !s.acquire(ctx, loop) {
			continue
		}
		s.drive(ctx, loop.ID)
	}

	paused, err := s.store.ListLoops(ctx, model.LoopPaused)
	if err != nil {
		return err
	}
	for _, loop := range paused {
		if ctx.Err() != nil {
			return nil
		}
		prompts, err := s.store.PendingPrompts(ctx, loop.ID)
		if err != nil {
			return err
		}
		if len(prompts) > 0 {
			continue
		}
		if err := s.store.ResumeLoop(ctx, loop.ID); err != nil {
			if store.IsValidation(err) {
				s.logger.Debug("resume skipped", "loop_id", loop.ID, "error", err)
				continue
			}
			return err
		}
		s.logger.Info("loop resumed", "loop_id", loop.ID)
	}
	return nil
}

// RunLoop drives a single loop inline: it starts the loop if pending or
// claims it if running, then runs it until it converges, suspends, fails or
// parks. Other loops are left alone. Paused and finished loops are rejected.
func (s *Scheduler) RunLoop(ctx context.Context, loopID int64) error {
	loop, err := s.store.GetLoop(ctx, loopID)
	if err != nil {
		return err
	}
	if loop.Status != model.LoopPending && loop.Status != model.LoopRunning {
		return fmt.Errorf("loop %d is %s", loopID, loop.Status)
	}
	if err := s.lease(ctx, loop); err != nil {
		return err
	}
	s.drive(ctx, loopID)
	return nil
}

// lease starts a pending loop or claims a running one for this worker.
func (s *Scheduler) lease(ctx context.Context, loop model.Loop) error {
	if loop.Status == model.LoopPending {
		return s.store.StartLoop(ctx, loop.ID, s.owner, s.cfg.LeaseTTL)
	}
	return s.store.ClaimLoop(ctx, loop.ID, s.owner, s.cfg.LeaseTTL)
}

// acquire takes the lease on a loop. A loop that changed state since it was
// listed is skipped.
func (s *Scheduler) acquire(ctx context.Context, loop model.Loop) bool {
	if err := s.lease(ctx, loop); err != nil {
		if store.IsValidation(err) || errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("loop not acquired", "loop_id", loop.ID, "error", err)
		} else {
			s.logger.Error("acquire loop failed", "loop_id", loop.ID, "error", err)
		}
		return false
	}
	return true
}

// pass is one convergence attempt: the whole loop in single mode, one
// increment otherwise.
type pass struct {
	incrementID  *int64
	desiredState string
}

type passEnd int

const (
	passConverged passEnd = iota + 1
	passSuspended
	passFailed
	passInterrupted // Shutdown or storage failure; the loop stays resumable
)

// drive runs a leased loop until it converges, suspends, fails, parks or
// is interrupted. Writes made here outlive cancellation of ctx.
func (s *Scheduler) drive(ctx context.Context, loopID int64) {
	wctx := context.WithoutCancel(ctx)
	log := s.logger.With("loop_id", loopID)

	loop, err := s.store.GetLoop(wctx, loopID)
	if err != nil {
		log.Error("read loop failed", "error", err)
		s.release(wctx, log, loopID)
		return
	}
	log = log.With("mode", string(loop.Mode))

	prompts, err := s.store.PendingPrompts(wctx, loopID)
	if err != nil {
		log.Error("read prompts failed", "error", err)
		s.release(wctx, log, loopID)
		return
	}
	if len(prompts) > 0 {
		log.Info("loop has pending prompt, pausing", "prompt_id", prompts[0].ID)
		s.finish(log, "pause", s.store.PauseLoop(wctx, loopID))
		return
	}

	log.Info("driving loop", "desired_state", truncate(loop.DesiredState, 80))
	for {
		if ctx.Err() != nil {
			s.release(wctx, log, loopID)
			return
		}

		p, done, err := s.nextPass(wctx, loop)
		if err != nil {
			log.Error("select pass failed", "error", err)
			s.release(wctx, log, loopID)
			return
		}
		if done {
			log.Info("all increments converged")
			s.finish(log, "complete", s.store.CompleteLoop(wctx, loopID, true))
			return
		}

		end := s.runPass(ctx, log, loop, p)
		switch end {
		case passConverged:
			if p.incrementID != nil {
				if err := s.store.CompleteIncrement(wctx, *p.incrementID, true); err != nil {
					log.Error("complete increment failed", "increment_id", *p.incrementID, "error", err)
					s.release(wctx, log, loopID)
					return
				}
			}
			switch loop.Mode {
			case model.ModeIncremental:
				continue
			case model.ModeContinuous:
				next := s.clock.Now().Add(loop.Interval)
				log.Info("pass converged, parking loop", "next_run_at", next)
				s.finish(log, "park", s.store.ParkLoop(wctx, loopID, s.owner, next))
			default:
				log.Info("loop converged")
				s.finish(log, "complete", s.store.CompleteLoop(wctx, loopID, true))
			}
			return

		case passSuspended:
			log.Info("loop paused, waiting for prompt response")
			s.finish(log, "pause", s.store.PauseLoop(wctx, loopID))
			return

		case passFailed:
			if p.incrementID != nil {
				if err := s.store.CompleteIncrement(wctx, *p.incrementID, false); err != nil {
					log.Error("fail increment failed", "increment_id", *p.incrementID, "error", err)
				}
			}
			log.Warn("loop failed")
			s.finish(log, "fail", s.store.CompleteLoop(wctx, loopID, false))
			return

		default:
			s.release(wctx, log, loopID)
			return
		}
	}
}

// nextPass selects the pass to run. done is true when an incremental loop
// has no pending increment left.
func (s *Scheduler) nextPass(ctx context.Context, loop model.Loop) (p pass, done bool, err error) {
	switch loop.Mode {
	case model.ModeIncremental, model.ModeContinuous:
		inc, ok, err := s.store.CurrentIncrement(ctx, loop.ID)
		if err != nil {
			return pass{}, false, err
		}
		if !ok {
			if loop.Mode == model.ModeIncremental {
				return pass{}, true, nil
			}
			if inc, err = s.store.InsertIncrement(ctx, loop.ID, loop.DesiredState, false); err != nil {
				return pass{}, false, err
			}
		}
		id := inc.ID
		return pass{incrementID: &id, desiredState: inc.DesiredState}, false, nil
	default:
		return pass{desiredState: loop.DesiredState}, false, nil
	}
}

// runPass drives iterations of one pass. History and the budget start from
// what is committed, so a restarted pass resumes at the next iteration.
func (s *Scheduler) runPass(ctx context.Context, log *slog.Logger, loop model.Loop, p pass) passEnd {
	wctx := context.WithoutCancel(ctx)

	hist, err := history.Load(wctx, s.store, loop.ID, p.incrementID)
	if err != nil {
		log.Error("load history failed", "error", err)
		return passInterrupted
	}
	if n := len(hist); n > 0 && hist[n-1].Converged {
		// Converged commit landed but the loop was never finalized.
		return passConverged
	}
	last, err := s.store.LastIterationNumber(wctx, loop.ID)
	if err != nil {
		log.Error("read last iteration failed", "error", err)
		return passInterrupted
	}
	next := last + 1
	if len(hist) > 0 {
		log.Info("resuming", "from_iteration", next, "committed", len(hist))
	}

	budget := NewBudget(loop.MaxIterations, len(hist))
	var probes []any
	for {
		if err := budget.Check(loop.ID); err != nil {
			log.Warn("iteration budget exhausted", "error", err)
			return passFailed
		}
		if ctx.Err() != nil {
			return passInterrupted
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return passInterrupted
		}

		res, err := s.runner.Run(wctx, Step{
			Loop:         loop,
			IncrementID:  p.incrementID,
			DesiredState: p.desiredState,
			N:            next,
			Index:        budget.Used(),
			Budget:       budget.Limit(),
			Rules:        s.cfg.Rules,
			History:      hist,
			Probes:       probes,
		})
		if err != nil {
			switch {
			case IsStorageError(err):
				log.Error("iteration not committed", "iteration", next, "error", err)
				return passInterrupted
			case IsExternalError(err):
				log.Error("collaborator call failed", "iteration", next, "error", err)
			default:
				log.Error("iteration failed", "iteration", next, "error", err)
			}
			return passFailed
		}

		hist = append(hist, res.Entry)
		budget.Spend()
		next++
		probes = res.Probes

		if err := s.store.RenewLease(wctx, loop.ID, s.owner, s.cfg.LeaseTTL); err != nil {
			log.Error("renew lease failed", "error", err)
			return passInterrupted
		}

		switch res.Outcome {
		case OutcomeConverged:
			return passConverged
		case OutcomeSuspended:
			return passSuspended
		}
	}
}

func (s *Scheduler) release(ctx context.Context, log *slog.Logger, loopID int64) {
	if err := s.store.ReleaseLease(ctx, loopID, s.owner); err != nil {
		log.Error("release lease failed", "error", err)
		return
	}
	log.Info("loop released")
}

func (s *Scheduler) finish(log *slog.Logger, what string, err error) {
	if err != nil {
		log.Error(what+" loop failed", "error", err)
	}
}

// nextDelay is the poll interval, shortened when a parked loop is due
// sooner.
func (s *Scheduler) nextDelay(ctx context.Context) time.Duration {
	d := s.cfg.PollInterval
	at, ok, err := s.store.NextWakeup(ctx)
	if err != nil || !ok {
		return d
	}
	if until := at.Sub(s.clock.Now()); until < d {
		d = max(until, 0)
	}
	return d
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
