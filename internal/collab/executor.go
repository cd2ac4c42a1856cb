package collab

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/loopd/internal/model"
)

// Modules understood by ShellExecutor.
const (
	ModuleShell   = "shell"   // params: {"cmd": "script"}; run through the shell
	ModuleCommand = "command" // params: {"argv": [...]} or {"cmd": "line"}; run directly
)

// ShellExecutor runs shell and command actions on the local machine.
//
// Actions of one call run concurrently; results keep the action order.
// Unknown modules and non-local hosts yield a failed result rather than an
// error, so one bad action never hides the results of the others. Commands
// see the loop they act for through the LOOPD_* environment variables.
type ShellExecutor struct {
	shell  []string
	logger *slog.Logger
}

// NewShellExecutor creates an executor running scripts through shell.
func NewShellExecutor(shell string, logger *slog.Logger) (*ShellExecutor, error) {
	argv, err := splitCommand(shell)
	if err != nil {
		return nil, fmt.Errorf("executor shell: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellExecutor{shell: argv, logger: logger}, nil
}

// Execute runs actions and returns one result per action. In dry-run mode
// nothing runs and every result reports changed=false.
func (x *ShellExecutor) Execute(ctx context.Context, ec model.ExecContext, actions []model.ActionSpec, dryRun bool) ([]model.ActionResult, error) {
	results := make([]model.ActionResult, len(actions))
	if dryRun {
		for i, a := range actions {
			rc := 0
			results[i] = model.ActionResult{RC: &rc, Stdout: fmt.Sprintf("dry-run: skipped %s", a.Module)}
		}
		return results, nil
	}

	env := execEnv(ec)
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, a := range actions {
		g.Go(func() error {
			results[i] = x.run(ctx, a, env)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return results, nil
}

func (x *ShellExecutor) run(ctx context.Context, a model.ActionSpec, env []string) model.ActionResult {
	if !isLocal(a.Host) {
		return failed(fmt.Sprintf("host %q is not reachable by the local executor", a.Host))
	}

	argv, err := x.argv(a)
	if err != nil {
		return failed(err.Error())
	}

	res, err := runCommand(ctx, argv, nil, env)
	if err != nil {
		return failed(err.Error())
	}
	x.logger.Debug("action finished", "module", a.Module, "host", a.Host, "rc", res.RC)
	rc := res.RC
	return model.ActionResult{
		RC:      &rc,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Changed: rc == 0,
		Failed:  rc != 0,
	}
}

func (x *ShellExecutor) argv(a model.ActionSpec) ([]string, error) {
	switch a.Module {
	case ModuleShell:
		script, _ := a.Params["cmd"].(string)
		if script == "" {
			return nil, fmt.Errorf("shell action requires params.cmd")
		}
		return append(append([]string(nil), x.shell...), "-c", script), nil

	case ModuleCommand:
		if raw, ok := a.Params["argv"].([]any); ok && len(raw) > 0 {
			argv := make([]string, len(raw))
			for i, v := range raw {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("command action argv[%d] is not a string", i)
				}
				argv[i] = s
			}
			return argv, nil
		}
		line, _ := a.Params["cmd"].(string)
		if line == "" {
			return nil, fmt.Errorf("command action requires params.argv or params.cmd")
		}
		return splitCommand(line)

	default:
		return nil, fmt.Errorf("unsupported module %q", a.Module)
	}
}

func isLocal(host string) bool {
	switch host {
	case "", "localhost", "local", "127.0.0.1", "::1":
		return true
	}
	return false
}

func failed(msg string) model.ActionResult {
	return model.ActionResult{Failed: true, Error: msg}
}
