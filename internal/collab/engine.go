package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/loopd/internal/decision"
	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// CommandEngine is a decision engine backed by an external program.
//
// Each Decide call starts the program, writes the request as canonical JSON
// to its stdin and parses a decision document from its stdout. A non-zero
// exit status is a failed call.
type CommandEngine struct {
	argv   []string
	logger *slog.Logger
}

// NewCommandEngine creates an engine running cmdline.
func NewCommandEngine(cmdline string, logger *slog.Logger) (*CommandEngine, error) {
	argv, err := splitCommand(cmdline)
	if err != nil {
		return nil, fmt.Errorf("decision engine: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandEngine{argv: argv, logger: logger}, nil
}

// Decide runs the program once.
func (e *CommandEngine) Decide(ctx context.Context, req model.DecideRequest) (model.Decision, error) {
	payload, err := doc.MarshalCanonical(req)
	if err != nil {
		return model.Decision{}, fmt.Errorf("encode decide request: %w", err)
	}

	res, err := runCommand(ctx, e.argv, payload, execEnv(model.ExecContext{
		LoopID:    req.LoopID,
		Inventory: req.Inventory,
		Groups:    req.Groups,
	}))
	if err != nil {
		return model.Decision{}, fmt.Errorf("decision engine: %w", err)
	}
	if res.RC != 0 {
		return model.Decision{}, fmt.Errorf("decision engine exited with status %d: %s", res.RC, firstLine(res.Stderr))
	}
	if res.Stderr != "" {
		e.logger.Debug("decision engine stderr", "loop_id", req.LoopID, "stderr", res.Stderr)
	}

	d, err := decision.Parse([]byte(res.Stdout))
	if err != nil {
		return model.Decision{}, fmt.Errorf("decision engine output: %w", err)
	}
	return d, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
