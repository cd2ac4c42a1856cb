package collab

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// maxParallel bounds concurrently running probes and actions.
const maxParallel = 8

// probe is one named command whose output becomes part of the observed state.
type probe struct {
	name    string
	command string
	invalid string // Set when the probe could not be parsed
}

// ShellObserver runs probe commands through a shell and reports each as
// {"rc": n, "stdout": "...", "stderr": "..."} under the probe's name.
type ShellObserver struct {
	shell  []string
	probes []probe
}

// NewShellObserver creates an observer running the given probes (name to
// command) through shell, e.g. "/bin/sh".
func NewShellObserver(shell string, probes map[string]string) (*ShellObserver, error) {
	argv, err := splitCommand(shell)
	if err != nil {
		return nil, fmt.Errorf("observer shell: %w", err)
	}
	o := &ShellObserver{shell: argv}
	for name, command := range probes {
		o.probes = append(o.probes, probe{name: name, command: command})
	}
	return o, nil
}

// Observe runs the configured probes plus the extra ones a decision asked
// for. An extra probe is either a command string, named after itself, or an
// object {"name": ..., "command": ...}. Extra probes override configured
// probes of the same name.
//
// Probes see the loop described by ec through the LOOPD_* environment
// variables. A probe that cannot be started is reported with an "error"
// member; only cancellation of ctx fails the whole observation.
func (o *ShellObserver) Observe(ctx context.Context, ec model.ExecContext, extra []any) (doc.Object, error) {
	env := execEnv(ec)
	byName := make(map[string]probe, len(o.probes)+len(extra))
	for _, p := range o.probes {
		byName[p.name] = p
	}
	for i, v := range extra {
		p, err := parseProbe(v)
		if err != nil {
			p = probe{name: fmt.Sprintf("probe_%d", i), invalid: err.Error()}
		}
		byName[p.name] = p
	}

	var mu sync.Mutex
	out := make(doc.Object, len(byName))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, p := range byName {
		g.Go(func() error {
			entry := o.run(gctx, p, env)
			mu.Lock()
			out[p.name] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	return out, nil
}

func (o *ShellObserver) run(ctx context.Context, p probe, env []string) doc.Object {
	if p.invalid != "" {
		return doc.Object{"error": p.invalid}
	}
	argv := append(append([]string(nil), o.shell...), "-c", p.command)
	res, err := runCommand(ctx, argv, nil, env)
	if err != nil {
		return doc.Object{"error": err.Error()}
	}
	return doc.Object{"rc": res.RC, "stdout": res.Stdout, "stderr": res.Stderr}
}

func parseProbe(v any) (probe, error) {
	switch p := v.(type) {
	case string:
		if p == "" {
			return probe{}, fmt.Errorf("empty probe")
		}
		return probe{name: p, command: p}, nil
	case map[string]any:
		command, _ := p["command"].(string)
		if command == "" {
			return probe{}, fmt.Errorf("probe without command")
		}
		name, _ := p["name"].(string)
		if name == "" {
			name = command
		}
		return probe{name: name, command: command}, nil
	default:
		return probe{}, fmt.Errorf("unsupported probe type %T", v)
	}
}
