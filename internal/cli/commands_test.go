package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopd/internal/config"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/testutil"
)

// isolateEnv clears every variable config.Load reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{config.EnvConfig, config.EnvDatabase, config.EnvLogLevel, config.EnvLogFile, config.EnvPollInterval} {
		t.Setenv(key, "")
	}
}

// workspace is a temp dir holding a database and a config file.
type workspace struct {
	dir    string
	db     string
	config string
}

// newWorkspace writes a config whose decision engine runs engineScript
// through /bin/sh. An empty script leaves the engine unconfigured.
func newWorkspace(t *testing.T, engineScript string, observers map[string]string) *workspace {
	t.Helper()
	isolateEnv(t)
	dir := t.TempDir()
	w := &workspace{dir: dir, db: filepath.Join(dir, "loops.db"), config: filepath.Join(dir, "loopd.yaml")}

	var cfg bytes.Buffer
	fmt.Fprintf(&cfg, "database: %q\nrules_dir: %q\n", w.db, filepath.Join(dir, "rules"))
	fmt.Fprintf(&cfg, "log:\n  level: ERROR\n")
	fmt.Fprintf(&cfg, "worker:\n  poll_interval: 10ms\n  iteration_delay: 0s\n")
	fmt.Fprintf(&cfg, "collaborators:\n  shell: /bin/sh\n")
	if engineScript != "" {
		script := filepath.Join(dir, "engine.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+engineScript), 0o755))
		fmt.Fprintf(&cfg, "  engine: %q\n", "/bin/sh "+script)
	}
	if len(observers) > 0 {
		fmt.Fprintf(&cfg, "  observers:\n")
		for name, command := range observers {
			fmt.Fprintf(&cfg, "    %s: %q\n", name, command)
		}
	}
	require.NoError(t, os.WriteFile(w.config, cfg.Bytes(), 0o644))
	return w
}

// run executes the CLI against the workspace config.
func (w *workspace) run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Execute(context.Background(), append([]string{"--config", w.config}, args...), &out, &errOut)
	return out.String(), errOut.String(), code
}

// runJSON executes the CLI with --format json and decodes the data member.
func (w *workspace) runJSON(t *testing.T, data any, args ...string) {
	t.Helper()
	stdout, stderr, code := w.run(t, append([]string{"--format", "json"}, args...)...)
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)
	resp := struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func (w *workspace) detail(t *testing.T, id int64) LoopDetail {
	t.Helper()
	var d LoopDetail
	w.runJSON(t, &d, "status", fmt.Sprint(id))
	return d
}

func (w *workspace) submit(t *testing.T, args ...string) int64 {
	t.Helper()
	var res SubmitResult
	w.runJSON(t, &res, append([]string{"submit"}, args...)...)
	return res.ID
}

func TestInitDB(t *testing.T) {
	w := newWorkspace(t, "", nil)

	stdout, _, code := w.run(t, "init-db")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "database ready: "+w.db+"\n", stdout)
	assert.FileExists(t, w.db)

	// Idempotent
	_, _, code = w.run(t, "init-db")
	assert.Equal(t, ExitSuccess, code)
}

func TestDBFlagOverridesConfig(t *testing.T) {
	w := newWorkspace(t, "", nil)
	other := filepath.Join(w.dir, "other.db")

	_, _, code := w.run(t, "--db", other, "init-db")
	require.Equal(t, ExitSuccess, code)
	assert.FileExists(t, other)
	assert.NoFileExists(t, w.db)
}

func TestSubmit(t *testing.T) {
	w := newWorkspace(t, "", nil)

	stdout, _, code := w.run(t, "submit", "install nginx")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "loop 1 submitted (single)\n", stdout)

	d := w.detail(t, 1)
	assert.Equal(t, model.LoopPending, d.Status)
	assert.Equal(t, model.ModeSingle, d.Mode)
	assert.Equal(t, "install nginx", d.DesiredState)
	assert.Equal(t, 10, d.MaxIterations, "budget defaults from config")
	assert.Equal(t, 0, d.Iterations)
}

func TestSubmitIncremental(t *testing.T) {
	w := newWorkspace(t, "", nil)

	id := w.submit(t, "--mode", "incremental",
		"--increment", "install nginx",
		"--increment", "enable TLS, then reload",
		"--max-iterations", "3",
		"--group", "web", "--group", "edge")

	d := w.detail(t, id)
	assert.Equal(t, model.ModeIncremental, d.Mode)
	assert.Equal(t, 3, d.MaxIterations)
	assert.Equal(t, []string{"web", "edge"}, d.Groups)
	require.Len(t, d.Increments, 2)
	assert.Equal(t, "install nginx", d.Increments[0].DesiredState)
	assert.Equal(t, "enable TLS, then reload", d.Increments[1].DesiredState, "--increment values are not split on commas")
}

func TestSubmitContinuousDefaultsInterval(t *testing.T) {
	w := newWorkspace(t, "", nil)

	id := w.submit(t, "--mode", "continuous", "disk usage below 80%")
	d := w.detail(t, id)
	assert.Equal(t, config.Default().Defaults.Interval.Std(), d.Interval)
}

func TestSubmitInvalid(t *testing.T) {
	w := newWorkspace(t, "", nil)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no desired state", []string{"submit"}, "desired state is required"},
		{"unknown mode", []string{"submit", "--mode", "forever", "x"}, `unknown mode "forever" (valid: single, incremental, continuous)`},
		{"incremental without increments", []string{"submit", "--mode", "incremental", "x"}, "requires at least one increment"},
		{"increments outside incremental", []string{"submit", "--increment", "a", "x"}, "only valid in incremental mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, code := w.run(t, tt.args...)
			assert.Equal(t, ExitCommandError, code)
			assert.Contains(t, stderr, "Error [E_INVALID]")
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestStatusListing(t *testing.T) {
	w := newWorkspace(t, "", nil)

	stdout, _, code := w.run(t, "status")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "no loops\n", stdout)

	w.submit(t, "install nginx")
	w.submit(t, "install redis")

	stdout, _, code = w.run(t, "status")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "ID")
	assert.Contains(t, stdout, "install nginx")
	assert.Contains(t, stdout, "install redis")

	var rows []LoopSummary
	w.runJSON(t, &rows, "status", "--status", "pending")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].ID)
	assert.Equal(t, int64(2), rows[1].ID)

	w.runJSON(t, &rows, "status", "--status", "running")
	assert.Empty(t, rows)

	_, _, code = w.run(t, "status", "--status", "sleeping")
	assert.Equal(t, ExitCommandError, code)
}

func TestStatusUnknownLoop(t *testing.T) {
	w := newWorkspace(t, "", nil)

	stdout, _, code := w.run(t, "--format", "json", "status", "42")
	assert.Equal(t, ExitCommandError, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)

	_, stderr, code := w.run(t, "status", "abc")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, `invalid loop id "abc"`)
}

func TestRespondUnknownPrompt(t *testing.T) {
	w := newWorkspace(t, "", nil)

	_, stderr, code := w.run(t, "respond", "9", "yes")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "Error [E_NOT_FOUND]")
}

func TestWorkerRequiresEngine(t *testing.T) {
	w := newWorkspace(t, "", nil)

	_, stderr, code := w.run(t, "worker", "--once")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "collaborators.engine is not configured")
}

func TestWorkerConvergesWithRealCollaborators(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "nginx.installed")
	w := newWorkspace(t, `input=$(cat)
case "$input" in
  *'"stdout":"present'*) echo '{"converged": true, "reasoning": "nginx present"}' ;;
  *) echo '{"reasoning": "nginx missing", "actions": [{"module": "shell", "params": {"cmd": "touch `+marker+`"}}]}' ;;
esac
`, map[string]string{"nginx": "test -f " + marker + " && echo present || echo absent"})

	id := w.submit(t, "nginx installed")

	_, stderr, code := w.run(t, "worker", "--once")
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)
	assert.FileExists(t, marker)

	d := w.detail(t, id)
	assert.Equal(t, model.LoopCompleted, d.Status)
	assert.Equal(t, 2, d.Iterations)
	assert.Equal(t, 1, d.Actions)

	var entries []model.HistoryEntry
	w.runJSON(t, &entries, "history", fmt.Sprint(id))
	require.Len(t, entries, 2)
	assert.Equal(t, "nginx missing", entries[0].Reasoning)
	require.Len(t, entries[0].Results, 1)
	assert.True(t, entries[0].Results[0].Changed)
	assert.True(t, entries[1].Converged)

	stdout, _, code := w.run(t, "history", fmt.Sprint(id))
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "#0 nginx missing")
	assert.Contains(t, stdout, "- shell@local ok")
	assert.Contains(t, stdout, "#1 [converged] nginx present")
}

func TestHistoryAuditShowsRuleResults(t *testing.T) {
	w := newWorkspace(t, `input=$(cat)
case "$input" in
  *'"history":[]'*) echo '{"reasoning": "restart needed", "actions": [{"module": "shell", "params": {"cmd": "echo restarted; exit 3"}}], "rule_results": [{"rule": "no-reboot", "condition": "module == \"reboot\"", "matched": false, "approved": true, "reasoning": "restart is not a reboot"}]}' ;;
  *) echo '{"converged": true, "reasoning": "done"}' ;;
esac
`, nil)
	id := w.submit(t, "service restarted")

	_, stderr, code := w.run(t, "worker", "--once")
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)

	var audits []IterationAudit
	w.runJSON(t, &audits, "history", fmt.Sprint(id), "--audit")
	require.Len(t, audits, 2)
	require.Len(t, audits[0].Actions, 1)
	assert.Equal(t, model.ActionFailed, audits[0].Actions[0].Status)
	assert.Equal(t, "restarted\n", audits[0].Actions[0].Stdout)
	require.Len(t, audits[0].RuleResults, 1)
	assert.Equal(t, "no-reboot", audits[0].RuleResults[0].RuleName)
	assert.False(t, audits[0].RuleResults[0].Matched)
	assert.Empty(t, audits[1].RuleResults)

	stdout, _, code := w.run(t, "history", fmt.Sprint(id), "--audit")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "- shell@local failed rc=3")
	assert.Contains(t, stdout, "rule no-reboot: not matched, approved")
	assert.Contains(t, stdout, "restart is not a reboot")
	assert.Contains(t, stdout, "#1 [converged] done")
}

func TestRunDrivesNewLoopInline(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "nginx.installed")
	w := newWorkspace(t, `input=$(cat)
case "$input" in
  *'"stdout":"present'*) echo '{"converged": true, "reasoning": "nginx present"}' ;;
  *) echo '{"reasoning": "nginx missing", "actions": [{"module": "shell", "params": {"cmd": "echo $LOOPD_INVENTORY > `+marker+`"}}]}' ;;
esac
`, map[string]string{"nginx": "test -f " + marker + " && echo present || echo absent"})
	queued := w.submit(t, "left for the worker")

	var d LoopDetail
	w.runJSON(t, &d, "run", "--inventory", "inventory/prod.ini", "nginx installed")
	assert.Equal(t, model.LoopCompleted, d.Status)
	assert.Equal(t, 2, d.Iterations)
	assert.Equal(t, "inventory/prod.ini", d.Inventory)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "inventory/prod.ini\n", string(data))
	assert.Equal(t, model.LoopPending, w.detail(t, queued).Status)
}

func TestRunFailedLoopExitsOne(t *testing.T) {
	w := newWorkspace(t, `cat > /dev/null
echo '{"reasoning": "still waiting"}'
`, nil)

	stdout, stderr, code := w.run(t, "run", "--max-iterations", "2", "never converges")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "Status:")
	assert.Contains(t, stdout, "failed")
	assert.Contains(t, stderr, "loop 1 failed")

	stdout, _, code = w.run(t, "--format", "json", "run", "--max-iterations", "1", "never converges")
	assert.Equal(t, ExitFailure, code)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeLoopFailed, resp.Error.Code)
}

func TestRunRequiresEngine(t *testing.T) {
	w := newWorkspace(t, "", nil)

	_, stderr, code := w.run(t, "run", "anything")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "collaborators.engine is not configured")
}

func TestWorkerDryRunExecutesNothing(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "touched")
	w := newWorkspace(t, `cat > /dev/null
echo '{"reasoning": "create marker", "actions": [{"module": "shell", "params": {"cmd": "touch `+marker+`"}}]}'
`, nil)

	id := w.submit(t, "--max-iterations", "2", "marker exists")

	_, stderr, code := w.run(t, "worker", "--once", "--dry-run")
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)
	assert.NoFileExists(t, marker)

	d := w.detail(t, id)
	assert.Equal(t, model.LoopFailed, d.Status, "budget exhausted without convergence")
	assert.Equal(t, 2, d.Iterations)
}

func TestPromptRespondResume(t *testing.T) {
	w := newWorkspace(t, `input=$(cat)
case "$input" in
  *'"asked":'*) echo '{"converged": true, "reasoning": "approved"}' ;;
  *) echo '{"reasoning": "reboot needed", "ask": {"question": "reboot web1?", "options": ["yes", "no"]}}' ;;
esac
`, nil)
	id := w.submit(t, "kernel patched")

	_, stderr, code := w.run(t, "worker", "--once")
	require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)

	d := w.detail(t, id)
	assert.Equal(t, model.LoopPaused, d.Status)
	require.Len(t, d.PendingPrompts, 1)
	prompt := d.PendingPrompts[0]
	assert.Equal(t, "reboot web1?", prompt.Question)
	assert.Equal(t, []string{"yes", "no"}, prompt.Options)

	var rows []PromptRow
	w.runJSON(t, &rows, "prompts")
	require.Len(t, rows, 1)
	assert.Equal(t, prompt.ID, rows[0].ID)
	assert.Equal(t, "kernel patched", rows[0].LoopName)

	stdout, _, code := w.run(t, "respond", fmt.Sprint(prompt.ID), "yes")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, fmt.Sprintf("prompt %d answered", prompt.ID))

	_, stderr, code = w.run(t, "respond", fmt.Sprint(prompt.ID), "no")
	assert.Equal(t, ExitFailure, code, "a prompt is answered exactly once")
	assert.Contains(t, stderr, "Error [E_INVALID]")

	w.runJSON(t, &rows, "prompts")
	assert.Empty(t, rows)
	w.runJSON(t, &rows, "prompts", fmt.Sprint(id), "--all")
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Response)
	assert.Equal(t, "yes", *rows[0].Response)

	// The first pass resumes the paused loop, the second drives it.
	for range 2 {
		_, stderr, code = w.run(t, "worker", "--once")
		require.Equal(t, ExitSuccess, code, "stderr: %s", stderr)
	}

	d = w.detail(t, id)
	assert.Equal(t, model.LoopCompleted, d.Status)
	assert.Equal(t, 2, d.Iterations)

	var entries []model.HistoryEntry
	w.runJSON(t, &entries, "history", fmt.Sprint(id))
	require.Len(t, entries, 2)
	assert.Equal(t, "reboot web1?", entries[0].Asked)
	assert.True(t, entries[1].Converged)
}

func TestWorkerIdentity(t *testing.T) {
	w := newWorkspace(t, `cat > /dev/null
echo '{"converged": true, "reasoning": "nothing to do"}'
`, nil)
	w.submit(t, "idle")

	var out, errOut bytes.Buffer
	cmd := newWorkerCommand(&WorkerOptions{
		RootOptions: &RootOptions{Format: "json", ConfigPath: w.config},
		IDGenerator: testutil.NewFixedIDGenerator("cli-worker"),
	})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--once"})
	require.NoError(t, cmd.Execute(), "stderr: %s", errOut.String())

	assert.JSONEq(t, `{"status":"ok","data":{"worker":"cli-worker"}}`, out.String())
	assert.Equal(t, model.LoopCompleted, w.detail(t, 1).Status)
}
