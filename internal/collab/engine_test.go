package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopd/internal/decision"
	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// writeScript writes an executable /bin/sh script into a temp dir and
// returns a command line running it.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return "/bin/sh " + path
}

func decideRequest() model.DecideRequest {
	return model.DecideRequest{
		LoopID:        7,
		Observed:      doc.Object{"nginx": "absent"},
		DesiredState:  "install nginx",
		Rules:         []model.Rule{},
		History:       []model.HistoryEntry{},
		MaxIterations: 5,
	}
}

func TestCommandEngine_Decide(t *testing.T) {
	cmd := writeScript(t, `cat > /dev/null
echo '{"reasoning": "nginx missing", "actions": [{"module": "shell", "params": {"cmd": "apt install nginx"}}]}'
`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	d, err := e.Decide(context.Background(), decideRequest())
	require.NoError(t, err)
	assert.Equal(t, model.DecisionExecute, d.Kind())
	assert.Equal(t, "nginx missing", d.Reasoning)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, "shell", d.Actions[0].Module)
}

func TestCommandEngine_ReceivesRequestOnStdin(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "request.json")
	cmd := writeScript(t, `cat > `+capture+`
echo '{"converged": true, "reasoning": "done"}'
`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	req := decideRequest()
	_, err = e.Decide(context.Background(), req)
	require.NoError(t, err)

	got, err := os.ReadFile(capture)
	require.NoError(t, err)
	want, err := doc.MarshalCanonical(req)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestCommandEngine_InventoryInRequestAndEnvironment(t *testing.T) {
	cmd := writeScript(t, `cat > /dev/null
echo "{\"converged\": true, \"reasoning\": \"$LOOPD_LOOP_ID $LOOPD_INVENTORY\"}"
`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	req := decideRequest()
	req.Inventory = "inventory/prod.ini"
	req.Groups = []string{"web"}
	d, err := e.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "7 inventory/prod.ini", d.Reasoning)

	payload, err := doc.MarshalCanonical(req)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"inventory":"inventory/prod.ini"`)
	assert.Contains(t, string(payload), `"groups":["web"]`)
}

func TestCommandEngine_NonZeroExit(t *testing.T) {
	cmd := writeScript(t, `echo "model quota exceeded" >&2
echo "second line" >&2
exit 3
`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), decideRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with status 3: model quota exceeded")
	assert.NotContains(t, err.Error(), "second line")
	assert.False(t, decision.IsValidationError(err))
}

func TestCommandEngine_MalformedOutput(t *testing.T) {
	cmd := writeScript(t, `echo 'not json'`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), decideRequest())
	require.Error(t, err)
	assert.True(t, decision.IsValidationError(err))
}

func TestCommandEngine_Cancelled(t *testing.T) {
	cmd := writeScript(t, `sleep 5`)
	e, err := NewCommandEngine(cmd, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Decide(ctx, decideRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewCommandEngine_Invalid(t *testing.T) {
	_, err := NewCommandEngine("", nil)
	require.Error(t, err)

	_, err = NewCommandEngine(`engine "unterminated`, nil)
	require.Error(t, err)
}
