package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDir_Testdata(t *testing.T) {
	dir := filepath.Join("testdata", "scenarios")
	files, err := FindScenarios(dir, "")
	require.NoError(t, err)

	result, err := RunDir(t.Context(), dir, SuiteOptions{GoldenDir: filepath.Join("testdata", "golden")})
	require.NoError(t, err)

	assert.Equal(t, len(files), result.Total)
	assert.Equal(t, result.Total, result.Passed, "failures: %+v", result.Scenarios)
	assert.Zero(t, result.Failed)

	golden := map[string]string{}
	for _, sr := range result.Scenarios {
		golden[sr.Name] = sr.Golden
	}
	assert.Equal(t, "match", golden["converge_in_three"])
	assert.Equal(t, "match", golden["ask_then_resume"])
	assert.Equal(t, "", golden["engine_failure"], "no golden file, assertions only")
}

func TestRunDir_Filter(t *testing.T) {
	result, err := RunDir(t.Context(), filepath.Join("testdata", "scenarios"), SuiteOptions{Filter: "converge_*"})
	require.NoError(t, err)

	require.Equal(t, 1, result.Total)
	assert.Equal(t, "converge_in_three", result.Scenarios[0].Name)
	assert.True(t, result.Scenarios[0].Pass)
}

func TestRunDir_UpdateThenCompare(t *testing.T) {
	goldenDir := filepath.Join(t.TempDir(), "golden")
	opts := SuiteOptions{Filter: "failed_action_continues", GoldenDir: goldenDir, Update: true}

	result, err := RunDir(t.Context(), filepath.Join("testdata", "scenarios"), opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.Passed)
	assert.Equal(t, "updated", result.Scenarios[0].Golden)
	assert.FileExists(t, filepath.Join(goldenDir, "failed_action_continues.golden"))

	opts.Update = false
	result, err = RunDir(t.Context(), filepath.Join("testdata", "scenarios"), opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.Passed)
	assert.Equal(t, "match", result.Scenarios[0].Golden)
}

func TestRunDir_GoldenMismatch(t *testing.T) {
	goldenDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "converge_in_three.golden"), []byte(`{"stale":true}`), 0o644))

	result, err := RunDir(t.Context(), filepath.Join("testdata", "scenarios"), SuiteOptions{
		Filter:    "converge_in_three",
		GoldenDir: goldenDir,
	})
	require.NoError(t, err)

	require.Equal(t, 1, result.Failed)
	sr := result.Scenarios[0]
	assert.False(t, sr.Pass)
	assert.Equal(t, "mismatch", sr.Golden)
	require.Len(t, sr.Errors, 1)
	assert.Contains(t, sr.Errors[0], "--update")
}

func TestRunDir_BrokenScenarioFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nloops: []\n"), 0o644))

	result, err := RunDir(t.Context(), dir, SuiteOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, result.Failed)
	sr := result.Scenarios[0]
	assert.Equal(t, "broken.yaml", sr.Name)
	require.Len(t, sr.Errors, 1)
	assert.Contains(t, sr.Errors[0], "failed to load scenario")
}

func TestRunDir_MissingDir(t *testing.T) {
	_, err := RunDir(t.Context(), filepath.Join(t.TempDir(), "missing"), SuiteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find scenarios")
}
