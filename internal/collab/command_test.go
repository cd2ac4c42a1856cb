package collab

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopd/internal/model"
)

func TestTruncateOutput_KeepsWholeRunes(t *testing.T) {
	// "é" is two bytes; an odd-length ASCII prefix puts one astride the limit.
	s := strings.Repeat("a", maxOutputBytes-1) + strings.Repeat("é", 4)

	got := truncateOutput(s)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, truncatedMarker))
	assert.Equal(t, strings.Repeat("a", maxOutputBytes-1), strings.TrimSuffix(got, truncatedMarker))
}

func TestTruncateOutput_FourByteRune(t *testing.T) {
	s := strings.Repeat("a", maxOutputBytes-2) + "🙂🙂"

	got := strings.TrimSuffix(truncateOutput(s), truncatedMarker)
	assert.Equal(t, strings.Repeat("a", maxOutputBytes-2), got)
}

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		writes    []string
		want      string
		truncated bool
	}{
		{"short", []string{"hello ", "world"}, "hello world", false},
		{"exact", []string{strings.Repeat("x", maxOutputBytes)}, strings.Repeat("x", maxOutputBytes), false},
		{"split across writes", []string{strings.Repeat("x", maxOutputBytes-1), "ü", "tail"}, strings.Repeat("x", maxOutputBytes-1) + truncatedMarker, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b cappedBuffer
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.truncated, b.truncated)
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestRunCommand_TruncatesMultibyteOutput(t *testing.T) {
	// 40000 two-byte runes overflow the limit by far.
	argv := []string{"/bin/sh", "-c", `i=0; while [ $i -lt 40000 ]; do printf 'é'; i=$((i+1)); done`}
	res, err := runCommand(context.Background(), argv, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RC)
	assert.True(t, utf8.ValidString(res.Stdout))
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.LessOrEqual(t, len(res.Stdout), maxOutputBytes+len(truncatedMarker))
}

func TestExecEnv(t *testing.T) {
	assert.Equal(t, []string{"LOOPD_LOOP_ID=0"}, execEnv(model.ExecContext{}))
	assert.Equal(t, []string{
		"LOOPD_LOOP_ID=9",
		"LOOPD_INVENTORY=hosts.ini",
		"LOOPD_GROUPS=web,db",
		"LOOPD_HOSTS=web1,db1",
	}, execEnv(model.ExecContext{LoopID: 9, Inventory: "hosts.ini", Groups: []string{"web", "db"}, Hosts: []string{"web1", "db1"}}))
}
