package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-shellwords"

	"github.com/roach88/loopd/internal/model"
)

// maxOutputBytes is the truncation limit for captured stdout/stderr (64KB).
const maxOutputBytes = 64 * 1024

const truncatedMarker = "...[truncated]"

// Environment variables describing the loop a command runs for.
const (
	EnvLoopID    = "LOOPD_LOOP_ID"
	EnvInventory = "LOOPD_INVENTORY"
	EnvGroups    = "LOOPD_GROUPS" // comma separated
	EnvHosts     = "LOOPD_HOSTS"  // comma separated
)

// commandResult is what a finished process reported.
type commandResult struct {
	RC     int
	Stdout string
	Stderr string
}

// splitCommand splits a configured command line into argv.
func splitCommand(line string) ([]string, error) {
	argv, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse command %q: empty command", line)
	}
	return argv, nil
}

// execEnv renders ec as environment assignments.
func execEnv(ec model.ExecContext) []string {
	env := []string{EnvLoopID + "=" + strconv.FormatInt(ec.LoopID, 10)}
	if ec.Inventory != "" {
		env = append(env, EnvInventory+"="+ec.Inventory)
	}
	if len(ec.Groups) > 0 {
		env = append(env, EnvGroups+"="+strings.Join(ec.Groups, ","))
	}
	if len(ec.Hosts) > 0 {
		env = append(env, EnvHosts+"="+strings.Join(ec.Hosts, ","))
	}
	return env
}

// runCommand runs argv with stdin and waits for it. env is added to the
// inherited environment. A non-zero exit is reported through RC, not as an
// error; err is set only when the process could not be started or ctx ended
// first.
func runCommand(ctx context.Context, argv []string, stdin []byte, env []string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", argv[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.RC = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("%s: %w", argv[0], err)
	}
}

// cappedBuffer keeps the first maxOutputBytes written to it and drops the
// rest. Writes never fail, so the process is not cut off by a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := maxOutputBytes - b.buf.Len(); len(p) > room {
		b.truncated = true
		p = p[:max(room, 0)]
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the kept output. A truncated output ends on a whole rune,
// followed by a marker.
func (b *cappedBuffer) String() string {
	if !b.truncated {
		return b.buf.String()
	}
	return truncateOutput(b.buf.String())
}

// truncateOutput cuts s to at most maxOutputBytes, backing up so the cut
// never splits a UTF-8 sequence, and marks the cut.
func truncateOutput(s string) string {
	if len(s) > maxOutputBytes {
		s = s[:maxOutputBytes]
	}
	return dropPartialRune(s) + truncatedMarker
}

// dropPartialRune removes an incomplete UTF-8 sequence at the end of s.
func dropPartialRune(s string) string {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if !utf8.FullRuneInString(s[i:]) {
			return s[:i]
		}
		return s
	}
	return s
}
