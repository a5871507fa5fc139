package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTailer(t *testing.T) (*Tailer, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	tail, err := New(logPath, filepath.Join(dir, "state.json"), zerolog.Nop())
	require.NoError(t, err)
	return tail, logPath
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func TestReadNewFiltersAndAdvancesOnCommit(t *testing.T) {
	tail, logPath := newTestTailer(t)

	appendLines(t, logPath,
		"Jun 14 03:22:17 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2",
		"Jun 14 03:22:18 web-01 CRON[2]: pam_unix(cron:session): session opened",
		"Jun 14 03:22:19 web-01 sshd[1]: Accepted publickey for deploy from 192.0.2.10 port 2 ssh2",
	)

	lines, pos, err := tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 2, "non-ssh lines stay on the host")
	assert.Contains(t, lines[0], "Failed password")
	assert.Contains(t, lines[1], "Accepted publickey")

	// Without a commit the same lines come back.
	again, _, err := tail.ReadNew()
	require.NoError(t, err)
	assert.Equal(t, lines, again)

	require.NoError(t, tail.Commit(pos, len(lines)))
	after, _, err := tail.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, after)

	state := tail.State()
	assert.EqualValues(t, 2, state.TotalLogsSent)
	assert.EqualValues(t, 1, state.TotalBatchesSent)
}

func TestReadNewIgnoresPartialFinalLine(t *testing.T) {
	tail, logPath := newTestTailer(t)

	require.NoError(t, os.WriteFile(logPath,
		[]byte("Jun 14 03:22:17 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2\nJun 14 03:22:18 web-01 sshd[1]: Invalid user adm"),
		0o644))

	lines, pos, err := tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.NoError(t, tail.Commit(pos, 1))

	// Completing the line makes it visible on the next read.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("in from 198.51.100.7 port 2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, _, err = tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Invalid user admin from 198.51.100.7")
}

func TestRotationByRename(t *testing.T) {
	tail, logPath := newTestTailer(t)

	appendLines(t, logPath, "Jun 14 03:22:17 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2")
	lines, pos, err := tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.NoError(t, tail.Commit(pos, 1))

	// Rotate: rename away and start a new file at the same path.
	require.NoError(t, os.Rename(logPath, logPath+".1"))
	appendLines(t, logPath, "Jun 14 04:00:00 web-01 sshd[1]: Failed password for admin from 198.51.100.7 port 2 ssh2")

	lines, pos, err = tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1, "new inode reads from the top")
	assert.Contains(t, lines[0], "admin")
	require.NoError(t, tail.Commit(pos, 1))
}

func TestRotationByTruncation(t *testing.T) {
	tail, logPath := newTestTailer(t)

	appendLines(t, logPath,
		"Jun 14 03:22:17 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2",
		"Jun 14 03:22:18 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2",
	)
	_, pos, err := tail.ReadNew()
	require.NoError(t, err)
	require.NoError(t, tail.Commit(pos, 2))

	// Copy-truncate keeps the inode but the size regresses.
	require.NoError(t, os.Truncate(logPath, 0))
	appendLines(t, logPath, "Jun 14 04:00:00 web-01 sshd[1]: Invalid user guest from 198.51.100.7 port 2")

	lines, _, err := tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "guest")
}

func TestMissingLogYieldsEmptyBatch(t *testing.T) {
	tail, _ := newTestTailer(t)

	lines, pos, err := tail.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, pos)
}

func TestStatePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "auth.log")
	statePath := filepath.Join(dir, "state.json")

	tail, err := New(logPath, statePath, zerolog.Nop())
	require.NoError(t, err)
	appendLines(t, logPath, "Jun 14 03:22:17 web-01 sshd[1]: Failed password for root from 203.0.113.5 port 1 ssh2")
	_, pos, err := tail.ReadNew()
	require.NoError(t, err)
	require.NoError(t, tail.Commit(pos, 1))
	require.NoError(t, tail.TouchHeartbeat(time.Now()))

	reborn, err := New(logPath, statePath, zerolog.Nop())
	require.NoError(t, err)
	state := reborn.State()
	assert.Equal(t, pos, state.LastPosition)
	assert.EqualValues(t, 1, state.TotalLogsSent)
	assert.False(t, state.LastHeartbeat.IsZero())

	lines, _, err := reborn.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, lines, "restart resumes from the committed position")
}

func TestCorruptStateStartsFresh(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{broken"), 0o600))

	tail, err := New(filepath.Join(dir, "auth.log"), statePath, zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, tail.State().LastPosition)
	assert.False(t, tail.State().AgentStartTime.IsZero())
}

func TestFail2banLinesAreRelevant(t *testing.T) {
	tail, logPath := newTestTailer(t)
	appendLines(t, logPath,
		"2025-06-14 03:22:17 fail2ban.actions [sshd] Ban 203.0.113.5",
		"completely unrelated kernel chatter",
	)
	lines, _, err := tail.ReadNew()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "fail2ban")
}
