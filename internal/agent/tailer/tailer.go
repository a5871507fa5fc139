// Package tailer reads SSH-relevant lines from the host auth log with
// at-least-once semantics across restarts and rotation. The position state
// is a small JSON document; the server deduplicates replays, so a crash
// between read and commit only costs a re-send.
package tailer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State is the persisted tail position plus the agent's cumulative
// counters.
type State struct {
	LastInode        uint64    `json:"last_inode"`
	LastPosition     int64     `json:"last_position"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	TotalLogsSent    int64     `json:"total_logs_sent"`
	TotalBatchesSent int64     `json:"total_batches_sent"`
	AgentStartTime   time.Time `json:"agent_start_time"`
}

// relevantMarkers select the lines worth shipping. Anything else stays on
// the host.
var relevantMarkers = []string{
	"sshd", "ssh", "Failed password", "Accepted password",
	"Accepted publickey", "Invalid user", "Connection closed",
	"fail2ban",
}

// Tailer reads new lines from one log file.
type Tailer struct {
	logPath   string
	statePath string
	state     State
	logger    zerolog.Logger

	// pendingInode carries the inode observed by the last ReadNew into
	// Commit. The single-loop agent never interleaves the two calls.
	pendingInode uint64
}

// New loads the persisted state (or starts fresh) and returns a tailer.
func New(logPath, statePath string, logger zerolog.Logger) (*Tailer, error) {
	t := &Tailer{
		logPath:   logPath,
		statePath: statePath,
		logger:    logger.With().Str("component", "tailer").Logger(),
	}

	data, err := os.ReadFile(statePath)
	switch {
	case os.IsNotExist(err):
		t.state.AgentStartTime = time.Now().UTC()
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", statePath, err)
	default:
		if err := json.Unmarshal(data, &t.state); err != nil {
			// Corrupt state restarts from scratch; replays are deduplicated
			// server-side.
			t.logger.Warn().Err(err).Msg("state file unreadable, starting fresh")
			t.state = State{AgentStartTime: time.Now().UTC()}
		}
	}
	return t, nil
}

// State returns a copy of the current state.
func (t *Tailer) State() State { return t.state }

// ReadNew returns the SSH-relevant lines appended since the committed
// position, plus the offset of the end of the last full line read. The
// position does not advance until Commit is called; a missing log file
// yields an empty batch.
func (t *Tailer) ReadNew() ([]string, int64, error) {
	f, err := os.Open(t.logPath)
	if os.IsNotExist(err) {
		t.logger.Debug().Str("path", t.logPath).Msg("auth log missing this tick")
		return nil, t.state.LastPosition, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", t.logPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", t.logPath, err)
	}
	inode := fileInode(info)

	offset := t.state.LastPosition
	if inode != t.state.LastInode {
		// Rotation: new file identity, read from the top.
		t.logger.Info().Uint64("old_inode", t.state.LastInode).
			Uint64("new_inode", inode).Msg("log rotation detected")
		offset = 0
	} else if info.Size() < offset {
		// Copy-truncate rotation keeps the inode but shrinks the file.
		t.logger.Info().Int64("size", info.Size()).Int64("offset", offset).
			Msg("log truncation detected, resetting position")
		offset = 0
	}
	t.pendingInode = inode

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, 0, fmt.Errorf("seek %s: %w", t.logPath, err)
	}

	var lines []string
	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial final line stays unread until the writer finishes it.
			break
		}
		pos += int64(len(line))
		line = strings.TrimRight(line, "\r\n")
		if relevant(line) {
			lines = append(lines, line)
		}
	}
	return lines, pos, nil
}

// Commit durably advances the position after a successful submit and
// updates the cumulative counters.
func (t *Tailer) Commit(position int64, linesSent int) error {
	t.state.LastInode = t.pendingInode
	t.state.LastPosition = position
	if linesSent > 0 {
		t.state.TotalLogsSent += int64(linesSent)
		t.state.TotalBatchesSent++
	}
	return t.save()
}

// TouchHeartbeat records the last heartbeat instant in the state file.
func (t *Tailer) TouchHeartbeat(at time.Time) error {
	t.state.LastHeartbeat = at.UTC()
	return t.save()
}

func (t *Tailer) save() error {
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := t.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, t.statePath); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func relevant(line string) bool {
	for _, marker := range relevantMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func fileInode(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
