package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/guardian/internal/agent/client"
	"github.com/sshguardian/guardian/internal/agent/config"
	"github.com/sshguardian/guardian/internal/agent/tailer"
	"github.com/sshguardian/guardian/pkg/protocol"
)

func testConfig(srvURL, dir string) config.Config {
	return config.Config{
		ServerURL:            srvURL,
		AgentID:              "web-01",
		Hostname:             "web-01.example.net",
		CheckIntervalSec:     10,
		BatchSize:            2,
		HeartbeatIntervalSec: 3600,
		FirewallSyncSec:      3600,
		AuthLogPath:          filepath.Join(dir, "auth.log"),
		StateFile:            filepath.Join(dir, "state.json"),
	}
}

func authLogLine(port string) string {
	return "Jan  2 03:04:0" + port +
		" web-01 sshd[9]: Failed password for root from 203.0.113.5 port 5123" + port + " ssh2"
}

func TestShipLogsRetryKeepsBatchIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("", dir)

	lines := []string{authLogLine("1"), authLogLine("2"), authLogLine("3")}
	require.NoError(t, os.WriteFile(cfg.AuthLogPath,
		[]byte(strings.Join(lines, "\n")+"\n"), 0o600))

	var (
		mu              sync.Mutex
		attempts        []protocol.LogBatchRequest
		failSingleSlice = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/logs" {
			_ = json.NewEncoder(w).Encode(protocol.SuccessResponse{Success: true})
			return
		}
		var req protocol.LogBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, req)
		if failSingleSlice && len(req.LogLines) == 1 {
			failSingleSlice = false
			http.Error(w, "storage briefly unavailable", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.LogBatchResponse{
			Success: true, EventsCreated: len(req.LogLines),
		})
	}))
	t.Cleanup(srv.Close)
	cfg.ServerURL = srv.URL

	tail, err := tailer.New(cfg.AuthLogPath, cfg.StateFile, zerolog.Nop())
	require.NoError(t, err)
	rep := New(cfg, filepath.Join(dir, "agent.json"), tail, nil,
		client.New(cfg.ServerURL, cfg.AgentID, "key"), "test", zerolog.Nop())

	ctx := context.Background()

	// First tick: the full slice lands, the trailing one-line slice fails,
	// so the tail position does not advance.
	rep.shipLogs(ctx)
	// Second tick: both slices are re-read and submitted again.
	rep.shipLogs(ctx)

	mu.Lock()
	require.Len(t, attempts, 4)
	assert.Equal(t, lines[:2], attempts[0].LogLines)
	assert.Equal(t, lines[2:], attempts[1].LogLines)

	assert.Equal(t, attempts[0].BatchUUID, attempts[2].BatchUUID,
		"a re-sent slice keeps its batch UUID so the server replays stored counts")
	assert.Equal(t, attempts[1].BatchUUID, attempts[3].BatchUUID,
		"the failed slice retries under the same batch UUID")
	assert.NotEqual(t, attempts[0].BatchUUID, attempts[1].BatchUUID)
	seenUUIDs := map[string]bool{
		attempts[0].BatchUUID: true,
		attempts[1].BatchUUID: true,
	}
	mu.Unlock()

	// After the committed tick, fresh lines get a fresh identity.
	f, err := os.OpenFile(cfg.AuthLogPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(authLogLine("4") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep.shipLogs(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 5)
	assert.False(t, seenUUIDs[attempts[4].BatchUUID],
		"new lines after a commit must not reuse an earlier batch UUID")
}

func TestRegisterPersistsIssuedAPIKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.json")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/register", r.URL.Path)
		_ = json.NewEncoder(w).Encode(protocol.RegisterResponse{
			Success: true, APIKey: "issued-key", UUID: "u-1",
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL, dir)
	cl := client.New(cfg.ServerURL, cfg.AgentID, "")
	rep := New(cfg, cfgPath, nil, nil, cl, "test", zerolog.Nop())

	rep.register(context.Background())
	assert.True(t, cl.HasAPIKey())

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(),
		"the config file carries the key and must stay owner-only")

	reloaded, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "issued-key", reloaded.APIKey,
		"a restarted agent must find the key it was issued")
}

func TestRegisterRefreshLeavesConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.json")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A re-registration of a known agent never echoes the key again.
		_ = json.NewEncoder(w).Encode(protocol.RegisterResponse{
			Success: true, Message: "agent already registered",
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL, dir)
	cfg.APIKey = "stored-key"
	cl := client.New(cfg.ServerURL, cfg.AgentID, cfg.APIKey)
	rep := New(cfg, cfgPath, nil, nil, cl, "test", zerolog.Nop())

	rep.register(context.Background())
	assert.True(t, cl.HasAPIKey())

	_, err := os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(err), "nothing new to persist, nothing written")
}
