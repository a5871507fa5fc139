// Package reporter runs the agent's single cooperative loop: tail, ship,
// heartbeat, firewall sync, command execution. No parallel workers; every
// tick is interruptible through the context.
package reporter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sshguardian/guardian/internal/agent/client"
	"github.com/sshguardian/guardian/internal/agent/config"
	"github.com/sshguardian/guardian/internal/agent/firewall"
	"github.com/sshguardian/guardian/internal/agent/tailer"
	"github.com/sshguardian/guardian/pkg/protocol"
)

// fail2banRe matches ban/unban transitions in fail2ban's log lines.
var fail2banRe = regexp.MustCompile(`fail2ban\.actions.*\[(\S+)\]\s+(Ban|Unban)\s+(\d+\.\d+\.\d+\.\d+)`)

// Reporter owns the loop.
type Reporter struct {
	cfg        config.Config
	configPath string
	tail       *tailer.Tailer
	adapter    firewall.Adapter
	client     *client.Client
	logger     zerolog.Logger
	version    string
	lastSync   time.Time
}

// New constructs the reporter. configPath is where a freshly issued API
// key is persisted.
func New(cfg config.Config, configPath string, tail *tailer.Tailer, adapter firewall.Adapter, cl *client.Client, version string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		cfg:        cfg,
		configPath: configPath,
		tail:       tail,
		adapter:    adapter,
		client:     cl,
		logger:     logger.With().Str("component", "reporter").Logger(),
		version:    version,
	}
}

// Run registers, then loops until the context ends. Registration failure
// is non-fatal: the agent keeps running with whatever key it holds.
func (r *Reporter) Run(ctx context.Context) error {
	r.register(ctx)

	ticker := time.NewTicker(r.cfg.CheckInterval())
	defer ticker.Stop()

	r.tick(ctx) // first pass without waiting an interval
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("agent stopping")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) register(ctx context.Context) {
	resp, err := r.client.Register(ctx, protocol.RegisterRequest{
		AgentID:              r.cfg.AgentID,
		Hostname:             r.cfg.Hostname,
		Version:              r.version,
		HeartbeatIntervalSec: r.cfg.HeartbeatIntervalSec,
		SystemInfo:           collectSystemInfo(ctx),
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("registration failed, continuing with stored key")
		if !r.client.HasAPIKey() {
			r.logger.Warn().Msg("no API key held, server calls will fail until registration succeeds")
		}
		return
	}
	if resp.APIKey != "" {
		r.client.SetAPIKey(resp.APIKey)
		// The server echoes the key exactly once; it must survive a
		// restart or the agent is locked out for good.
		r.cfg.APIKey = resp.APIKey
		if err := r.cfg.Save(r.configPath); err != nil {
			r.logger.Error().Err(err).Str("path", r.configPath).
				Msg("API key received but not persisted")
		} else {
			r.logger.Info().Msg("registration accepted, API key stored")
		}
	} else {
		r.logger.Info().Str("message", resp.Message).Msg("registration refreshed")
	}
}

// tick performs one pass of the loop. Transport errors are logged; the
// next tick is the retry.
func (r *Reporter) tick(ctx context.Context) {
	r.shipLogs(ctx)
	r.maybeHeartbeat(ctx)
	r.maybeSyncFirewall(ctx)
	r.handleCommands(ctx)
}

// shipLogs reads new lines and submits them in batch_size slices. The
// position only advances after a successful submit, so a failed slice is
// re-read next tick.
func (r *Reporter) shipLogs(ctx context.Context) {
	lines, newPos, err := r.tail.ReadNew()
	if err != nil {
		r.logger.Error().Err(err).Msg("log read failed")
		return
	}
	if len(lines) == 0 {
		if err := r.tail.Commit(newPos, 0); err != nil {
			r.logger.Error().Err(err).Msg("state write failed")
		}
		return
	}

	r.reportFail2ban(ctx, lines)

	sent := 0
	for start := 0; start < len(lines); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(lines) {
			end = len(lines)
		}
		slice := lines[start:end]

		resp, err := r.client.SubmitBatch(ctx, protocol.LogBatchRequest{
			BatchUUID:      r.batchUUID(start, slice),
			AgentID:        r.cfg.AgentID,
			Hostname:       r.cfg.Hostname,
			LogLines:       slice,
			BatchSize:      len(slice),
			SourceFilename: r.cfg.AuthLogPath,
		})
		if err != nil {
			if client.IsTooManyRequests(err) {
				r.logger.Debug().Msg("server back-pressure, retrying next tick")
			} else {
				r.logger.Error().Err(err).Msg("batch submit failed")
			}
			// Unsent lines are re-read next tick from the saved offset.
			return
		}
		sent += len(slice)
		r.logger.Debug().Int("lines", len(slice)).
			Int("events_created", resp.EventsCreated).
			Int("events_failed", resp.EventsFailed).
			Msg("batch accepted")
	}

	if err := r.tail.Commit(newPos, sent); err != nil {
		r.logger.Error().Err(err).Msg("state write failed")
	}
}

// batchUUID derives the idempotency key for one slice of a read. The key
// is stable across ticks until the tail position commits, so a slice
// re-sent after a partial failure replays server-side instead of creating
// duplicate events.
func (r *Reporter) batchUUID(start int, slice []string) string {
	st := r.tail.State()
	seed := fmt.Sprintf("%s:%d:%d:%d:%s",
		r.cfg.AgentID, st.LastInode, st.LastPosition, start, strings.Join(slice, "\n"))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// reportFail2ban extracts ban/unban transitions from the tailed lines and
// ships them. Best effort; the lines are also submitted as a normal batch.
func (r *Reporter) reportFail2ban(ctx context.Context, lines []string) {
	var events []protocol.Fail2banEvent
	for _, line := range lines {
		m := fail2banRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		eventType := "ban"
		if m[2] == "Unban" {
			eventType = "unban"
		}
		events = append(events, protocol.Fail2banEvent{
			Jail:       m[1],
			EventType:  eventType,
			IPAddress:  m[3],
			ObservedAt: time.Now().UTC(),
		})
	}
	if len(events) == 0 {
		return
	}
	if err := r.client.ReportFail2ban(ctx, events); err != nil {
		r.logger.Warn().Err(err).Int("events", len(events)).Msg("fail2ban report failed")
	}
}

func (r *Reporter) maybeHeartbeat(ctx context.Context) {
	if time.Since(r.tail.State().LastHeartbeat) < r.cfg.HeartbeatInterval() {
		return
	}

	metrics := collectMetrics(ctx)
	err := r.client.Heartbeat(ctx, protocol.HeartbeatRequest{
		AgentID: r.cfg.AgentID,
		Metrics: metrics,
		Status:  "running",
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat failed")
		return
	}
	if err := r.tail.TouchHeartbeat(time.Now()); err != nil {
		r.logger.Error().Err(err).Msg("state write failed")
	}
}

func (r *Reporter) maybeSyncFirewall(ctx context.Context) {
	if !r.cfg.FirewallEnabled {
		return
	}
	if time.Since(r.lastSync) < r.cfg.FirewallSyncInterval() {
		return
	}

	inv, err := r.adapter.Inventory(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("firewall inventory failed")
		return
	}
	resp, err := r.client.SyncUFW(ctx, protocol.UFWSyncRequest{
		AgentID:     r.cfg.AgentID,
		Hostname:    r.cfg.Hostname,
		UFWData:     inv,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("firewall sync failed")
		return
	}
	r.lastSync = time.Now()
	r.logger.Debug().Int("rules", resp.RulesCount).Str("status", resp.UFWStatus).
		Msg("firewall synced")
}

// handleCommands polls the queue and executes each command in order,
// reporting every result. At most one firewall subprocess runs at a time.
func (r *Reporter) handleCommands(ctx context.Context) {
	if !r.cfg.FirewallEnabled {
		return
	}

	commands, err := r.client.PollCommands(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("command poll failed")
		return
	}

	for _, cmd := range commands {
		ok, msg := r.adapter.Execute(ctx, cmd)
		if ok {
			r.logger.Info().Str("command", cmd.ID).Str("action", string(cmd.Action)).
				Msg("command executed")
		} else {
			r.logger.Warn().Str("command", cmd.ID).Str("action", string(cmd.Action)).
				Str("message", msg).Msg("command failed")
		}
		if err := r.client.ReportResult(ctx, cmd.ID, ok, msg); err != nil {
			r.logger.Error().Err(err).Str("command", cmd.ID).Msg("result report failed")
		}
	}
}

func collectMetrics(ctx context.Context) protocol.HeartbeatMetrics {
	var metrics protocol.HeartbeatMetrics
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		metrics.DiskPercent = du.UsedPercent
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		metrics.UptimeSeconds = int64(uptime)
	}
	return metrics
}

func collectSystemInfo(ctx context.Context) protocol.SystemInfo {
	info := protocol.SystemInfo{}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = hi.OS
		info.OSName = hi.Platform
		info.OSVersion = hi.PlatformVersion
		info.KernelVersion = hi.KernelVersion
		info.Architecture = hi.KernelArch
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = counts
	}
	return info
}
