package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshguardian/guardian/internal/agent/client"
	"github.com/sshguardian/guardian/internal/agent/config"
	"github.com/sshguardian/guardian/internal/agent/tailer"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.APIKey != "" {
			cfg.APIKey = "<redacted>"
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var editConfigCmd = &cobra.Command{
	Use:   "edit-config",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		e := exec.Command(editor, configPath)
		e.Stdin = os.Stdin
		e.Stdout = os.Stdout
		e.Stderr = os.Stderr
		return e.Run()
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cl := client.New(cfg.ServerURL, cfg.AgentID, cfg.APIKey)
		if err := cl.Health(ctx); err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		fmt.Printf("server %s reachable\n", cfg.ServerURL)
		return nil
	},
}

// healthCheck is one local diagnostic; ok=false counts toward the exit
// code.
type healthCheck struct {
	name string
	run  func(cfg config.Config) error
}

var healthChecks = []healthCheck{
	{"config readable", func(cfg config.Config) error {
		return cfg.Validate()
	}},
	{"state file writable", func(cfg config.Config) error {
		dir := filepath.Dir(cfg.StateFile)
		probe := filepath.Join(dir, ".guardian-health")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return err
		}
		return os.Remove(probe)
	}},
	{"auth log readable", func(cfg config.Config) error {
		f, err := os.Open(cfg.AuthLogPath)
		if err != nil {
			return err
		}
		return f.Close()
	}},
	{"server reachable", func(cfg config.Config) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return client.New(cfg.ServerURL, cfg.AgentID, cfg.APIKey).Health(ctx)
	}},
	{"ufw present", func(cfg config.Config) error {
		if !cfg.FirewallEnabled {
			return nil
		}
		_, err := exec.LookPath("ufw")
		return err
	}},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run local health checks (exit code = failed checks)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			// The remaining checks still run against the defaults so the
			// exit code counts actual failures, not the whole list.
			cfg = config.Defaults()
		}
		os.Exit(runHealthChecks(cfg, err))
	},
}

// runHealthChecks prints one line per check and returns the failure count.
// A config load error fails the config check directly; the other checks
// run against whatever config the caller supplies.
func runHealthChecks(cfg config.Config, configErr error) int {
	failed := 0
	for _, check := range healthChecks {
		err := configErr
		if check.name != "config readable" || err == nil {
			err = check.run(cfg)
		}
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", check.name, err)
			failed++
		} else {
			fmt.Printf("ok   %s\n", check.name)
		}
	}
	return failed
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the agent binary",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Binary distribution happens through the host's package channel;
		// the agent only restarts itself afterward.
		fmt.Println("update the binary via your package channel, then run: guardian-agent restart")
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print agent version and state counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("guardian-agent %s\n", Version)
		fmt.Printf("config: %s\n", configPath)

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(cfg.StateFile)
		if os.IsNotExist(err) {
			fmt.Println("state: none (agent has not run)")
			return nil
		}
		if err != nil {
			return err
		}
		var state tailer.State
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		fmt.Printf("agent started:   %s\n", state.AgentStartTime.Format(time.RFC3339))
		fmt.Printf("last heartbeat:  %s\n", state.LastHeartbeat.Format(time.RFC3339))
		fmt.Printf("logs sent:       %d\n", state.TotalLogsSent)
		fmt.Printf("batches sent:    %d\n", state.TotalBatchesSent)
		fmt.Printf("tail position:   inode %d offset %d\n", state.LastInode, state.LastPosition)
		return nil
	},
}
