package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshguardian/guardian/internal/agent/client"
	"github.com/sshguardian/guardian/internal/agent/config"
	"github.com/sshguardian/guardian/internal/agent/firewall"
	"github.com/sshguardian/guardian/internal/agent/reporter"
	"github.com/sshguardian/guardian/internal/agent/tailer"
	"github.com/sshguardian/guardian/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Exit codes shared by the service subcommands.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitNotInstalled  = 2
	exitServiceFailed = 3
)

const (
	serviceName = "ssh-guardian-agent"
	unitPath    = "/etc/systemd/system/" + serviceName + ".service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "guardian-agent",
	Short:   "SSH Guardian edge agent",
	Long:    `Edge agent for the SSH Guardian telemetry fabric: tails the auth log, manages the host firewall, and reports to the central ingest service.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent loop in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"path to the agent config file")
	rootCmd.AddCommand(runCmd, installCmd, uninstallCmd, statusCmd, startCmd,
		stopCmd, restartCmd, logsCmd, logsFullCmd, configCmd, editConfigCmd,
		testCmd, healthCmd, updateCmd, infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitGeneric)
	}
}

func runAgent() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "agent",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	tail, err := tailer.New(cfg.AuthLogPath, cfg.StateFile, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := firewall.New(logger, 0)
	cl := client.New(cfg.ServerURL, cfg.AgentID, cfg.APIKey)
	rep := reporter.New(cfg, configPath, tail, adapter, cl, Version, logger)

	logger.Info().
		Str("version", Version).
		Str("server", cfg.ServerURL).
		Str("agent_id", cfg.AgentID).
		Msg("starting guardian agent")

	if err := rep.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// systemctl runs one systemctl verb against the agent unit and returns the
// process error.
func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func installed() bool {
	_, err := os.Stat(unitPath)
	return err == nil
}

// requireInstalled exits with the not-installed code when the unit file is
// absent.
func requireInstalled() {
	if !installed() {
		fmt.Fprintln(os.Stderr, "guardian-agent is not installed (run: guardian-agent install)")
		os.Exit(exitNotInstalled)
	}
}
