package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/sshguardian/guardian/internal/agent/config"
)

const unitTemplate = `[Unit]
Description=SSH Guardian edge agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run --config %s
Restart=on-failure
RestartSec=5
User=root

[Install]
WantedBy=multi-user.target
`

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return err
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cfg := config.Defaults()
			cfg.ServerURL = os.Getenv("SSH_GUARDIAN_SERVER_URL")
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("write initial config: %w", err)
			}
			fmt.Printf("wrote initial config to %s (set server_url before starting)\n", configPath)
		}

		unit := fmt.Sprintf(unitTemplate, binary, configPath)
		if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
			return fmt.Errorf("write unit file: %w", err)
		}
		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", "--now", serviceName); err != nil {
			os.Exit(exitServiceFailed)
		}
		fmt.Println("guardian-agent installed and started")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireInstalled()
		_ = systemctl("disable", "--now", serviceName)
		if err := os.Remove(unitPath); err != nil {
			return fmt.Errorf("remove unit file: %w", err)
		}
		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		fmt.Println("guardian-agent uninstalled (config and state retained)")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the service status",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		if err := systemctl("status", "--no-pager", serviceName); err != nil {
			os.Exit(exitServiceFailed)
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		if err := systemctl("start", serviceName); err != nil {
			os.Exit(exitServiceFailed)
		}
		fmt.Println("started")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the service",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		if err := systemctl("stop", serviceName); err != nil {
			os.Exit(exitServiceFailed)
		}
		fmt.Println("stopped")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the service",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		if err := systemctl("restart", serviceName); err != nil {
			os.Exit(exitServiceFailed)
		}
		fmt.Println("restarted")
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent service logs",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		runJournal("-n", "100")
	},
}

var logsFullCmd = &cobra.Command{
	Use:   "logs-full",
	Short: "Show the full service log",
	Run: func(cmd *cobra.Command, args []string) {
		requireInstalled()
		runJournal()
	},
}

func runJournal(extra ...string) {
	args := append([]string{"-u", serviceName, "--no-pager"}, extra...)
	j := exec.Command("journalctl", args...)
	j.Stdout = os.Stdout
	j.Stderr = os.Stderr
	if err := j.Run(); err != nil {
		os.Exit(exitGeneric)
	}
}
