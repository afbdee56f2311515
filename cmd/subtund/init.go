package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const (
	defaultEnvFile     = "/etc/subtun/subtund.env"
	defaultSystemdPath = "/etc/systemd/system/subtund.service"
	defaultPort        = 8080
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize subtund server configuration",
	Long: `Interactive setup wizard to configure subtund.

This command will:
- Configure the server settings (domain, port, marketing URL)
- Create the configuration file at /etc/subtun/subtund.env
- Optionally install and enable the systemd service

Run with sudo for full functionality (systemd installation).`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────╮")
	fmt.Println("  │    subtund Server Setup Wizard    │")
	fmt.Println("  ╰───────────────────────────────────╯")
	fmt.Println()

	if runtime.GOOS == "windows" {
		fmt.Println("Note: Windows detected. Systemd features are not available.")
		fmt.Println("      Configuration will be saved for manual use.")
		fmt.Println()
	}

	isRoot := runtime.GOOS != "windows" && os.Geteuid() == 0
	if runtime.GOOS != "windows" && !isRoot {
		fmt.Println("Warning: Not running as root. Some features will be limited:")
		fmt.Println("  - Cannot create /etc/subtun directory")
		fmt.Println("  - Cannot install systemd service")
		fmt.Println()
		fmt.Print("Continue anyway? [y/N]: ")
		response, _ := reader.ReadString('\n')
		if !isYes(response) {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	configPath := defaultEnvFile
	if !isRoot {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".subtund.env")
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Existing configuration found at %s\n", configPath)
		fmt.Print("Overwrite? [y/N]: ")
		response, _ := reader.ReadString('\n')
		if !isYes(response) {
			fmt.Println("Aborted.")
			return nil
		}
		fmt.Println()
	}

	fmt.Println("Enter the base domain for your tunnel server.")
	fmt.Println("Example: tun.example.com")
	fmt.Println()
	fmt.Print("Base domain: ")
	domain, _ := reader.ReadString('\n')
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return fmt.Errorf("base domain is required")
	}
	if !isValidDomain(domain) {
		return fmt.Errorf("invalid domain format: %s", domain)
	}

	fmt.Println()
	fmt.Printf("Server port [%d]: ", defaultPort)
	portStr, _ := reader.ReadString('\n')
	portStr = strings.TrimSpace(portStr)
	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port number: %s", portStr)
		}
		port = p
	}

	fmt.Println()
	fmt.Print("Marketing site URL (optional, blank to skip): ")
	marketing, _ := reader.ReadString('\n')
	marketing = strings.TrimSpace(marketing)

	cfg := daemonConfig{Port: port, BaseDomain: domain, MarketingURL: marketing}

	fmt.Println()
	fmt.Print("Saving configuration... ")
	if err := saveDaemonConfig(cfg, configPath, isRoot); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Println("Done")
	fmt.Printf("Configuration saved to: %s\n", configPath)

	if runtime.GOOS == "linux" && isRoot {
		fmt.Println()
		fmt.Print("Install systemd service? [Y/n]: ")
		response, _ := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(response); trimmed == "" || isYes(response) {
			if err := installSystemdService(); err != nil {
				fmt.Printf("\nWarning: Failed to install systemd service: %v\n", err)
				fmt.Println("You can install it manually later.")
			} else {
				fmt.Println()
				fmt.Println("Systemd service installed and enabled.")
			}
		}
	}

	printSetupSummary(cfg, configPath, isRoot)
	return nil
}

type daemonConfig struct {
	Port         int
	BaseDomain   string
	MarketingURL string
}

func isYes(response string) bool {
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func isValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")

	for _, part := range strings.Split(domain, ".") {
		if len(part) == 0 || len(part) > 63 {
			return false
		}
		for i, c := range part {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || (c == '-' && i > 0 && i < len(part)-1)) {
				return false
			}
		}
	}
	return strings.Contains(domain, ".")
}

func saveDaemonConfig(cfg daemonConfig, path string, isRoot bool) error {
	dir := filepath.Dir(path)
	if isRoot {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	content := fmt.Sprintf(`# subtund configuration
# Generated by 'subtund init'

SUBTUN_PORT=%d
SUBTUN_DOMAIN=%s
SUBTUN_MARKETING_URL=%s
SUBTUN_PRODUCTION=true
`, cfg.Port, cfg.BaseDomain, cfg.MarketingURL)

	return os.WriteFile(path, []byte(content), 0600)
}

func installSystemdService() error {
	fmt.Print("Creating subtun system user... ")
	exec.Command("useradd", "-r", "-s", "/bin/false", "-d", "/var/lib/subtun", "subtun").Run()
	fmt.Println("Done")

	fmt.Print("Installing systemd service... ")
	if err := os.WriteFile(defaultSystemdPath, []byte(systemdServiceContent), 0644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Reloading systemd... ")
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	fmt.Println("Done")

	fmt.Print("Enabling subtund service... ")
	if err := exec.Command("systemctl", "enable", "subtund").Run(); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	fmt.Println("Done")
	return nil
}

func printSetupSummary(cfg daemonConfig, configPath string, isRoot bool) {
	fmt.Println()
	fmt.Println("  ╭───────────────────────────────────────────────────────╮")
	fmt.Println("  │              Setup Complete!                          │")
	fmt.Println("  ╰───────────────────────────────────────────────────────╯")
	fmt.Println()
	fmt.Println("  Server Configuration:")
	fmt.Printf("    Domain:       %s\n", cfg.BaseDomain)
	fmt.Printf("    Port:         %d\n", cfg.Port)
	fmt.Printf("    Config file:  %s\n", configPath)
	fmt.Println()

	if runtime.GOOS == "linux" && isRoot {
		fmt.Println("  Server Management:")
		fmt.Println("    sudo systemctl start subtund    # Start server")
		fmt.Println("    sudo systemctl stop subtund     # Stop server")
		fmt.Println("    sudo journalctl -u subtund -f   # View logs")
	} else {
		fmt.Println("  To start the server manually:")
		fmt.Printf("    set -a && source %s && set +a && subtund\n", configPath)
	}
	fmt.Println()
}

const systemdServiceContent = `[Unit]
Description=subtun Reverse Tunneling Server Daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=subtun
Group=subtun

EnvironmentFile=-/etc/subtun/subtund.env
ExecStart=/usr/local/bin/subtund

Restart=on-failure
RestartSec=5s

LimitNOFILE=65536

NoNewPrivileges=yes
ProtectSystem=strict
ProtectHome=yes
PrivateTmp=yes

StandardOutput=journal
StandardError=journal
SyslogIdentifier=subtund

[Install]
WantedBy=multi-user.target
`
