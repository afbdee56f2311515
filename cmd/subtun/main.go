// Subtun is the subtun tunneling client CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/subtun-io/subtun/internal/clientside"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "subtun",
	Short: "Expose a local HTTP service through a subtund tunnel",
	Long: `Subtun dials a subtund server and exposes a local HTTP service under a
public subdomain.

Examples:
  subtun http 3000                     # Expose local port 3000
  subtun http 3000 --subdomain myapp   # Request a specific subdomain
  subtun http 8080 --host 192.168.1.5  # Forward to a different host

Configuration via environment variables:
  SUBTUN_SERVER - subtund server URL (e.g. https://tun.example.com)`,
}

var httpCmd = &cobra.Command{
	Use:   "http <port>",
	Short: "Expose a local HTTP service",
	Args:  cobra.ExactArgs(1),
	RunE:  runHTTPTunnel,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.subtun.yaml)")
	rootCmd.PersistentFlags().StringP("server", "s", "", "subtund server URL")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	httpCmd.Flags().String("subdomain", "", "Request a specific subdomain")
	httpCmd.Flags().String("host", "127.0.0.1", "Local host to forward to")
	httpCmd.Flags().Bool("tui", false, "Enable interactive TUI for request inspection")
	httpCmd.Flags().Bool("qr", false, "Print a QR code for the public URL")
	httpCmd.Flags().Bool("clip", false, "Copy the public URL to the clipboard")

	viper.BindPFlag("subdomain", httpCmd.Flags().Lookup("subdomain"))
	viper.BindPFlag("host", httpCmd.Flags().Lookup("host"))
	viper.BindPFlag("tui", httpCmd.Flags().Lookup("tui"))
	viper.BindPFlag("qr", httpCmd.Flags().Lookup("qr"))
	viper.BindPFlag("clip", httpCmd.Flags().Lookup("clip"))

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("subtun version %s\n", version)
		},
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".subtun")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("SUBTUN")
	viper.AutomaticEnv()
	viper.BindEnv("server", "SUBTUN_SERVER")
	viper.ReadInConfig()
}

func runHTTPTunnel(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %s", args[0])
	}

	serverURL := viper.GetString("server")
	if serverURL == "" {
		return fmt.Errorf("server URL is required (set SUBTUN_SERVER or use --server)")
	}

	cfg := clientside.Config{
		ServerURL: serverURL,
		Subdomain: viper.GetString("subdomain"),
		LocalHost: viper.GetString("host"),
		LocalPort: port,
	}

	c, err := clientside.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer c.Close()

	useTUI := viper.GetBool("tui")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !useTUI {
			fmt.Println()
			fmt.Println(lipgloss.NewStyle().Foreground(warningColor).Render("   ⏹  Shutting down tunnel..."))
		}
		cancel()
		c.Close()
	}()

	if !useTUI {
		fmt.Println()
		fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Italic(true).Render("   Connecting to server..."))
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if viper.GetBool("clip") {
		if err := clipboard.WriteAll(c.PublicURL()); err != nil {
			fmt.Fprintf(os.Stderr, "   warning: could not copy URL to clipboard: %v\n", err)
		}
	}

	if useTUI {
		go c.Run(ctx)
		return runTUI(c)
	}

	printConnectionInfo(c, cfg.LocalHost, port)
	if viper.GetBool("qr") {
		qrterminal.GenerateHalfBlock(c.PublicURL(), qrterminal.L, os.Stdout)
		fmt.Println()
	}

	c.OnRequest = func(log clientside.RequestLog) {
		printRequest(log)
	}

	return c.Run(ctx)
}

var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#6B7280")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	infoColor    = lipgloss.Color("#3B82F6")

	logoStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	urlLabelStyle = lipgloss.NewStyle().Foreground(mutedColor)
	urlValueStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)

	statusDotStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	statusTextStyle = lipgloss.NewStyle().Foreground(accentColor)

	forwardStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor).Italic(true).MarginTop(1)
	arrowStyle   = lipgloss.NewStyle().Foreground(primaryColor)

	timeStyle           = lipgloss.NewStyle().Foreground(mutedColor).Width(10)
	methodDefaultStyle  = lipgloss.NewStyle().Bold(true).Foreground(mutedColor).Width(7)
	methodGetStyle      = lipgloss.NewStyle().Bold(true).Foreground(accentColor).Width(7)
	methodPostStyle     = lipgloss.NewStyle().Bold(true).Foreground(warningColor).Width(7)
	pathLogStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#D1D5DB"))
	statusSuccessStyle  = lipgloss.NewStyle().Foreground(accentColor)
	statusRedirectStyle = lipgloss.NewStyle().Foreground(infoColor)
	statusErrorStyle    = lipgloss.NewStyle().Foreground(errorColor)
	durationLogStyle    = lipgloss.NewStyle().Foreground(mutedColor)
)

func printConnectionInfo(c *clientside.Client, localHost string, localPort int) {
	logo := logoStyle.Render(`
   ███████╗██╗   ██╗██████╗ ████████╗██╗   ██╗███╗   ██╗
   ██╔════╝██║   ██║██╔══██╗╚══██╔══╝██║   ██║████╗  ██║
   ███████╗██║   ██║██████╔╝   ██║   ██║   ██║██╔██╗ ██║
   ╚════██║██║   ██║██╔══██╗   ██║   ██║   ██║██║╚██╗██║
   ███████║╚██████╔╝██████╔╝   ██║   ╚██████╔╝██║ ╚████║
   ╚══════╝ ╚═════╝ ╚═════╝    ╚═╝    ╚═════╝ ╚═╝  ╚═══╝`)
	fmt.Println(logo)

	fmt.Printf("   %s %s\n", statusDotStyle.Render("●"), statusTextStyle.Render("Tunnel Active"))
	fmt.Println()

	fmt.Println(urlLabelStyle.Render("   Public URL"))
	fmt.Printf("%s %s\n", arrowStyle.Render("   →"), urlValueStyle.Render(c.PublicURL()))
	fmt.Println()

	fmt.Println(forwardStyle.Render("   Forwarding to"))
	fmt.Printf("%s %s\n", arrowStyle.Render("   →"), forwardStyle.Render(fmt.Sprintf("%s:%d", localHost, localPort)))
	fmt.Println()

	fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Render("   ─────────────────────────────────────────────────"))
	fmt.Println()
	fmt.Println(helpStyle.Render("   Press Ctrl+C to stop the tunnel"))
	fmt.Println()
	fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Bold(true).Render("   Requests"))
	fmt.Println()
}

func methodStyle(method string) lipgloss.Style {
	switch method {
	case "GET":
		return methodGetStyle
	case "POST":
		return methodPostStyle
	default:
		return methodDefaultStyle
	}
}

func responseStatusStyle(code int) lipgloss.Style {
	switch {
	case code >= 200 && code < 300:
		return statusSuccessStyle
	case code >= 300 && code < 400:
		return statusRedirectStyle
	case code >= 400:
		return statusErrorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func printRequest(log clientside.RequestLog) {
	timestamp := timeStyle.Render(log.Timestamp.Format("15:04:05"))
	method := methodStyle(log.Method).Render(log.Method)
	path := pathLogStyle.Render(log.Path)
	status := responseStatusStyle(log.StatusCode).Render(fmt.Sprintf("%d", log.StatusCode))
	duration := durationLogStyle.Render(formatDuration(log.Duration))

	fmt.Printf("   %s  %s %s %s %s\n", timestamp, method, status, duration, path)
}
