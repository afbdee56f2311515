// Subtund is the subtun reverse tunneling server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/subtun-io/subtun/internal/logging"
	"github.com/subtun-io/subtun/internal/server"
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
	Use:   "subtund",
	Short: "subtun reverse tunneling server daemon",
	Long: `Subtund accepts outbound tunnel connections from subtun clients and
routes inbound public HTTP and WebSocket traffic to them by subdomain.

Configuration via environment variables:
  SUBTUN_PORT        - Public HTTP listening port (default: 8080)
  SUBTUN_DOMAIN      - Base domain for tunnel subdomains (e.g. tun.example.com)
  SUBTUN_MAX_SOCKETS - Socket cap per tunnel (default: 10)
  SUBTUN_PRODUCTION  - "true" for JSON logging at Info level`,
	RunE: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.subtund.yaml)")
	rootCmd.Flags().IntP("port", "p", 8080, "Public HTTP listening port")
	rootCmd.Flags().StringP("domain", "d", "", "Base domain for tunnel URLs")
	rootCmd.Flags().String("marketing-url", "", "Marketing site to redirect/proxy bare requests to")
	rootCmd.Flags().Int("max-sockets", 10, "Socket cap per tunnel")
	rootCmd.Flags().Bool("production", false, "Enable production logging (JSON, Info level)")
	rootCmd.Flags().String("log-file", "", "Rotate logs to this file instead of stdout")

	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("domain", rootCmd.Flags().Lookup("domain"))
	viper.BindPFlag("marketing-url", rootCmd.Flags().Lookup("marketing-url"))
	viper.BindPFlag("max-sockets", rootCmd.Flags().Lookup("max-sockets"))
	viper.BindPFlag("production", rootCmd.Flags().Lookup("production"))
	viper.BindPFlag("log-file", rootCmd.Flags().Lookup("log-file"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("subtund version %s\n", version)
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
			viper.SetConfigName(".subtund")
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("SUBTUN")
	viper.AutomaticEnv()

	viper.BindEnv("port", "SUBTUN_PORT")
	viper.BindEnv("domain", "SUBTUN_DOMAIN")
	viper.BindEnv("marketing-url", "SUBTUN_MARKETING_URL")
	viper.BindEnv("max-sockets", "SUBTUN_MAX_SOCKETS")
	viper.BindEnv("production", "SUBTUN_PRODUCTION")
	viper.BindEnv("log-file", "SUBTUN_LOG_FILE")

	viper.ReadInConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	domain := viper.GetString("domain")
	if domain == "" {
		return fmt.Errorf("base domain is required (set SUBTUN_DOMAIN or use --domain)")
	}

	production := viper.GetBool("production")
	logger, logFile := logging.Setup(logging.Config{
		Production: production,
		File:       viper.GetString("log-file"),
	})
	if logFile != nil {
		defer logFile.Close()
	}

	cfg := server.DefaultConfig()
	cfg.Port = viper.GetInt("port")
	cfg.BaseDomain = domain
	cfg.MarketingURL = viper.GetString("marketing-url")
	cfg.MaxSockets = viper.GetInt("max-sockets")
	cfg.Production = production

	srv := server.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("subtund: %w", err)
	}
	return nil
}
