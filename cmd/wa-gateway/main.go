// ABOUTME: Entry point for wa-gateway, an HTTP gateway for one WhatsApp session
// ABOUTME: Cobra command tree for serving the API and talking to a running gateway

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                                 _
 __      ____ _       __ _  __ _| |_ _____      ____ _ _   _
 \ \ /\ / / _' |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  \ V  V / (_| |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
   \_/\_/ \__,_|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: WA_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/wa-gateway/gateway.yaml > ~/.config/wa-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WA_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wa-gateway", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions holds flags shared by every command.
type cliOptions struct {
	configPath string
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	serve := &serveOptions{cli: opts}

	root := &cobra.Command{
		Use:           "wa-gateway",
		Short:         "HTTP gateway for a single WhatsApp session",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve.run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getConfigPath(), "config file (YAML, or TOML by extension)")

	root.AddCommand(
		serveCmd(serve),
		initCmd(opts),
		healthCmd(opts),
		statusCmd(opts),
		qrCmd(opts),
		sendCmd(opts),
	)
	return root
}

// serveOptions holds flags for the serve command.
type serveOptions struct {
	cli       *cliOptions
	transport string
	quiet     bool
}

func serveCmd(o *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&o.transport, "transport", "", "override transport.kind (whatsapp, matrix, loopback)")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "do not draw pairing QR codes in the terminal")
	return cmd
}

func (o *serveOptions) run(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := o.cli.loadConfig()
	if err != nil {
		return err
	}
	if o.transport != "" {
		cfg.Transport.Kind = o.transport
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	printStartup(cfg, o.cli.configPath)

	logger.Info("starting wa-gateway",
		"config", o.cli.configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"transport", cfg.Transport.Kind,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if !o.quiet {
		startConsole(ctx, gw.Controller(), os.Stdout)
	}

	return gw.Run(ctx)
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if _, err := os.Stat(configPath); err != nil {
		gray.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Transport: %s\n", cfg.Transport.Kind)
	if cfg.Transport.Kind == config.TransportWhatsApp {
		green.Print("    ▶ ")
		fmt.Printf("Session:   %s\n", cfg.Transport.WhatsApp.StorePath())
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()
}
