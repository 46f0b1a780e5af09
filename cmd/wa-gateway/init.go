// ABOUTME: Interactive config file writer for wa-gateway
// ABOUTME: Prompts for listen address, transport and logging settings

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/wa-gateway/internal/config"
)

func initCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), o.configPath)
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(answer string) bool {
		answer = strings.ToLower(answer)
		return answer == "yes" || answer == "y"
	}

	fmt.Fprintln(out, "wa-gateway configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := ask("HTTP address", ":"+config.DefaultPort)
	grpcAddr := ask("gRPC health address (leave empty to disable)", "")

	fmt.Fprintln(out, "\n--- Transport Configuration ---")
	kind := ask("Transport (whatsapp/matrix/loopback)", config.TransportWhatsApp)

	var transport strings.Builder
	switch kind {
	case config.TransportWhatsApp:
		clientID := ask("Client ID", "whatsapp-gateway")
		storeDir := ask("Session store directory", config.DefaultDataDir())
		fmt.Fprintf(&transport, "  whatsapp:\n")
		fmt.Fprintf(&transport, "    client_id: %q\n", clientID)
		fmt.Fprintf(&transport, "    store_dir: %q\n", storeDir)
	case config.TransportMatrix:
		homeserver := ask("Homeserver URL", "https://matrix.org")
		username := ask("Username", "")
		fmt.Fprintf(&transport, "  matrix:\n")
		fmt.Fprintf(&transport, "    homeserver: %q\n", homeserver)
		fmt.Fprintf(&transport, "    username: %q\n", username)
		fmt.Fprintf(&transport, "    password: \"${MATRIX_PASSWORD}\"\n")
	case config.TransportLoopback:
		fmt.Fprintf(&transport, "  loopback:\n")
		fmt.Fprintf(&transport, "    auto_pair_after: \"5s\"\n")
	default:
		return fmt.Errorf("unknown transport %q", kind)
	}

	fmt.Fprintln(out, "\n--- Dispatch Configuration ---")
	pacing := ask("Pause between bulk messages", "1s")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(ask("Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = ask("Tailscale hostname", "wa-gateway")
		tsAuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(ask("Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := ask("Log level (debug/info/warn/error)", "info")
	logFormat := ask("Log format (text/json)", "text")
	metricsEnabled := yes(ask("Expose Prometheus metrics?", "no"))

	var cfg strings.Builder
	cfg.WriteString("# wa-gateway configuration\n")
	cfg.WriteString("# Generated by wa-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("transport:\n")
	cfg.WriteString(fmt.Sprintf("  kind: %q\n", kind))
	cfg.WriteString(transport.String())
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString(fmt.Sprintf("  pacing_interval: %q\n", pacing))
	cfg.WriteString("  send_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", metricsEnabled))
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  wa-gateway serve --config %s\n", outputFile)

	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
