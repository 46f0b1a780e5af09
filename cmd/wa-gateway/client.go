// ABOUTME: Commands that talk to a running gateway over its HTTP API
// ABOUTME: health, status, qr and send

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/2389/wa-gateway/internal/gateway"
)

// apiClient calls a gateway's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(httpAddr string) *apiClient {
	return &apiClient{
		baseURL: baseURL(httpAddr),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(httpAddr string) string {
	if strings.HasPrefix(httpAddr, "http://") || strings.HasPrefix(httpAddr, "https://") {
		return strings.TrimRight(httpAddr, "/")
	}
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return "http://" + httpAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// do sends a request and returns the status code and body.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the error message of a JSON error body.
func apiError(status int, data []byte) error {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("gateway returned status %d", status)
	}
	if body.Details != "" {
		return fmt.Errorf("%s: %s (status %d)", body.Error, body.Details, status)
	}
	return fmt.Errorf("%s (status %d)", body.Error, status)
}

func clientFor(o *cliOptions) (*apiClient, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Server.HTTPAddr), nil
}

func healthCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(o)
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

func runHealth(ctx context.Context, client *apiClient, w io.Writer) error {
	status, _, err := client.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	_, body, err := client.do(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Fprintf(w, "healthy, %s\n", body)
	return nil
}

func statusCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session status of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(o)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, client *apiClient, w io.Writer) error {
	code, data, err := client.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(code, data)
	}

	var status gateway.StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(w, "Transport: %s\n", status.Transport)
	fmt.Fprint(w, "Phase:     ")
	if status.Connected {
		green.Fprintln(w, status.Phase)
	} else {
		yellow.Fprintln(w, status.Phase)
	}
	if status.Info != nil {
		fmt.Fprintf(w, "Account:   %s", status.Info.Address)
		if status.Info.Name != "" {
			fmt.Fprintf(w, " (%s)", status.Info.Name)
		}
		fmt.Fprintln(w)
	}
	if status.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", status.Reason)
	}
	if status.QRAvailable {
		fmt.Fprintln(w, "QR code available: run `wa-gateway qr` to display it")
	}
	return nil
}

func qrCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "qr",
		Short: "Display the pairing QR code of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(o)
			if err != nil {
				return err
			}
			return runQR(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

func runQR(ctx context.Context, client *apiClient, w io.Writer) error {
	code, data, err := client.do(ctx, http.MethodGet, "/qr", nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(code, data)
	}

	var qr gateway.QRResponse
	if err := json.Unmarshal(data, &qr); err != nil {
		return fmt.Errorf("decoding QR response: %w", err)
	}
	qrterminal.GenerateHalfBlock(qr.QR, qrterminal.L, w)
	fmt.Fprintln(w, qr.Message)
	return nil
}

// sendOptions holds flags for the send command.
type sendOptions struct {
	to      string
	message string
}

func sendCmd(o *cliOptions) *cobra.Command {
	s := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(o)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), client, s, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&s.to, "to", "", "recipient phone number or address")
	cmd.Flags().StringVarP(&s.message, "message", "m", "", "message text")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runSend(ctx context.Context, client *apiClient, s *sendOptions, w io.Writer) error {
	code, data, err := client.do(ctx, http.MethodPost, "/send", map[string]string{
		"to":      s.to,
		"message": s.message,
	})
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return apiError(code, data)
	}

	var resp gateway.SendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding send response: %w", err)
	}
	color.New(color.FgGreen).Fprint(w, "✓ ")
	fmt.Fprintf(w, "sent to %s (id %s)\n", resp.To, resp.MessageID)
	return nil
}
