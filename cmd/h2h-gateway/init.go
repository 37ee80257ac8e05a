// ABOUTME: Interactive config writer for the init command
// ABOUTME: Prompts for server, upstream and tailscale settings and renders gateway.yaml

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/h2h-gateway/internal/config"
)

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	HTTPAddr      string
	AgentEndpoint string
	APIBase       string
	AgentID       string
	AgentKey      string
	Model         string
	TurnDelay     string
	MaxTurns      string
	JWTSecret     string

	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	TSFunnel    bool

	LogLevel  string
	LogFormat string
	Metrics   bool
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "h2h-gateway configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Upstream Configuration ---")
	a.AgentEndpoint = prompt(reader, out, "Agent endpoint (OpenAI-compatible base URL)", "http://localhost:9090/v1")
	a.Model = prompt(reader, out, "Model", config.DefaultModel)
	a.APIBase = prompt(reader, out, "Identity service base URL (leave empty for a static key)", "")
	if a.APIBase != "" {
		a.AgentID = prompt(reader, out, "Agent ID (uuid)", "")
	}
	a.AgentKey = prompt(reader, out, "Agent key", "${H2H_AGENT_KEY}")

	fmt.Fprintln(out, "\n--- Conversation ---")
	a.TurnDelay = prompt(reader, out, "Delay between turns", config.DefaultTurnDelay.String())
	a.MaxTurns = prompt(reader, out, "Maximum turns per conversation (0 for default)", fmt.Sprint(config.DefaultMaxTurns))

	fmt.Fprintln(out, "\n--- Authentication ---")
	if yes(prompt(reader, out, "Require API tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "h2h-gateway")
		a.TSAuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		a.TSFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.Metrics = yes(prompt(reader, out, "Expose Prometheus metrics?", "no"))

	rendered := renderConfig(a)
	if _, err := config.Parse([]byte(rendered)); err != nil {
		// Env references such as ${H2H_AGENT_KEY} may only resolve at serve time.
		fmt.Fprintf(out, "\nWarning: %v\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold the JWT secret.
	if err := os.WriteFile(outputFile, []byte(rendered), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  h2h-gateway serve")
	if a.JWTSecret != "" {
		fmt.Fprintln(out, "\nTo issue an API token:")
		fmt.Fprintln(out, "  h2h-gateway token --subject you")
	}
	return nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# h2h-gateway configuration\n")
	cfg.WriteString("# Generated by h2h-gateway init\n\n")

	if !a.Tailscale {
		cfg.WriteString("server:\n")
		fmt.Fprintf(&cfg, "  http_addr: %q\n\n", a.HTTPAddr)
	}

	cfg.WriteString("upstream:\n")
	fmt.Fprintf(&cfg, "  agent_endpoint: %q\n", a.AgentEndpoint)
	fmt.Fprintf(&cfg, "  model: %q\n", a.Model)
	if a.APIBase != "" {
		fmt.Fprintf(&cfg, "  api_base: %q\n", a.APIBase)
		fmt.Fprintf(&cfg, "  agent_id: %q\n", a.AgentID)
	}
	fmt.Fprintf(&cfg, "  agent_key: %q\n\n", a.AgentKey)

	cfg.WriteString("conversation:\n")
	fmt.Fprintf(&cfg, "  turn_delay: %q\n", a.TurnDelay)
	fmt.Fprintf(&cfg, "  max_turns: %s\n\n", a.MaxTurns)

	if a.JWTSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", a.JWTSecret)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", a.LogFormat)

	cfg.WriteString("metrics:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Metrics)
	fmt.Fprintf(&cfg, "  path: %q\n", config.DefaultMetricsPath)

	return cfg.String()
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
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
