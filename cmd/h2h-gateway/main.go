// ABOUTME: Entry point for the h2h-gateway conversation server
// ABOUTME: Provides serve, init, health, token and personas commands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/h2h-gateway/internal/auth"
	"github.com/2389/h2h-gateway/internal/config"
	"github.com/2389/h2h-gateway/internal/gateway"
	"github.com/2389/h2h-gateway/internal/persona"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _     ____  _
| |__ |___ \| |__         __ _  __ _| |_ _____      ____ _ _   _
| '_ \  __) | '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | |/ __/| | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|_____|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                         |___/                             |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: H2H_CONFIG env var > XDG_CONFIG_HOME/h2h/gateway.yaml > ~/.config/h2h/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("H2H_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "h2h", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: h2h-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  health                             Check gateway health")
	fmt.Println("  token --subject NAME [--ttl D]     Issue an API token")
	fmt.Println("  personas                           List available personas")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "personas":
		err = runPersonas(os.Stdout)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s (%s)\n", cfg.Upstream.AgentEndpoint, cfg.Upstream.Model)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		switch {
		case cfg.Tailscale.Funnel:
			yellow.Print(" [funnel]")
		case cfg.Tailscale.HTTPS:
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting h2h-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"turn_delay", cfg.Conversation.TurnDelay,
		"max_turns", cfg.Conversation.MaxTurns,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return errors.New("health check needs server.http_addr")
	}

	for _, path := range []string{"/health", "/health/ready"} {
		body, err := get(ctx, "http://"+cfg.Server.HTTPAddr+path)
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %s\n", path, body)
	}
	return nil
}

// get fetches url and fails on a non-200 status.
func get(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var out tokenArgs
	fs.StringVar(&out.subject, "subject", "", "token subject")
	fs.DurationVar(&out.ttl, "ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return tokenArgs{}, err
	}
	if fs.NArg() > 0 {
		return tokenArgs{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	out.subject = strings.TrimSpace(out.subject)
	if out.subject == "" {
		return tokenArgs{}, errors.New("--subject is required")
	}
	if out.ttl <= 0 {
		return tokenArgs{}, errors.New("--ttl must be positive")
	}
	return out, nil
}

func runToken(args []string, w io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return issueToken(cfg.Auth.JWTSecret, parsed, w)
}

func issueToken(secret string, args tokenArgs, w io.Writer) error {
	if secret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(args.subject, args.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// runPersonas lists the configured catalog, falling back to the builtins
// when no config file exists.
func runPersonas(w io.Writer) error {
	var path string
	cfg, err := config.Load(getConfigPath())
	switch {
	case err == nil:
		path = cfg.Personas.Path
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("loading config: %w", err)
	}

	catalog, err := persona.Load(path)
	if err != nil {
		return err
	}
	return printPersonas(w, catalog.List())
}

func printPersonas(w io.Writer, personas []persona.Persona) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("ID")+"\t"+color.New(color.Bold).Sprint("NAME"))
	for _, p := range personas {
		fmt.Fprintf(tw, "%s\t%s\n", color.CyanString(p.ID), p.Name)
	}
	return tw.Flush()
}
