// Command mantis is the honeypot binary. It loads a YAML configuration
// file, starts the enabled protocol emulators and the dashboard, and shuts
// down gracefully on SIGTERM or SIGINT. The stats subcommand prints capture
// rollups from an existing database and exits.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/mantis-sec/mantis/internal/config"
	"github.com/mantis-sec/mantis/internal/core"
	"github.com/mantis-sec/mantis/internal/storage"
)

const version = "1.0.0"

const banner = `
  __  __    _    _   _ _____ ___ ____
 |  \/  |  / \  | \ | |_   _|_ _/ ___|
 | |\/| | / _ \ |  \| | | |  | |\___ \
 | |  | |/ ___ \| |\  | | |  | | ___) |
 |_|  |_/_/   \_\_| \_| |_| |___|____/
`

const (
	colorGreen = "\033[92m"
	colorRed   = "\033[91m"
	colorDim   = "\033[2m"
	colorReset = "\033[0m"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "stats" {
		if err := runStats(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "mantis: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mantis: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mantis", flag.ExitOnError)
	var (
		configPath  string
		dbPath      string
		verbose     bool
		quiet       bool
		headless    bool
		showVersion bool
	)
	fs.StringVar(&configPath, "c", "", "path to the YAML configuration file")
	fs.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	fs.StringVar(&dbPath, "db", "", "override the SQLite database path")
	fs.BoolVar(&verbose, "v", false, "debug logging")
	fs.BoolVar(&verbose, "verbose", false, "debug logging")
	fs.BoolVar(&quiet, "q", false, "errors only")
	fs.BoolVar(&quiet, "quiet", false, "errors only")
	fs.BoolVar(&headless, "headless", false, "run without a terminal (implied; kept for script compatibility)")
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("mantis %s\n", version)
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	logger := newLogger(cfg.LogLevel, verbose, quiet)
	slog.SetDefault(logger)

	generatedToken := ""
	if cfg.Dashboard.Enabled && cfg.Dashboard.AuthToken == "" {
		token, err := randomToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		cfg.Dashboard.AuthToken = token
		generatedToken = token
	}

	if !quiet {
		fmt.Print(banner)
		fmt.Printf("  Network Threat Intelligence v%s\n", version)
		fmt.Printf("  %sWatch. Wait. Capture.%s\n\n", colorDim, colorReset)
	}

	orch := core.New(cfg, logger)
	if !quiet {
		orch.Checklist = printCheck
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		return err
	}
	if configPath != "" {
		if err := orch.WatchConfig(configPath); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	if !quiet {
		if generatedToken != "" {
			fmt.Printf("\n  Dashboard auth token: %s\n", generatedToken)
		}
		if cfg.Dashboard.Enabled {
			fmt.Printf("  Dashboard: http://%s:%d\n", displayHost(cfg.Dashboard.Host), cfg.Dashboard.Port)
		}
		fmt.Println()
	}

	return orch.Run(ctx)
}

func printCheck(ok bool, msg string) {
	mark := colorGreen + "✔" + colorReset
	if !ok {
		mark = colorRed + "✘" + colorReset
	}
	fmt.Printf("  %s %s\n", mark, msg)
}

// randomToken returns a 24-byte URL-safe token for the dashboard.
func randomToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// displayHost resolves the wildcard bind address to the machine's outbound
// IP so the printed dashboard URL is clickable.
func displayHost(host string) string {
	if host != "0.0.0.0" && host != "" && host != "::" {
		return host
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func newLogger(level string, verbose, quiet bool) *slog.Logger {
	var l slog.Level
	switch {
	case quiet:
		l = slog.LevelError
	case verbose:
		l = slog.LevelDebug
	default:
		switch level {
		case "debug":
			l = slog.LevelDebug
		case "warn":
			l = slog.LevelWarn
		case "error":
			l = slog.LevelError
		default:
			l = slog.LevelInfo
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// runStats prints capture rollups from an existing database.
func runStats(args []string) error {
	fs := flag.NewFlagSet("mantis stats", flag.ExitOnError)
	dbPath := fs.String("db", "honeypot.db", "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := storage.OpenSQLite(*dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("MANTIS Statistics")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Total Events:    %d\n", stats.TotalEvents)
	fmt.Printf("Total Sessions:  %d\n", stats.TotalSessions)
	fmt.Printf("Unique IPs:      %d\n", stats.UniqueIPs)
	fmt.Printf("Total Alerts:    %d\n", stats.TotalAlerts)
	fmt.Printf("Unacked Alerts:  %d\n", stats.UnacknowledgedAlerts)

	if len(stats.EventsByService) > 0 {
		fmt.Println("\nEvents by Service:")
		for _, name := range config.ServiceNames {
			if count, ok := stats.EventsByService[name]; ok {
				fmt.Printf("  %-10s %d\n", name, count)
			}
		}
	}
	if len(stats.TopIPs) > 0 {
		fmt.Println("\nTop IPs:")
		for _, row := range stats.TopIPs {
			fmt.Printf("  %-20s %d events\n", row.IP, row.Count)
		}
	}
	return nil
}
