package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/taskpool"
	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// Worker processes re-enter this binary; they must never reach the CLI.
	if !taskpool.IsCoordinator() {
		os.Exit(runWorker(os.Args[1:]))
	}
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "bench":
		return runBench(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "history":
		return runHistory(args)
	case "check":
		return runCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: fibpool version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("fibpool %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// loadConfig loads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: fibpool check --config PATH [--json]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if *jsonOut {
		out := map[string]any{"valid": err == nil}
		if err != nil {
			out["error"] = err.Error()
		} else {
			out["path"] = cfg.Path
			out["fingerprint"] = cfg.Fingerprint
			out["queue"] = cfg.Queue.Name
			out["workers"] = cfg.Queue.Workers
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		if err != nil {
			return 1
		}
		return 0
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration valid: %s\n", cfg.Path)
	fmt.Printf("fingerprint: %s\n", cfg.Fingerprint)
	fmt.Printf("queue: %s (%d workers, poll every %s)\n", cfg.Queue.Name, cfg.Queue.Workers, cfg.Queue.PollInterval)
	if cfg.API.Enabled {
		fmt.Printf("api: %s (auth %s)\n", cfg.API.Listen, onOff(cfg.API.Token != ""))
	}
	if cfg.History.Enabled {
		fmt.Printf("history: %s (retention %s)\n", cfg.History.Path, cfg.History.Retention)
	}
	return 0
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "fibpool API URL")
	token := fs.String("token", os.Getenv("FIBPOOL_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := tui.Run(ctx, *apiURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printUsage() {
	fmt.Print(`fibpool - Parallel fibonacci on a bounded worker pool

Usage:
  fibpool <command> [flags]

Commands:
  bench     Time parallel fibonacci tasks against a sequential control run
  serve     Run the queue with its HTTP API, metrics and history journal
  watch     Live terminal monitor for a running 'fibpool serve'
  history   Inspect the settled-task journal (list, summary, prune)
  check     Validate a configuration file and print its fingerprint
  version   Print version metadata (--json)
  help      Show this help

Examples:
  fibpool bench -n 32 --tasks 4
  fibpool serve --config ./config.yaml
  fibpool watch --api-url http://127.0.0.1:8080 --token $FIBPOOL_API_TOKEN
  fibpool history list --config ./config.yaml --limit 10
`)
}
