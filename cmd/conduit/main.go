package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/client"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "."

func main() {
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
	case "run", "start":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "request":
		if hasHelpFlag(args) {
			printRequestHelp()
			return 0
		}
		return runRequest(args)
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "journal":
		return runJournalNoun(args)
	case "config":
		return runConfigNoun(args)
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

func printUsage() {
	fmt.Print(`conduit - prioritising request scheduler for code-analysis servers

Usage:
  conduit <command> [flags]

Commands:
  run                       Connect to the server and serve the debug API
  request <command> [json]  Send one request and print the response body
  monitor                   Live terminal monitor for a running conduit
  journal list              Show recently completed requests
  journal prune             Drop journal rows older than the retention window
  config check              Validate configuration and integrity
  config lock               Record configuration integrity hashes
  version                   Show version information
  help                      Show this help message

Most commands accept --config PATH (file or directory, default ".").
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- VERSION ---

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
		fmt.Fprintln(os.Stderr, "Usage: conduit version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("conduit %s\n", info.Version)
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
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// --- RUN ---

func printRunHelp() {
	fmt.Println("Usage: conduit run [--config PATH]")
	fmt.Println("Connect to the analysis server, then serve the debug API and journal until interrupted.")
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("conduit starting", "version", version, "config", *configPath, "transport", cfg.Client.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		owner, err := lock.Acquire(lock.PathFor(cfg.Journal.Path))
		if err != nil {
			logger.Error("failed to lock journal (another conduit may be running)", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer owner.Release()

		jr, err = journal.Open(ctx, cfg.Journal.Path, log.WithComponent("journal"))
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer jr.Close()
		logger.Info("journal opened", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention)
	}

	drv, err := driver.New(cfg.Client.Transport, cfg.Server, log.WithComponent("driver"))
	if err != nil {
		logger.Error("failed to build driver", "error", err)
		return 1
	}

	c := client.New(drv, client.OptionsFromConfig(cfg.Client), log.Get())
	defer c.Dispose()

	if jr != nil {
		go jr.Run(ctx, c, cfg.Journal.Retention)
	}

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		feed := events.NewFeed(512)
		go api.Relay(ctx, c, feed)

		server := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.APIKey,
			RequestTimeout: cfg.API.RequestTimeout,
		}, c, journalReader(jr), feed, log.Get())
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if err := c.Connect(ctx); err != nil {
		logger.Error("failed to connect to server", "error", err)
		return 1
	}
	logger.Info("conduit running (press Ctrl+C to stop)", "client_id", c.ID())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("conduit stopped")
	return 0
}

// journalReader keeps a nil *Journal from becoming a non-nil interface.
func journalReader(j *journal.Journal) api.JournalReader {
	if j == nil {
		return nil
	}
	return j
}

// --- REQUEST ---

func printRequestHelp() {
	fmt.Println("Usage: conduit request <command> [json] [--config PATH] [--timeout D] [--silent]")
	fmt.Println("Connect, send one request through the scheduler, print the response body and exit.")
}

func runRequest(args []string) int {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	timeout := fs.Duration("timeout", 60*time.Second, "How long to wait for the response")
	silent := fs.Bool("silent", false, "Mark the request silent")

	flagArgs, positionals := splitFlagsAndPositionals(args, map[string]bool{"config": true, "timeout": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) < 1 || len(positionals) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: conduit request <command> [json]")
		return 1
	}
	command := strings.TrimPrefix(strings.TrimSpace(positionals[0]), "/")
	if command == "" {
		fmt.Fprintln(os.Stderr, "command is required")
		return 1
	}

	var payload any
	if len(positionals) == 2 {
		raw := []byte(positionals[1])
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "payload is not valid JSON")
			return 1
		}
		payload = json.RawMessage(raw)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	drv, err := driver.New(cfg.Client.Transport, cfg.Server, log.WithComponent("driver"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Driver error: %v\n", err)
		return 1
	}
	c := client.New(drv, client.OptionsFromConfig(cfg.Client), log.Get())
	defer c.Dispose()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		return 1
	}

	resp, err := c.Request(ctx, command, payload, scheduler.RequestOptions{Silent: *silent})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "/%s %s lane, %dms\n", command, resp.Request.Class, resp.ResponseTime.Milliseconds())
	if len(resp.Body) > 0 {
		fmt.Println(string(resp.Body))
	}
	return 0
}

// splitFlagsAndPositionals lets flags follow positional arguments.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if takesValue[name] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

// --- MONITOR ---

func printMonitorHelp() {
	fmt.Println("Usage: conduit monitor [--api-url URL] [--api-key KEY]")
	fmt.Println()
	fmt.Println("Live terminal monitor: connection state, lanes, recent requests and server events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    conduit API URL (default: http://127.0.0.1:8089)")
	fmt.Println("  --api-key KEY    API bearer key (or CONDUIT_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll requests")
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8089", "conduit API URL")
	apiKey := fs.String("api-key", os.Getenv("CONDUIT_API_KEY"), "API bearer key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := tui.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- JOURNAL ---

func runJournalNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printJournalHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "list":
		return runJournalList(args[1:])
	case "prune":
		return runJournalPrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", args[0])
		return 1
	}
}

func printJournalHelp() {
	fmt.Println("Usage: conduit journal <list|prune> [--config PATH]")
	fmt.Println("  list [--limit N] [--json]   Show recently completed requests")
	fmt.Println("  prune [--older-than D]       Delete rows older than D (default journal.retention)")
}

func openJournalForTool(configPath string) (*journal.Journal, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Journal.Path == "" {
		return nil, nil, errors.New("journal.path is not configured")
	}
	j, err := journal.Open(context.Background(), cfg.Journal.Path, log.Discard())
	if err != nil {
		return nil, nil, err
	}
	return j, cfg, nil
}

func runJournalList(args []string) int {
	fs := flag.NewFlagSet("journal list", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum rows to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, _, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	entries, err := j.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []journal.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No journaled requests.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLETED\tCOMMAND\tCLASS\tSTATUS\tMS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t/%s\t%s\t%s\t%d\t%s\n",
			e.CompletedAt.Local().Format(time.DateTime), e.Command, e.Class, e.Status, e.ResponseTimeMS, e.Error)
	}
	_ = w.Flush()
	return 0
}

func runJournalPrune(args []string) int {
	fs := flag.NewFlagSet("journal prune", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Retention window (default journal.retention)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, cfg, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer j.Close()

	retention := *olderThan
	if retention <= 0 {
		retention = cfg.Journal.Retention
	}
	n, err := j.Prune(context.Background(), retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d rows older than %s\n", n, retention)
	return 0
}

// --- CONFIG ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conduit config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print the resolved configuration as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	path, _ := config.ResolvePath(*configPath)
	fmt.Printf("Configuration valid: %s\n", path)
	fmt.Printf("  transport: %s\n", cfg.Client.Transport)
	fmt.Printf("  concurrency: %d\n", cfg.Client.Concurrency)
	if cfg.API.Enabled {
		fmt.Printf("  api: %s\n", cfg.API.Listen)
	}
	if cfg.Journal.Path != "" {
		fmt.Printf("  journal: %s\n", cfg.Journal.Path)
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("locked %s %s\n", name, hash[:16])
	}
	return 0
}
