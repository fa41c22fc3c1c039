// Nexus-chat is the backend for a local LLM chat client.
//
// It talks to an Ollama server for inference, persists conversations in
// SQLite, and exposes the chat core over an HTTP/WebSocket API that a
// GUI front end consumes. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	nexus-chat serve             Start the API server
//	nexus-chat ask <message>     Send a single message (for testing)
//	nexus-chat models            List models available on the server
//	nexus-chat sessions          List stored chat sessions
//	nexus-chat version           Print version and build information
//	nexus-chat -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"nexus-chat/internal/api"
	"nexus-chat/internal/buildinfo"
	"nexus-chat/internal/chat"
	"nexus-chat/internal/config"
	"nexus-chat/internal/health"
	"nexus-chat/internal/history"
	"nexus-chat/internal/ollama"
	"nexus-chat/internal/session"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the nexus-chat command. All OS-level
// dependencies are injected as parameters: ctx controls process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand; the flag package relies on
// package-level globals that interfere with parallel tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: nexus-chat ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "models":
		return runModels(ctx, stdout, configPath)
	case "sessions":
		return runSessions(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Nexus-chat - Local LLM chat backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nexus-chat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Send a single message (for testing)")
	fmt.Fprintln(w, "  models       List models available on the inference server")
	fmt.Fprintln(w, "  sessions     List stored chat sessions")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/nexus-chat/config.yaml, /etc/nexus-chat/config.yaml")
	return nil
}

// runAsk handles the "nexus-chat ask <message>" subcommand. It boots a
// minimal engine over an in-memory database and streams the response for
// a single message to stdout. Useful for smoke tests against a local
// Ollama without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		// ask should work without a config file; fall back to defaults.
		cfg = config.Default()
	}

	// Nothing to persist for a one-shot question.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}

	registry := session.NewRegistry(store, cfg.Chat.SystemPrompt, logger)
	sess, err := registry.GetOrCreate(cfg.Chat.DefaultModel)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	client := ollama.NewClient(cfg.Ollama.URL, logger)
	engine := chat.NewEngine(registry, client, engineConfig(cfg), logger)

	msg, err := engine.SendMessage(ctx, sess.ID, strings.Join(args, " "), func(text string) {
		fmt.Fprint(stdout, text)
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout)

	if msg.Status == history.StatusError {
		return fmt.Errorf("generation failed: %s", msg.Error)
	}
	return nil
}

// runModels prints the models available on the inference server.
func runModels(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(io.Discard, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		cfg = config.Default()
	}

	client := ollama.NewClient(cfg.Ollama.URL, logger)
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	for _, m := range models {
		fmt.Fprintln(stdout, m)
	}
	return nil
}

// runSessions lists stored chat sessions, most recently active first.
func runSessions(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		cfg = config.Default()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}

	sessions, err := store.ListSessions(true)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for _, s := range sessions {
		fmt.Fprintf(stdout, "%s  %-20s %s (updated %s)\n",
			s.ID, s.Model, s.Name, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// runServe handles the "nexus-chat serve" subcommand: loads config,
// opens the history database, warms the session registry, and runs the
// API server until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting nexus-chat", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Chat.DefaultModel,
		"ollama_url", cfg.Ollama.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}
	logger.Info("history database opened", "path", databasePath(cfg))

	registry := session.NewRegistry(store, cfg.Chat.SystemPrompt, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	client := ollama.NewClient(cfg.Ollama.URL, logger)

	// Watch the inference server in the background so the health
	// endpoint can report its reachability and outages get logged.
	monitor := health.Start(ctx, "ollama", client.Ping, health.Config{}, logger)
	defer monitor.Stop()

	engine := chat.NewEngine(registry, client, engineConfig(cfg), logger)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, registry, logger)
	server.SetMonitor(monitor)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// the server and any in-flight generations.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("nexus-chat stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist. Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// databasePath returns the location of the history database.
func databasePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "nexus-chat.db")
}

// openDatabase opens the history database with WAL journaling and a busy
// timeout so concurrent readers don't trip over the writer.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	path := databasePath(cfg)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// engineConfig maps file configuration onto engine tuning.
func engineConfig(cfg *config.Config) chat.Config {
	return chat.Config{
		RequestTimeout: cfg.Ollama.RequestTimeout(),
		BufferSize:     cfg.Stream.BufferSize,
		FlushInterval:  cfg.Stream.FlushInterval(),
	}
}
