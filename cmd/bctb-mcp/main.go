// bctb-mcp is a local MCP backend for querying Business Central
// telemetry in Application Insights with KQL.
//
// It exposes a read-only query tool plus a saved-query library over
// JSON-RPC 2.0, reachable on stdio (newline-delimited) and on a local
// HTTP port. Configuration comes from a YAML file discovered
// automatically (see [config.DefaultSearchPaths]), overridable per
// field with BCTB_* environment variables.
//
// Usage:
//
//	bctb-mcp serve               Start the MCP server (stdio + HTTP)
//	bctb-mcp validate            Resolve and validate the active profile
//	bctb-mcp version             Print version and build information
//	bctb-mcp -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waldo1001/bctb-mcp/internal/auth"
	"github.com/waldo1001/bctb-mcp/internal/buildinfo"
	"github.com/waldo1001/bctb-mcp/internal/cache"
	"github.com/waldo1001/bctb-mcp/internal/config"
	"github.com/waldo1001/bctb-mcp/internal/history"
	"github.com/waldo1001/bctb-mcp/internal/httpkit"
	"github.com/waldo1001/bctb-mcp/internal/kusto"
	"github.com/waldo1001/bctb-mcp/internal/mcp"
	"github.com/waldo1001/bctb-mcp/internal/queries"
	"github.com/waldo1001/bctb-mcp/internal/refs"
	"github.com/waldo1001/bctb-mcp/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdin, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the bctb-mcp command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of both transports and background goroutines.
//   - stdin and stdout carry JSON-RPC frames while serving; every log
//     line and diagnostic goes to stderr so the protocol stream stays
//     clean.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var profileName string
	var envFile string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-profile" && i+1 < len(args):
			profileName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-profile="):
			profileName = strings.TrimPrefix(args[i], "-profile=")
		case args[i] == "-env" && i+1 < len(args):
			envFile = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-env="):
			envFile = strings.TrimPrefix(args[i], "-env=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		loadDotenv(envFile)
		return runServe(ctx, stdin, stdout, stderr, configPath, profileName)
	case "validate":
		loadDotenv(envFile)
		return runValidate(stdout, configPath, profileName)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadDotenv loads a .env file before config resolution so the BCTB_*
// overrides and ${VAR} placeholders see its values. Best-effort: a
// missing default file is normal.
func loadDotenv(envFile string) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}
	_ = godotenv.Load()
}

// loadConfig discovers and loads the YAML config. Running without any
// config file is supported (environment-only setups); that yields the
// built-in default profile, fully populated from BCTB_* variables.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		// No config anywhere: run on the built-in default profile and
		// whatever BCTB_* variables provide.
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// resolveProfile picks the active profile (flag beats config default)
// and resolves its inheritance chain, placeholders, and env overrides.
func resolveProfile(cfg *config.Config, flagName string) (*config.Profile, error) {
	name := flagName
	if name == "" {
		name = cfg.DefaultProfile
	}
	return config.Resolve(cfg.Profiles, name)
}

// runValidate handles "bctb-mcp validate": resolve the active profile
// and report every violation, not just the first.
func runValidate(stdout io.Writer, configPath, profileName string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		fmt.Fprintf(stdout, "config: %s\n", cfgPath)
	} else {
		fmt.Fprintln(stdout, "config: none (environment only)")
	}

	profile, err := resolveProfile(cfg, profileName)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "profile: %s (connection %q, auth flow %s)\n",
		profile.Name, profile.ConnectionName, profile.AuthFlow)

	if violations := config.Validate(profile); len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintf(stdout, "  error: %s\n", v)
		}
		return fmt.Errorf("profile %q has %d validation error(s)", profile.Name, len(violations))
	}

	fmt.Fprintln(stdout, "configuration valid")
	return nil
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
	fmt.Fprintln(w, "bctb-mcp - Business Central telemetry MCP server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bctb-mcp [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the MCP server (stdio + HTTP)")
	fmt.Fprintln(w, "  validate     Resolve and validate the active profile")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -profile <name>   Profile to activate (default: from config)")
	fmt.Fprintln(w, "  -env <path>       .env file to load (default: ./.env if present)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe boots every component and serves both transports until the
// context is canceled or the stdio peer disconnects.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath, profileName string) error {
	logger := config.NewLogger(stderr, slog.LevelInfo)
	logger.Info("starting bctb-mcp", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the configured level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = config.NewLogger(stderr, level)
	}

	profile, err := resolveProfile(cfg, profileName)
	if err != nil {
		return err
	}
	if violations := config.Validate(profile); len(violations) > 0 {
		return fmt.Errorf("profile %q: %w", profile.Name, errors.Join(violations...))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"profile", profile.Name,
		"connection", profile.ConnectionName,
		"auth_flow", profile.AuthFlow,
		"port", profile.Port,
	)

	// All persistent state (cache entries, query history) lives under
	// the data directory, partitioned per connection.
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Cache layer ---
	var cacheStore *cache.Store
	if profile.CacheEnabled {
		cacheDir := filepath.Join(dataDir, "cache", profile.ConnectionName)
		cacheStore, err = cache.NewStore(cacheDir, logger)
		if err != nil {
			return fmt.Errorf("open cache %s: %w", cacheDir, err)
		}
		go cacheStore.RunSweeper(ctx, sweeperInterval(profile.CacheTTL))
		logger.Info("cache enabled", "dir", cacheDir, "ttl_seconds", profile.CacheTTL)
	} else {
		logger.Info("cache disabled")
	}

	// --- Query history ---
	historyPath := filepath.Join(dataDir, "history.db")
	historyStore, err := history.NewStore(historyPath)
	if err != nil {
		return fmt.Errorf("open history database %s: %w", historyPath, err)
	}
	defer historyStore.Close()
	logger.Info("history database opened", "path", historyPath)

	// --- Saved-query library ---
	queriesDir := profile.QueriesFolder
	if queriesDir == "" {
		queriesDir = filepath.Join(dataDir, "queries")
	}
	library, err := queries.NewLibrary(queriesDir, logger)
	if err != nil {
		return fmt.Errorf("open query library %s: %w", queriesDir, err)
	}
	go func() {
		if err := library.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("query folder watcher stopped", "error", err)
		}
	}()
	logger.Info("query library ready", "dir", queriesDir, "queries", len(library.List("")))

	// --- Credentials and engine ---
	authMgr := auth.NewManager(profile, logger,
		auth.WithPrompt(func(p auth.DeviceCodePrompt) {
			// Device-code instructions are user-facing; stderr keeps them
			// out of the protocol stream.
			fmt.Fprintf(stderr, "\nTo sign in, open %s and enter the code %s\n\n",
				p.VerificationURL, p.UserCode)
		}),
	)
	engine := kusto.NewClient(profile.ClusterURL, profile.AppID, logger,
		kusto.WithPIIScrubbing(profile.RemovePII),
	)

	// --- Community examples ---
	var examples tools.ExampleSearcher
	refsSvc, err := refs.NewService(
		httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger)),
		os.Getenv("BCTB_GITHUB_TOKEN"), "", logger,
	)
	if err != nil {
		logger.Warn("example search unavailable", "error", err)
	} else {
		examples = refsSvc
	}

	// --- Protocol server ---
	server := mcp.NewServer("bctb-mcp", buildinfo.Version, logger)
	svc := &tools.Service{
		Profile:  profile,
		Tokens:   authMgr,
		Engine:   engine,
		Cache:    cacheStore,
		Library:  library,
		History:  historyStore,
		Examples: examples,
		Logger:   logger,
	}
	svc.Register(server)

	// HTTP transport. Bound to loopback: this is a local backend, not a
	// network service.
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", profile.Port),
		Handler: server.HTTPHandler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	// Stdio transport in the foreground. EOF means the MCP client went
	// away, which ends the process like a signal would.
	stdioErr := make(chan error, 1)
	go func() {
		stdioErr <- server.ServeStdio(ctx, stdin, stdout)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-stdioErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		logger.Info("stdio client disconnected")
	case err := <-httpErr:
		if err != nil {
			runErr = fmt.Errorf("http transport: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	logger.Info("bctb-mcp stopped")
	return runErr
}

// sweeperInterval derives the background cleanup cadence from the cache
// TTL, clamped so short TTLs do not spin and long TTLs still get swept.
func sweeperInterval(ttlSeconds int) time.Duration {
	interval := time.Duration(ttlSeconds) * time.Second
	if interval < time.Minute {
		return time.Minute
	}
	if interval > 10*time.Minute {
		return 10 * time.Minute
	}
	return interval
}
