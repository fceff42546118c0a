// Package main is the CLI entry point for opaudit, the OrPaynter audit
// trail service.
//
// opaudit keeps an append-only, hash-chained JSONL log of every consequential
// action taken by users, AI agents and system components. Each entry carries
// the hash of its predecessor, so any edit, deletion, insertion or reordering
// of past entries is detectable by re-verifying the chain.
//
// Architecture overview:
//
//	services --> POST /api/audit/events --+
//	HTTP handlers wrapped in Audited -----+--> audit.Log --> audit.jsonl
//	opaudit append -----------------------+        |
//	                                               +--> index.db (queries)
//	                                               +--> actor registry
//	                                               +--> dashboard live feed
//
// CLI commands (cobra):
//
//	opaudit serve [-d]     - Run the API, dashboard and metrics endpoint
//	opaudit stop           - Stop a running server
//	opaudit status         - Show server and chain status
//	opaudit append         - Append one entry from the command line
//	opaudit verify         - Verify chain integrity (non-zero exit if broken)
//	opaudit query          - Filter entries, newest first
//	opaudit tail [-f]      - Show (and follow) recent entries
//	opaudit export         - Export the log as jsonl, json or csv
//	opaudit actors         - List actors and their stats
//	opaudit redact         - Manage redaction rules
//	opaudit config         - Create or show config.yaml
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
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/orpaynter/opaudit/internal/actor"
	"github.com/orpaynter/opaudit/internal/audit"
	"github.com/orpaynter/opaudit/internal/config"
	"github.com/orpaynter/opaudit/internal/dashboard"
	"github.com/orpaynter/opaudit/internal/logging"
	"github.com/orpaynter/opaudit/internal/middleware"
	"github.com/orpaynter/opaudit/internal/redact"
)

// Set with -ldflags at release build time.
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	configFile  = "config.yaml"
	actorsFile  = "actors.yaml"
	pidFileName = "opaudit.pid"
	logFileName = "opaudit.log"

	daemonEnv = "OPAUDIT_DAEMONIZED"
)

// defaultConfigDir returns ~/.opaudit, where config.yaml, redaction.yaml,
// actors.yaml and the audit/ directory live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opaudit"
	}
	return filepath.Join(home, ".opaudit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global --config-dir flag.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "opaudit",
	Short: "opaudit: tamper-evident audit trail for OrPaynter",
	Long: `opaudit records every consequential action (logins, estimates, claims,
AI generations) in an append-only log where each entry carries the hash of
the one before it. Re-verifying the chain detects any modification,
deletion, insertion or reordering of past entries.

Run 'opaudit config init' to create a config, then 'opaudit serve'.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to opaudit config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, configFile))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Init(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

func rulesPath() string {
	return filepath.Join(configDir, config.RedactionFile)
}

// logPath is the configured audit JSONL file. Read-only commands use it
// directly instead of openLog, which may truncate a torn tail.
func logPath(cfg *config.Config) string {
	return filepath.Join(cfg.AuditDir(configDir), audit.LogFileName)
}

// openLog opens the configured audit log for writing with the redaction
// policy from redaction.yaml. The caller owns the returned log.
func openLog(cfg *config.Config) (*audit.Log, *redact.Policy, error) {
	policy, err := redact.New(rulesPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading redaction rules: %w", err)
	}
	log, err := audit.Open(cfg.AuditDir(configDir), audit.Options{
		Index:        cfg.Audit.Index,
		PreviewChars: cfg.Audit.PreviewChars,
		Sanitizer:    policy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	return log, policy, nil
}

// ============================================================================
// opaudit serve: Run the HTTP server
// ============================================================================

var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit API, dashboard and metrics endpoint",
	Long: `Run the opaudit HTTP server. Services append events with
POST /api/audit/events; operators query, verify and watch the log through
the REST API and the dashboard.

The server binds to the address in config.yaml (default 127.0.0.1:3200):
  - API:       http://127.0.0.1:3200/api/...
  - Dashboard: http://127.0.0.1:3200/dashboard
  - Metrics:   http://127.0.0.1:3200/metrics

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runServe wires the stack together:
//
//  1. Re-exec as a background process if -d
//  2. Load config.yaml and initialise logging
//  3. Open the audit log with the redaction policy
//  4. Load the actor registry and subscribe it to appends
//  5. Build the dashboard/API, metrics, health and shutdown routes
//  6. Watch redaction.yaml for hot reload
//  7. Serve until SIGINT/SIGTERM or POST /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// Go cannot fork a multi-threaded runtime, so daemon mode re-executes
	// the binary with daemonEnv set and lets the parent exit.
	if daemonMode && os.Getenv(daemonEnv) != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	auditLog, policy, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	slog.Info("audit log opened",
		"path", auditLog.Path(), "entries", auditLog.Len(), "tip", auditLog.Tip())
	slog.Info("redaction rules loaded",
		"total", policy.TotalRules(), "builtin", policy.BuiltinCount(), "custom", policy.CustomCount())

	registry, err := actor.NewRegistry(filepath.Join(configDir, actorsFile))
	if err != nil {
		return fmt.Errorf("loading actor registry: %w", err)
	}
	auditLog.OnAppend(registry.Record)

	dash := dashboard.New(dashboard.Options{
		Log:       auditLog,
		Registry:  registry,
		Policy:    policy,
		RulesPath: rulesPath(),
	})
	defer dash.Close()

	appendLifecycle(auditLog, "SERVER_START", map[string]any{
		"version": version,
		"commit":  commit,
		"addr":    cfg.Addr(),
	})

	shutdownCh := make(chan struct{}, 1)
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newHandler(cfg, dash, shutdownCh),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := filepath.Join(configDir, pidFileName)
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// `opaudit redact add` from another shell writes redaction.yaml; the
	// watcher carries the change into this process.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnRedactionChange: func() {
			if reloadErr := policy.Reload(rulesPath()); reloadErr != nil {
				slog.Warn("failed to reload redaction rules", "error", reloadErr)
				return
			}
			slog.Info("redaction rules reloaded", "custom", policy.CustomCount())
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", "http://"+cfg.Addr())
		if cfg.Dashboard.Enabled {
			slog.Info("dashboard available", "url", "http://"+cfg.Addr()+"/dashboard")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case <-shutdownCh:
		slog.Info("shutting down", "reason", "stop command")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	appendLifecycle(auditLog, "SERVER_STOP", nil)

	if err := registry.Save(); err != nil {
		slog.Warn("failed to save actor registry", "error", err)
	}

	slog.Info("stopped")
	return nil
}

// newHandler builds the server's route table. Every request gets a
// request id and is counted by the metrics middleware.
func newHandler(cfg *config.Config, dash *dashboard.Dashboard, shutdownCh chan<- struct{}) http.Handler {
	mux := http.NewServeMux()

	dash.Register(mux)
	if cfg.Dashboard.Enabled {
		dash.RegisterUI(mux)
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	// Used by `opaudit status`.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})

	// Used by `opaudit stop`. Loopback callers only.
	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	return middleware.RequestID(middleware.Metrics(mux))
}

// appendLifecycle records a server lifecycle event in the chain.
func appendLifecycle(log *audit.Log, actionType string, inputs map[string]any) {
	_, err := log.Append(context.Background(), audit.Record{
		Actor:      "SYSTEM",
		ActionType: actionType,
		Inputs:     inputs,
		Metadata:   map[string]any{"pid": os.Getpid()},
	})
	if err != nil {
		slog.Error("failed to record lifecycle event", "action_type", actionType, "error", err)
	}
}

// spawnDaemon re-executes opaudit as a detached `serve` process writing to
// <config-dir>/opaudit.log, prints its PID and returns.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	daemonLog := filepath.Join(configDir, logFileName)
	logFile, err := os.OpenFile(daemonLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening daemon log %s: %w", daemonLog, err)
	}
	defer logFile.Close()

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), daemonEnv+"=1")

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("[opaudit] Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[opaudit] Log file: %s\n", daemonLog)
	fmt.Println("[opaudit] Use 'opaudit stop' to stop the server")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[opaudit] Warning: failed to release child process: %v\n", err)
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// serverRunning reports whether a server PID file exists in the config dir.
func serverRunning() bool {
	_, err := os.Stat(filepath.Join(configDir, pidFileName))
	return err == nil
}

// isLoopback reports whether an "ip:port" remote address is 127.x.x.x or ::1.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// opaudit stop: Stop the server
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running opaudit server",
	Long: `Stop a running opaudit server. Tries POST /shutdown first, then falls
back to the PID file and SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := "http://" + cfg.Addr()
	pidFile := filepath.Join(configDir, pidFileName)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[opaudit] Stop signal sent to server")
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s", addr)
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("looking up process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Stale PID file.
		os.Remove(pidFile)
		return fmt.Errorf("signalling server (PID %d): %w", pid, err)
	}

	fmt.Printf("[opaudit] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// opaudit status: Show server and chain status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and chain summary",
	Long: `Display whether the opaudit server is running and, if so, the live
entry count, chain tip and redaction rule counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

// statusJSON is the subset of GET /api/status we display.
type statusJSON struct {
	LogPath      string `json:"log_path"`
	Entries      uint64 `json:"entries"`
	Tip          string `json:"tip"`
	BuiltinRules int    `json:"builtin_rules"`
	CustomRules  int    `json:"custom_rules"`
	Actors       int    `json:"actors"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := "http://" + cfg.Addr()
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[opaudit] Status: NOT RUNNING")
		fmt.Printf("[opaudit] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[opaudit] Status: RUNNING")
	fmt.Printf("[opaudit] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[opaudit] Could not query chain status")
		return nil
	}
	defer statusResp.Body.Close()

	body, err := io.ReadAll(statusResp.Body)
	if err != nil {
		fmt.Println("[opaudit] Could not read chain status")
		return nil
	}

	var st statusJSON
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Println("[opaudit] Could not parse chain status")
		return nil
	}

	fmt.Printf("[opaudit] Log:     %s\n", st.LogPath)
	fmt.Printf("[opaudit] Entries: %d\n", st.Entries)
	fmt.Printf("[opaudit] Tip:     %s\n", st.Tip)
	fmt.Printf("[opaudit] Actors:  %d\n", st.Actors)
	fmt.Printf("[opaudit] Rules:   %d builtin + %d custom\n", st.BuiltinRules, st.CustomRules)
	return nil
}

// ============================================================================
// opaudit append: Append one entry
// ============================================================================

var (
	appendActor      string
	appendType       string
	appendInputs     string
	appendOutput     string
	appendMetadata   string
	appendConfidence float64
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an entry to the audit log",
	Long: `Append a single entry to the audit log. Inputs, output and metadata
are parsed as JSON when possible; anything else is recorded as a string.

Example:
  opaudit append --actor AI_AGENT --type ESTIMATE \
    --inputs '{"sqft":1800,"pitch":"6/12"}' --output '{"total":12000}' --confidence 0.82

Appends from separate processes are not coordinated with a running
server. While 'opaudit serve' is up, prefer POST /api/audit/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if appendActor == "" || appendType == "" {
			return fmt.Errorf("--actor and --type are required")
		}

		rec := audit.Record{
			Actor:      appendActor,
			ActionType: appendType,
			Inputs:     parseValueArg(appendInputs),
			Output:     parseValueArg(appendOutput),
		}
		if appendMetadata != "" {
			var md map[string]any
			if err := json.Unmarshal([]byte(appendMetadata), &md); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
			rec.Metadata = md
		}
		if cmd.Flags().Changed("confidence") {
			c := appendConfidence
			rec.Confidence = &c
		}

		if serverRunning() {
			fmt.Fprintln(os.Stderr, "[opaudit] Warning: a server appears to be running; appends from this process are not serialized with it")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auditLog, _, err := openLog(cfg)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		registry, err := actor.NewRegistry(filepath.Join(configDir, actorsFile))
		if err != nil {
			return fmt.Errorf("loading actor registry: %w", err)
		}

		entry, err := auditLog.Append(cmd.Context(), rec)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}

		registry.Record(entry)
		if err := registry.Save(); err != nil {
			slog.Warn("failed to save actor registry", "error", err)
		}

		printEntry(entry)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "Actor (USER, AI_AGENT, SYSTEM, ...)")
	appendCmd.Flags().StringVar(&appendType, "type", "", "Action type (LOGIN, ESTIMATE, CLAIM, ...)")
	appendCmd.Flags().StringVar(&appendInputs, "inputs", "", "Inputs (JSON or text)")
	appendCmd.Flags().StringVar(&appendOutput, "output", "", "Output (JSON or text)")
	appendCmd.Flags().StringVar(&appendMetadata, "metadata", "", "Metadata JSON object")
	appendCmd.Flags().Float64Var(&appendConfidence, "confidence", 0, "Confidence score")
}

// parseValueArg decodes s as JSON, falling back to the raw string. An empty
// argument means no value.
func parseValueArg(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// ============================================================================
// opaudit verify: Verify chain integrity
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute and check every entry hash",
	Long: `Re-hash every entry and check that each one links to its predecessor.
All problems are reported in one pass: modified entries (hash_mismatch),
broken links from deletion, insertion or reordering (broken_chain), and
unparseable lines (invalid_record).

Exits non-zero when the chain is not valid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Read-only; safe to run next to a live server.
		path := logPath(cfg)
		result, err := audit.VerifyFile(path)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", path, err)
		}

		if result.Valid {
			fmt.Printf("[opaudit] Hash chain VALID (%d entries verified)\n", result.Entries)
			return nil
		}

		fmt.Printf("[opaudit] Hash chain INVALID (%d entries, %d issues)\n", result.Entries, len(result.Issues))
		for _, issue := range result.Issues {
			fmt.Printf("  line %-6d %-15s %s\n", issue.Index, issue.Kind, issue.Message)
		}
		return fmt.Errorf("audit chain is not intact")
	},
}

// ============================================================================
// opaudit query / tail / export: Read the log
// ============================================================================

var (
	queryType  string
	queryActor string
	querySince string
	queryLimit int
	queryJSON  bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters (newest first)",
	Long: `Query the audit log by action type, actor and time range.

Examples:
  opaudit query --type ESTIMATE --since 24h
  opaudit query --actor AI_AGENT --limit 10 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries, err := audit.QueryFile(logPath(cfg), audit.QueryParams{
			ActionType: queryType,
			Actor:      queryActor,
			Since:      querySince,
			Limit:      queryLimit,
		})
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		if queryJSON {
			if entries == nil {
				entries = []audit.Entry{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println("No entries matched.")
			return nil
		}
		for _, entry := range entries {
			printEntry(entry)
		}
		fmt.Printf("\n%d entries.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryType, "type", "", "Filter by action type")
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Entries since a duration (1h, 24h) or RFC 3339 time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum number of entries to return")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print entries as JSON")
}

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent audit entries. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := logPath(cfg)
		entries, err := audit.TailFile(path, tailLimit)
		if err != nil {
			return fmt.Errorf("reading audit log: %w", err)
		}
		for _, entry := range entries {
			printEntry(entry)
		}

		if !tailFollow {
			return nil
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = audit.FollowFile(ctx, path, printEntry)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log",
	Long: `Export the full audit log to stdout.
Supported formats: jsonl, json, csv.

Example:
  opaudit export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return audit.ExportFile(os.Stdout, logPath(cfg), exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// printEntry prints one entry on a single line.
func printEntry(e audit.Entry) {
	confidence := "-"
	if e.ConfidenceScore != nil {
		confidence = strconv.FormatFloat(*e.ConfidenceScore, 'f', -1, 64)
	}
	fmt.Printf("[%s] actor=%-10s type=%-12s output=%-7s confidence=%-5s hash=%s\n",
		e.Timestamp, e.Actor, e.ActionType, e.OutputType, confidence, shortHash(e.Hash))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ============================================================================
// opaudit actors: Actor registry
// ============================================================================

var actorsRebuild bool

var actorsCmd = &cobra.Command{
	Use:   "actors [name]",
	Short: "List actors or show one actor's stats",
	Long: `List every actor that has appeared in the log with entry and error
counts. Use --rebuild to recompute actors.yaml from the log itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := actor.NewRegistry(filepath.Join(configDir, actorsFile))
		if err != nil {
			return fmt.Errorf("loading actor registry: %w", err)
		}

		if actorsRebuild {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			entries, err := audit.TailFile(logPath(cfg), 0)
			if err != nil {
				return fmt.Errorf("reading audit log: %w", err)
			}
			registry.Rebuild(entries)
			if err := registry.Save(); err != nil {
				return fmt.Errorf("saving actor registry: %w", err)
			}
			fmt.Printf("[opaudit] Rebuilt registry from %d entries\n", len(entries))
		}

		if len(args) == 1 {
			a, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Actor:        %s\n", a.Name)
			fmt.Printf("First seen:   %s\n", a.FirstSeen.Format(time.RFC3339))
			fmt.Printf("Last seen:    %s\n", a.LastSeen.Format(time.RFC3339))
			fmt.Printf("Last action:  %s\n", a.LastActionType)
			fmt.Printf("Entries:      %d\n", a.Stats.Entries)
			fmt.Printf("Errors:       %d\n", a.Stats.Errors)
			return nil
		}

		actors := registry.List()
		if len(actors) == 0 {
			fmt.Println("No actors recorded yet.")
			return nil
		}
		fmt.Printf("%-15s %-10s %-8s %-15s %s\n", "ACTOR", "ENTRIES", "ERRORS", "LAST ACTION", "LAST SEEN")
		fmt.Printf("%-15s %-10s %-8s %-15s %s\n", "-----", "-------", "------", "-----------", "---------")
		for _, a := range actors {
			fmt.Printf("%-15s %-10d %-8d %-15s %s\n",
				a.Name, a.Stats.Entries, a.Stats.Errors, a.LastActionType, a.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	actorsCmd.Flags().BoolVar(&actorsRebuild, "rebuild", false, "Recompute the registry from the audit log")
}

// ============================================================================
// opaudit redact: Manage redaction rules
// ============================================================================

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Manage redaction rules",
	Long: `View, add, remove and test the rules that mask sensitive values in
entry previews. Built-in rules (keys containing password, token, secret,
api_key or key) are always active. Custom rules match on key substrings,
key globs and value regexes.

A running server picks up changes to redaction.yaml automatically.`,
}

func init() {
	redactCmd.AddCommand(redactListCmd)
	redactCmd.AddCommand(redactAddCmd)
	redactCmd.AddCommand(redactRemoveCmd)
	redactCmd.AddCommand(redactTestCmd)
}

var redactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and custom redaction rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := redact.New(rulesPath())
		if err != nil {
			return fmt.Errorf("loading redaction rules: %w", err)
		}

		fmt.Printf("%-25s %-10s %s\n", "NAME", "TYPE", "REPLACEMENT")
		fmt.Printf("%-25s %-10s %s\n", "----", "----", "-----------")
		for _, r := range policy.ListRules() {
			ruleType := "custom"
			if r.Builtin {
				ruleType = "builtin"
			}
			fmt.Printf("%-25s %-10s %s\n", r.Name, ruleType, r.Replacement)
		}
		return nil
	},
}

var redactAddCmd = &cobra.Command{
	Use:   "add <yaml>",
	Short: "Add a custom redaction rule from YAML",
	Long: `Add a custom redaction rule given as a YAML string.

Example:
  opaudit redact add 'name: mask_ssn
match:
  key: "*ssn*"
replacement: "***-**-****"'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := redact.New(rulesPath())
		if err != nil {
			return fmt.Errorf("loading redaction rules: %w", err)
		}
		if err := policy.AddRule(args[0]); err != nil {
			return fmt.Errorf("adding rule: %w", err)
		}
		if err := policy.Save(rulesPath()); err != nil {
			return fmt.Errorf("saving redaction rules: %w", err)
		}
		fmt.Println("[opaudit] Rule added")
		return nil
	},
}

var redactRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a custom redaction rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := redact.New(rulesPath())
		if err != nil {
			return fmt.Errorf("loading redaction rules: %w", err)
		}
		if err := policy.RemoveRule(args[0]); err != nil {
			return fmt.Errorf("removing rule: %w", err)
		}
		if err := policy.Save(rulesPath()); err != nil {
			return fmt.Errorf("saving redaction rules: %w", err)
		}
		fmt.Printf("[opaudit] Rule %q removed\n", args[0])
		return nil
	},
}

var redactTestCmd = &cobra.Command{
	Use:   "test <json>",
	Short: "Show how a JSON value would be redacted",
	Long: `Apply the current rules to a JSON value and print the result.

Example:
  opaudit redact test '{"user":"a","password":"hunter2","claim":{"ssn":"123-45-6789"}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := redact.New(rulesPath())
		if err != nil {
			return fmt.Errorf("loading redaction rules: %w", err)
		}
		out, err := policy.TestJSON(args[0])
		if err != nil {
			return fmt.Errorf("testing value: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// ============================================================================
// opaudit config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show the configuration",
	Long: `Manage opaudit configuration. config.yaml lives in the config
directory (default ~/.opaudit) next to redaction.yaml and actors.yaml.`,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and redaction.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config dir %s: %w", configDir, err)
		}

		cfgPath := filepath.Join(configDir, configFile)
		if _, err := os.Stat(cfgPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		}
		if err := config.WriteDefault(cfgPath); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("[opaudit] Wrote %s\n", cfgPath)

		if _, err := os.Stat(rulesPath()); os.IsNotExist(err) {
			if err := redact.WriteDefaultRules(rulesPath()); err != nil {
				return fmt.Errorf("writing redaction rules: %w", err)
			}
			fmt.Printf("[opaudit] Wrote %s\n", rulesPath())
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := filepath.Join(configDir, configFile)
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults in use).\n", cfgPath)
				fmt.Println("Run 'opaudit config init' to create one.")
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}
