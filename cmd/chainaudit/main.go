// Package main is the CLI entry point for chainaudit, a tamper-evident audit
// ledger for banking back-office operations.
//
// Every recorded event is chained to its predecessor by SHA-256 and signed
// with HMAC-SHA256, so editing, deleting or re-ordering stored entries is
// detected by `chainaudit verify`. Daily closures anchor the state of the
// chain at the end of each UTC day.
//
// Architecture overview:
//
//	business code --> POST /api/events --> recorder (policy, masking)
//	                                          |
//	                                          +-- ledger.Append (tail lock, hash, sign)
//	                                          |        |
//	                                          |        +-- store (SQLite or PostgreSQL)
//	                                          |        +-- dashboard live feed
//	                                          +-- metrics
//
// CLI commands (cobra):
//
//	chainaudit start             - Serve the admin API and dashboard
//	chainaudit stop              - Stop the running server
//	chainaudit status            - Show server status and chain verdict
//	chainaudit record            - Record one audit event
//	chainaudit verify            - Check chain integrity
//	chainaudit summary           - Compact chain view for review
//	chainaudit tail [-f]         - Show recent entries
//	chainaudit query             - Filter entries
//	chainaudit export            - Export the ledger
//	chainaudit close             - Close a UTC day
//	chainaudit closures          - List and verify closures
//	chainaudit config            - Show or initialise configuration
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/config"
	"github.com/chainaudit/chainaudit/internal/dashboard"
	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/metrics"
	"github.com/chainaudit/chainaudit/internal/recorder"
	"github.com/chainaudit/chainaudit/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.chainaudit/, which holds config.yaml, .env,
// the SQLite ledger and the server PID file.
func defaultConfigDir() string {
	dir, err := config.DefaultDir()
	if err != nil {
		return ".chainaudit"
	}
	return dir
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "chainaudit",
	Short: "Tamper-evident audit ledger",
	Long: `chainaudit records back-office events in an append-only ledger where
each entry carries the hash of its predecessor and an HMAC signature.
Any edit, deletion or re-ordering of stored entries is reported by
'chainaudit verify'.

The HMAC key is read from CHAINAUDIT_HMAC_KEY, or from the .env file in
the config directory. Run 'chainaudit config init' to create both.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to chainaudit config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(closuresCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared setup
// ============================================================================

// app bundles everything a command needs to work on the ledger.
type app struct {
	cfg      *config.Config
	store    store.Backend
	ledger   *ledger.Ledger
	closures *closure.Service
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// setupLogging installs the slog default handler on stderr.
func setupLogging(lc config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openApp loads config and key, opens the store and builds the ledger and
// closure service. m and onAppend may be nil.
func openApp(ctx context.Context, m *metrics.Metrics, onAppend func(ledger.Entry)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	key, err := config.LoadHMACKey(configDir)
	if err != nil {
		return nil, err
	}
	signer, err := ledger.NewSigner(key)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath(configDir)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	backend, err := store.Open(ctx, store.Options{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.DatabasePath(configDir),
		DSN:         cfg.Storage.DSN,
		LockTimeout: cfg.LockTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}

	l, err := ledger.New(ledger.Options{Store: backend, Signer: signer, OnAppend: onAppend})
	if err != nil {
		backend.Close()
		return nil, err
	}
	cs, err := closure.New(closure.Options{Ledger: l, Store: backend, Metrics: m})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: backend, ledger: l, closures: cs}, nil
}

func policyFromConfig(ac config.AuditConfig) recorder.Policy {
	return recorder.Policy{
		OnFailure:       ac.OnFailure,
		RequiredActions: ac.RequiredActions,
		MaskFields:      ac.MaskFields,
		MaskKeep:        ac.MaskKeep,
	}
}

// ============================================================================
// chainaudit start: Serve the admin API
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chainaudit server",
	Long: `Start the chainaudit server in the foreground. It serves the admin REST
API, the web dashboard, Prometheus metrics and a health check on the
address configured in config.yaml (default 127.0.0.1:3200):
  - API:       http://127.0.0.1:3200/api/
  - Dashboard: http://127.0.0.1:3200/dashboard
  - Metrics:   http://127.0.0.1:3200/metrics

Changes to the audit section of config.yaml are applied without a restart.`,
	RunE: runStart,
}

// runStart wires the whole stack together:
//
//  1. Load config and HMAC key, open the store
//  2. Register metrics on a private registry
//  3. Build the ledger, recorder, closure service and dashboard
//  4. Watch config.yaml to hot-swap the recorder policy
//  5. Serve until SIGINT/SIGTERM or POST /shutdown
func runStart(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	m := metrics.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// The dashboard is built after the ledger; appends before that are not
	// broadcast.
	var dash *dashboard.Dashboard
	a, err := openApp(cmd.Context(), m, func(e ledger.Entry) {
		if dash != nil {
			dash.BroadcastEvent(e)
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	rec, err := recorder.New(a.ledger, policyFromConfig(cfg.Audit), m)
	if err != nil {
		return fmt.Errorf("invalid audit policy: %w", err)
	}

	dash = dashboard.New(dashboard.Options{
		Ledger:       a.ledger,
		Recorder:     rec,
		Closures:     a.closures,
		Metrics:      m,
		Gatherer:     reg,
		SummaryLimit: cfg.Dashboard.SummaryBrokenLimit,
		UI:           cfg.Dashboard.Enabled,
	})
	defer dash.Close()

	mux := http.NewServeMux()
	mux.Handle("/", dash.Router())

	// Shutdown endpoint used by `chainaudit stop`. Loopback callers only.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
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

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := filepath.Join(configDir, "chainaudit.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func(c *config.Config) {
			if err := rec.SetPolicy(policyFromConfig(c.Audit)); err != nil {
				fmt.Fprintf(os.Stderr, "[chainaudit] Warning: audit policy not reloaded: %v\n", err)
				return
			}
			fmt.Printf("[chainaudit] Audit policy reloaded (on_failure=%s)\n", c.Audit.OnFailure)
		},
		OnConfigError: func(err error) {
			fmt.Fprintf(os.Stderr, "[chainaudit] Warning: config.yaml not reloaded: %v\n", err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := rec.Record(ctx, ledger.Event{
		Action:  "SYSTEM_START",
		Details: map[string]any{"version": version, "commit": commit, "addr": addr},
	}); err != nil {
		return fmt.Errorf("failed to record startup: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[chainaudit] Listening on http://%s (storage: %s)\n", addr, cfg.Storage.Driver)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[chainaudit] Dashboard at http://%s/dashboard\n", addr)
		}
		fmt.Println("[chainaudit] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[chainaudit] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[chainaudit] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[chainaudit] Shutdown error: %v\n", err)
	}

	if _, err := rec.Record(shutdownCtx, ledger.Event{Action: "SYSTEM_STOP"}); err != nil {
		fmt.Fprintf(os.Stderr, "[chainaudit] Warning: shutdown not recorded: %v\n", err)
	}

	fmt.Println("[chainaudit] Stopped")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback reports whether remoteAddr ("ip:port") is 127.x.x.x or ::1.
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
// chainaudit stop / status
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chainaudit server",
	Long: `Stop a running chainaudit server. Tries HTTP shutdown first, then
falls back to the PID file and SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		pidFile := filepath.Join(configDir, "chainaudit.pid")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/shutdown", "application/json", nil)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[chainaudit] Stop signal sent to server")
				return nil
			}
		}

		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("server is not running (no PID file and %s unreachable)", addr)
			}
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
		}
		fmt.Printf("[chainaudit] Sent stop signal to server (PID %d)\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and the current chain verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		client := &http.Client{Timeout: 30 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[chainaudit] Status: NOT RUNNING")
			fmt.Printf("[chainaudit] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()
		fmt.Println("[chainaudit] Status: RUNNING")
		fmt.Printf("[chainaudit] Listening on: %s\n", addr)

		resp, err = client.Get(addr + "/api/verify/summary")
		if err != nil {
			fmt.Println("[chainaudit] Could not query chain status")
			return nil
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading chain status: %w", err)
		}
		var s ledger.Summary
		if err := json.Unmarshal(body, &s); err != nil {
			fmt.Println("[chainaudit] Could not parse chain status")
			return nil
		}
		printVerdict(s.Valid, s.EntriesChecked, len(s.Broken)+s.HiddenBroken)
		return nil
	},
}

// ============================================================================
// chainaudit record: Record one event
// ============================================================================

var (
	recordActor   string
	recordAction  string
	recordTarget  string
	recordDetails string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an audit event",
	Long: `Record one event in the ledger, applying the configured masking and
failure policy.

Example:
  chainaudit record --actor 12 --action RETRAIT --target compte:42 \
    --details '{"montant": 150, "numero_compte": "FR7612345678"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := ledger.Event{Action: recordAction, Target: recordTarget}
		actor, err := parseActor(recordActor)
		if err != nil {
			return err
		}
		ev.ActorID = actor
		if recordDetails != "" {
			details, err := parseDetails(recordDetails)
			if err != nil {
				return err
			}
			ev.Details = details
		}

		a, err := openApp(cmd.Context(), nil, func(e ledger.Entry) {
			fmt.Printf("[chainaudit] Recorded entry #%d %s\n", e.ID, e.CurrentHash)
		})
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := recorder.New(a.ledger, policyFromConfig(a.cfg.Audit), nil)
		if err != nil {
			return fmt.Errorf("invalid audit policy: %w", err)
		}
		ok, err := rec.Record(cmd.Context(), ev)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "[chainaudit] Warning: event was not recorded (on_failure=continue)")
		}
		return nil
	},
}

// parseDetails decodes --details keeping numbers as their literal text.
func parseDetails(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("--details must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("--details must be a single JSON object")
	}
	return details, nil
}

func init() {
	recordCmd.Flags().StringVar(&recordActor, "actor", "", "Numeric id of the acting user")
	recordCmd.Flags().StringVar(&recordAction, "action", "", "Action code, e.g. LOGIN or RETRAIT")
	recordCmd.Flags().StringVar(&recordTarget, "target", "", "Affected resource")
	recordCmd.Flags().StringVar(&recordDetails, "details", "", "Details as a JSON object")
	recordCmd.MarkFlagRequired("action")
}

// ============================================================================
// chainaudit verify / summary: Integrity checks
// ============================================================================

var (
	verifyFrom         int64
	verifyTo           int64
	verifySinceClosure bool
	verifyJSON         bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger integrity",
	Long: `Recompute the link, hash and signature of every entry and report every
entry that fails, with the reason:

  broken_precedent  previous_hash does not match the preceding entry
  bad_hash          stored hash differs from the recomputed hash
  bad_hmac          signature does not match the content
  bad_encoding      details cannot be canonically encoded

Exits non-zero when the ledger is not intact.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		var report *ledger.Report
		if verifySinceClosure {
			var anchor *closure.Closure
			report, anchor, err = a.closures.VerifySinceLastClosure(cmd.Context())
			if err == nil && anchor != nil {
				fmt.Printf("[chainaudit] Starting after closure %s (entry #%d)\n", anchor.Date, anchor.LastEntryID)
			}
		} else {
			report, err = a.ledger.Verify(cmd.Context(), ledger.Range{From: verifyFrom, To: verifyTo})
		}
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printVerdict(report.Valid, report.EntriesChecked, report.EntriesFailed)
			for _, e := range report.Failed() {
				printFailedEntry(e)
			}
		}
		if !report.Valid {
			return fmt.Errorf("ledger integrity violation detected (run %s)", report.RunID)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "First entry id to check")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last entry id to check (default: tail)")
	verifyCmd.Flags().BoolVar(&verifySinceClosure, "since-closure", false, "Only check entries after the newest valid closure")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the full report as JSON")
	verifyCmd.MarkFlagsMutuallyExclusive("since-closure", "from")
	verifyCmd.MarkFlagsMutuallyExclusive("since-closure", "to")
}

var summaryMaxBroken int

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a compact view of the chain",
	Long: `Verify the whole chain and print it as a timeline: the genesis sentinel,
the first and last entries, broken entries, and collapsed runs of
entries in between.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.ledger.Verify(cmd.Context(), ledger.Range{})
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		limit := summaryMaxBroken
		if limit <= 0 {
			limit = a.cfg.Dashboard.SummaryBrokenLimit
		}
		printSummary(ledger.Summarize(report, limit))
		return nil
	},
}

func init() {
	summaryCmd.Flags().IntVar(&summaryMaxBroken, "max-broken", 0, "Broken entries shown in full (default from config)")
}

func printVerdict(valid bool, checked, failed int) {
	if valid {
		fmt.Printf("[chainaudit] Ledger %s (%d entries verified)\n", color.GreenString("VALID"), checked)
		return
	}
	fmt.Printf("[chainaudit] Ledger %s (%d of %d entries failed)\n", color.RedString("BROKEN"), failed, checked)
}

func printFailedEntry(e ledger.EntryReport) {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = string(f)
	}
	fmt.Printf("  #%-6d %-24s %s\n", e.ID, e.Action, color.RedString(strings.Join(reasons, ", ")))
	if e.Has(ledger.BrokenPrecedent) {
		fmt.Printf("          expected previous: %s\n", e.ExpectedPrevious)
		fmt.Printf("          stored previous:   %s\n", e.PreviousHash)
	}
	if e.Has(ledger.BadHash) {
		fmt.Printf("          stored hash:       %s\n", e.StoredHash)
		fmt.Printf("          computed hash:     %s\n", e.ComputedHash)
	}
	if e.EncodingError != "" {
		fmt.Printf("          encoding error:    %s\n", e.EncodingError)
	}
}

func printSummary(s ledger.Summary) {
	printVerdict(s.Valid, s.EntriesChecked, len(s.Broken)+s.HiddenBroken)
	fmt.Println()
	for _, n := range s.Nodes {
		switch n.Kind {
		case ledger.NodeGenesis:
			fmt.Printf("  %s\n", color.CyanString(s.Genesis))
		case ledger.NodeGap:
			line := fmt.Sprintf("  ... %d entries (#%d to #%d)", n.Gap.Count, n.Gap.FromID, n.Gap.ToID)
			if n.Gap.Broken > 0 {
				line += color.RedString(", %d broken not shown", n.Gap.Broken)
			}
			fmt.Println(line)
		case ledger.NodeBroken:
			printFailedEntry(*n.Entry)
		default:
			fmt.Printf("  #%-6d %-24s %s\n", n.Entry.ID, n.Entry.Action, shortHash(n.Entry.StoredHash))
		}
	}
	if s.HiddenBroken > 0 {
		fmt.Printf("\n[chainaudit] %d more broken entries; run 'chainaudit verify' for the full list\n", s.HiddenBroken)
	}
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}

// ============================================================================
// chainaudit tail / query / export: Reading the ledger
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent ledger entries. Use -f to follow new entries as they are appended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ledger.Tail(cmd.Context(), tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		// Tail is newest first; print in chain order.
		var last int64
		for i := len(entries) - 1; i >= 0; i-- {
			printEntry(entries[i])
			last = entries[i].ID
		}

		if !tailFollow {
			return nil
		}
		if last == 0 {
			last, err = latestID(cmd.Context(), a.ledger)
			if err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = a.ledger.Follow(ctx, last, time.Second, printEntry)
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

func latestID(ctx context.Context, l *ledger.Ledger) (int64, error) {
	entries, err := l.Tail(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].ID, nil
}

var (
	queryActor  string
	queryAction string
	querySince  string
	queryLimit  int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters",
	Long: `Query the ledger by actor, action glob and time.

Examples:
  chainaudit query --actor 12 --since 24h
  chainaudit query --action 'ECHEC_*' --limit 100
  chainaudit query --since 2025-03-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := ledger.QueryParams{Action: queryAction, Limit: queryLimit}
		actor, err := parseActor(queryActor)
		if err != nil {
			return err
		}
		params.ActorID = actor
		if querySince != "" {
			since, err := parseSince(querySince, time.Now())
			if err != nil {
				return err
			}
			params.Since = since
		}

		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ledger.Query(cmd.Context(), params)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor id")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "Filter by action glob (case-insensitive)")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Entries since a duration (24h), date (2025-03-01) or RFC 3339 time")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger",
	Long: `Export every entry, oldest first, including hashes and signatures so the
export can be verified independently. Supported formats: jsonl, json, csv.

Example:
  chainaudit export --format csv -o ledger.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportOutput, err)
			}
			defer f.Close()
			w = f
		}
		return a.ledger.Export(cmd.Context(), w, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

func printEntry(e ledger.Entry) {
	actor := "-"
	if e.ActorID != nil {
		actor = strconv.FormatInt(*e.ActorID, 10)
	}
	line := fmt.Sprintf("[%s] #%-6d actor=%-6s action=%-24s", ledger.FormatTimestamp(e.Timestamp), e.ID, actor, e.Action)
	if e.Target != nil {
		line += " target=" + *e.Target
	}
	if e.Details != nil {
		line += " details=" + *e.Details
	}
	fmt.Println(line)
}

// parseActor parses an optional numeric actor id.
func parseActor(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("actor must be a numeric id: %q", s)
	}
	return &id, nil
}

// parseSince accepts a duration before now, a date or an RFC 3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(closure.DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: use a duration (24h), a date (2025-03-01) or an RFC 3339 time", s)
}

// ============================================================================
// chainaudit close / closures: Daily closures
// ============================================================================

var closeDate string

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close a UTC day",
	Long: `Create the signed closure for a UTC day, anchoring the hash of the last
entry recorded that day. Defaults to yesterday. A day can be closed once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var date *time.Time
		if closeDate != "" {
			t, err := time.Parse(closure.DateLayout, closeDate)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			date = &t
		}

		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.closures.CloseDay(cmd.Context(), date)
		switch {
		case errors.Is(err, closure.ErrAlreadyClosed):
			fmt.Println("[chainaudit] Day already closed")
			return err
		case errors.Is(err, closure.ErrNoEntries):
			fmt.Println("[chainaudit] Nothing to close: no entries that day")
			return err
		case err != nil:
			return fmt.Errorf("failed to close day: %w", err)
		}
		fmt.Printf("[chainaudit] Closed %s at entry #%d\n", c.Date, c.LastEntryID)
		fmt.Printf("  root hash: %s\n", c.RootHash)
		fmt.Printf("  signature: %s\n", c.Signature)
		return nil
	},
}

func init() {
	closeCmd.Flags().StringVar(&closeDate, "date", "", "Day to close, YYYY-MM-DD (default: yesterday UTC)")
}

var closuresCmd = &cobra.Command{
	Use:   "closures",
	Short: "List and verify daily closures",
}

var closuresAnchors bool

func init() {
	closuresCmd.AddCommand(closuresListCmd)
	closuresCmd.AddCommand(closuresVerifyCmd)
	closuresVerifyCmd.Flags().BoolVar(&closuresAnchors, "anchors", false, "Also compare each root hash with the anchored entry")
}

var closuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List closures",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		closures, err := a.closures.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(closures) == 0 {
			fmt.Println("No closures yet.")
			return nil
		}
		fmt.Printf("  %-12s %-10s %-20s %s\n", "DATE", "ENTRY", "CLOSED AT", "ROOT HASH")
		for _, c := range closures {
			fmt.Printf("  %-12s #%-9d %-20s %s\n", c.Date, c.LastEntryID, ledger.FormatTimestamp(c.ClosedAt), c.RootHash)
		}
		return nil
	},
}

var closuresVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify closure signatures",
	Long: `Recompute the signature of every closure. With --anchors, also check that
each closure's root hash still matches the stored hash of the entry it
anchors, which detects a ledger rewritten after the day was closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), nil, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.closures.VerifyClosures(cmd.Context())
		if err != nil {
			return err
		}
		valid := v.Valid
		if v.Valid {
			fmt.Printf("[chainaudit] Closure signatures %s (%d checked)\n", color.GreenString("VALID"), v.Checked)
		} else {
			fmt.Printf("[chainaudit] Closure signatures %s: %v\n", color.RedString("BROKEN"), v.BrokenClosureIDs)
		}

		if closuresAnchors {
			anchors, err := a.closures.CheckAnchors(cmd.Context())
			if err != nil {
				return err
			}
			for _, an := range anchors {
				switch {
				case an.Missing:
					valid = false
					fmt.Printf("  %s entry #%d %s\n", an.Date, an.LastEntryID, color.RedString("MISSING"))
				case !an.OK:
					valid = false
					fmt.Printf("  %s entry #%d %s (stored %s)\n", an.Date, an.LastEntryID, color.RedString("REWRITTEN"), shortHash(an.StoredHash))
				default:
					fmt.Printf("  %s entry #%d %s\n", an.Date, an.LastEntryID, color.GreenString("ok"))
				}
			}
		}
		if !valid {
			return errors.New("closure verification failed")
		}
		return nil
	},
}

// ============================================================================
// chainaudit config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise configuration",
	Long: `Manage the chainaudit configuration. The config file lives at
~/.chainaudit/config.yaml; the HMAC key lives in ~/.chainaudit/.env or the
CHAINAUDIT_HMAC_KEY environment variable.`,
}

var configForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(data))
		if _, err := config.LoadHMACKey(configDir); err != nil {
			fmt.Fprintf(os.Stderr, "[chainaudit] Warning: %v\n", err)
		} else {
			fmt.Println("# HMAC key: configured")
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml and generate an HMAC key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil && !configForce {
			fmt.Printf("[chainaudit] %s already exists (use --force to overwrite)\n", configPath)
		} else {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("[chainaudit] Wrote %s\n", configPath)
		}

		// Never replace an existing key: entries signed with it would no
		// longer verify.
		envPath := filepath.Join(configDir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			fmt.Printf("[chainaudit] %s already exists, key left unchanged\n", envPath)
			return nil
		}
		key, err := generateKey()
		if err != nil {
			return err
		}
		if err := godotenv.Write(map[string]string{config.HMACKeyEnv: key}, envPath); err != nil {
			return fmt.Errorf("failed to write %s: %w", envPath, err)
		}
		if err := os.Chmod(envPath, 0o600); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", envPath, err)
		}
		fmt.Printf("[chainaudit] Generated HMAC key in %s\n", envPath)
		fmt.Println("[chainaudit] Back this key up: without it the ledger cannot be verified.")
		return nil
	},
}

// generateKey returns 32 random bytes, hex encoded.
func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate HMAC key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
