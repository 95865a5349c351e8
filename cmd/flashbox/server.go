package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/flashbox/internal/anki"
	"github.com/kalambet/flashbox/internal/api"
	"github.com/kalambet/flashbox/internal/capture"
	"github.com/kalambet/flashbox/internal/config"
	"github.com/kalambet/flashbox/internal/extract"
	"github.com/kalambet/flashbox/internal/inbox"
	"github.com/kalambet/flashbox/internal/ingest"
	"github.com/kalambet/flashbox/internal/metrics"
	"github.com/kalambet/flashbox/internal/settings"
	"github.com/kalambet/flashbox/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the flashbox server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running flashbox server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show flashbox and Anki status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// instance guards a data dir against a second server. The flock is the
// source of truth; the PID file only tells `stop` whom to signal.
type instance struct {
	lock    *flock.Flock
	pidPath string
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "flashbox.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "flashbox.lock")
}

func acquireInstance(dataDir string) (*instance, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	inst := &instance{lock: flock.New(lockFilePath(dataDir)), pidPath: pidFilePath(dataDir)}
	ok, err := inst.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !ok {
		if pid, err := readPID(inst.pidPath); err == nil {
			return nil, fmt.Errorf("flashbox is already running (PID %d)", pid)
		}
		return nil, fmt.Errorf("flashbox is already running for %s", dataDir)
	}
	if err := os.WriteFile(inst.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		inst.lock.Unlock()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return inst, nil
}

func (i *instance) release() {
	os.Remove(i.pidPath)
	if err := i.lock.Unlock(); err != nil {
		slog.Warn("releasing instance lock", "error", err)
	}
}

// runningPID returns the PID of the server holding dataDir. A PID file left
// behind by a crashed server is removed.
func runningPID(dataDir string) (int, error) {
	pidPath := pidFilePath(dataDir)
	probe := flock.New(lockFilePath(dataDir))
	ok, err := probe.TryLock()
	if err != nil {
		return 0, fmt.Errorf("probing lock: %w", err)
	}
	if ok {
		probe.Unlock()
		os.Remove(pidPath)
		return 0, errNotRunning
	}
	return readPID(pidPath)
}

var errNotRunning = errors.New("flashbox is not running")

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	inst, err := acquireInstance(cfg.Storage.DataDir)
	if err != nil {
		printWarning("%v", err)
		return err
	}
	defer inst.release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	spooler, err := capture.NewSpooler(filepath.Join(cfg.Storage.DataDir, "pdfs"))
	if err != nil {
		return fmt.Errorf("preparing pdf spool: %w", err)
	}

	settingsMgr := settings.NewManager(store, cfg.Anki.DefaultDeck, cfg.Anki.ModelName)
	bridge := anki.NewBridge(anki.New(cfg.Anki.BaseURL, cfg.Anki.APIKey), anki.DefaultBreakerConfig())
	collector := metrics.New()

	svc := inbox.New(inbox.Deps{
		Store:           store,
		Spooler:         spooler,
		Settings:        settingsMgr,
		Bridge:          bridge,
		Clipper:         extract.NewClipper(&http.Client{Timeout: cfg.ClipTimeout(15 * time.Second)}, cfg.Clip.MaxChars),
		PDF:             extract.NewPDFReader(cfg.Clip.MaxChars),
		Metrics:         collector,
		AnkiTimeout:     cfg.AnkiTimeout(30 * time.Second),
		SyncConcurrency: cfg.Sync.Concurrency,
	})

	// Ask Anki for access up front so the first sync does not block on the
	// permission dialog.
	permCtx, permCancel := context.WithTimeout(ctx, 2*cfg.AnkiTimeout(30*time.Second))
	bridge.RequestPermissionAsync(permCtx, func(granted bool, err error) {
		defer permCancel()
		switch {
		case err != nil:
			slog.Warn("Anki not reachable, cards will sync once it is running", "url", cfg.Anki.BaseURL, "error", err)
		case granted:
			slog.Info("Anki permission granted", "url", cfg.Anki.BaseURL)
		default:
			slog.Warn("Anki permission denied; check anki.api_key", "url", cfg.Anki.BaseURL)
		}
	})

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Inbox:    svc,
		Settings: settingsMgr,
		Metrics:  collector,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := ingest.NewWorker(store, svc, cfg.PollInterval(500*time.Millisecond), 0).WithMetrics(collector)
	go worker.Run(ctx)

	// MCP clients launch the server with piped stdio; an interactive
	// terminal gets none.
	if !isTerminal(os.Stdin) {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Inbox:    svc,
			Settings: settingsMgr,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "flashbox listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pid, err := runningPID(cfg.Storage.DataDir)
	if errors.Is(err, errNotRunning) {
		printWarning("flashbox is not running")
		return nil
	}
	if err != nil {
		printError("flashbox holds the lock but its PID is unknown: %v", err)
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop flashbox (PID %d): %v", pid, err)
		return err
	}

	printSuccess("Sent stop signal to flashbox (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	pid, err := runningPID(cfg.Storage.DataDir)
	switch {
	case errors.Is(err, errNotRunning):
		printStatus("Server", "stopped")
	case err != nil:
		printStatus("Server", "locked, PID unknown (%v)", err)
	default:
		if healthy(ctx, cfg.Server.Port) {
			printStatus("Server", "running on port %d (PID %d)", cfg.Server.Port, pid)
			if client, err := newAPIClient(); err == nil {
				printServerStatus(ctx, client)
			}
		} else {
			printStatus("Server", "PID %d not answering on port %d", pid, cfg.Server.Port)
		}
	}

	printStatus("Anki", "%s", cfg.Anki.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func healthy(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func printServerStatus(ctx context.Context, client *apiClient) {
	if resp, err := client.get(ctx, "/anki/status"); err == nil {
		var st inbox.AnkiStatus
		if decodeJSON(resp, &st) == nil {
			if st.Available {
				printStatus("AnkiConnect", "reachable, permission %s", st.Permission)
			} else {
				printStatus("AnkiConnect", "not reachable")
			}
		}
	}
	if resp, err := client.get(ctx, "/entries"); err == nil {
		var entries []storage.Entry
		if decodeJSON(resp, &entries) == nil {
			locked := 0
			for _, e := range entries {
				if e.IsLocked {
					locked++
				}
			}
			printStatus("Inbox", "%d entries (%d processed)", len(entries), locked)
		}
	}
}
