package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"
	"qapilot-mcp-server/internal/uifeed"
)

var (
	configPath   string
	workspaceDir string
	noWorkspace  bool
)

var rootCmd = &cobra.Command{
	Use:   "qapilot-mcp",
	Short: "Autonomous web page test sessions over MCP",
	Long: `QAPilot drives a Chrome tab through its buttons, links and forms, guided by a
free-form testing goal, and reports what worked. Agents control it over MCP.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server (stdio by default, SSE with --sse-port)",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .qapilot workspace with a config template",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted session record and counters",
	Long: `Print the persisted session record and counters.

With --verify the record is checked for liveness. Only a running server can
acknowledge its own session, so from a separate process an in-progress record
is reset to idle.`,
	RunE: runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every persisted session record",
	RunE:  runReset,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a QAPilot config file (overrides the workspace config)")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root instead of searching upwards")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .qapilot workspace discovery")

	serveCmd.Flags().Int("sse-port", 0, "Serve MCP over SSE on this port (falls back to config)")
	serveCmd.Flags().Int("feed-port", 0, "Serve the websocket UI feed on this port (falls back to config)")
	serveCmd.Flags().Bool("no-browser", false, "Do not launch or attach to Chrome at startup")

	statusCmd.Flags().Bool("verify", false, "Probe the recorded tab and normalize a dead record")

	rootCmd.AddCommand(serveCmd, initCmd, statusCmd, resetCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	// Bare invocation serves, which is what MCP client configs run.
	if len(os.Args) == 1 {
		rootCmd.SetArgs([]string{"serve"})
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults, workspace and --config. Without a browser the
// browser target is not required and auto-start is turned off.
func loadConfig(withBrowser bool) (config.Config, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
	if !withBrowser {
		cfg.Browser.AutoStart = false
		if errors.Is(err, config.ErrNoBrowserTarget) {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	noBrowser, _ := cmd.Flags().GetBool("no-browser")
	cfg, err := loadConfig(!noBrowser)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("sse-port"); port != 0 {
		cfg.MCP.SSEPort = port
	}
	if port, _ := cmd.Flags().GetInt("feed-port"); port != 0 {
		cfg.UI.FeedPort = port
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.shutdown()
	if err := a.start(ctx); err != nil {
		return err
	}

	if cfg.UI.FeedPort > 0 {
		addr := ":" + strconv.Itoa(cfg.UI.FeedPort)
		go func() {
			log.Printf("starting UI feed on %s/feed", addr)
			if err := uifeed.Serve(ctx, addr, a.feed()); err != nil {
				log.Printf("UI feed exited: %v", err)
			}
		}()
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting QAPilot MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = a.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting QAPilot MCP stdio server")
		startErr = a.server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	if err := config.InitWorkspace(root); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized QAPilot workspace in %s/%s\n", root, config.WorkspaceDirName)
	return nil
}

// offlineManager is a session manager over the configured store with no tab
// endpoints attached. It is what the maintenance commands operate on.
func offlineManager(cfg config.Config) (*session.Manager, *store.Store, error) {
	kv, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	mgr := session.NewManager(kv, messaging.NewBus(), session.Options{
		StaleAfter:   cfg.Session.StaleThreshold(),
		ProbeTimeout: cfg.Session.LivenessTimeout(),
	})
	return mgr, kv, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	mgr, kv, err := offlineManager(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx := cmd.Context()
	out := map[string]interface{}{"store": kv.Name()}
	var rec session.Record
	if _, err := kv.Get(ctx, store.KeyTestingState, &rec); err != nil {
		return err
	}
	out["testingState"] = rec
	var stats session.Stats
	if _, err := kv.Get(ctx, store.KeyTestStats, &stats); err != nil {
		return err
	}
	out["testStats"] = stats

	if verify, _ := cmd.Flags().GetBool("verify"); verify {
		live, err := mgr.Verify(ctx)
		if err != nil {
			return err
		}
		out["liveness"] = live
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	mgr, kv, err := offlineManager(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()
	if err := mgr.ClearState(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session state cleared")
	return nil
}
