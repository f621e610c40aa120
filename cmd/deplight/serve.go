package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"deplight/internal/config"
	"deplight/internal/console"
	"deplight/internal/deployment"
	"deplight/internal/gateway"
	"deplight/internal/history"
	"deplight/internal/integration"
	"deplight/internal/realtime"
	"deplight/internal/security"
	"deplight/internal/server"
	"deplight/internal/store"
	"deplight/internal/telemetry"
	"deplight/pkg/fileutil"
)

var (
	serveHost      string
	servePort      int
	serveDBPath    string
	serveLogFile   string
	serveSeedFile  string
	serveStaticDir string
	testMode       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the HTTP and websocket server.

Deployments left in flight by a previous process are marked ERROR before
the server accepts connections. Workspaces from the seed file are created
if missing.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Path to SQLite database (overrides db.path)")
	serveCmd.Flags().StringVar(&serveLogFile, "log", "", "Path to log file (overrides log.path)")
	serveCmd.Flags().StringVar(&serveSeedFile, "seed", "", "Workspace seed file (overrides seed)")
	serveCmd.Flags().StringVar(&serveStaticDir, "static", "", "Directory of the built dashboard (overrides server.static_dir)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", false, "Disable per-IP rate limits")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("db") {
		cfg.DB.Path = serveDBPath
	}
	if flags.Changed("log") {
		cfg.Log.Path = serveLogFile
	}
	if flags.Changed("seed") {
		cfg.Seed = serveSeedFile
	}
	if flags.Changed("static") {
		cfg.Server.StaticDir = serveStaticDir
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, logFileHandle, err := setupLogging(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting deplight", "version", version)
	if cfg.File != "" {
		logger.Info("Configuration loaded", "config", cfg.File, "hooks", len(cfg.Hooks))
		if err := security.ValidateSecurePermissions(cfg.File); err != nil {
			logger.Warn("Config file permissions are too open", "error", err)
		}
	} else {
		logger.Info("No config file found, using defaults and environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, hist, err := openStore(cfg.DB.Path)
	if err != nil {
		logger.Error("Failed to open database", "db", cfg.DB.Path, "error", err)
		return err
	}
	defer st.Close()
	logger.Info("Database ready", "db", cfg.DB.Path)

	if cfg.Seed != "" {
		if err := applySeed(ctx, cfg.Seed, st, logger); err != nil {
			return err
		}
	}

	rooms := realtime.NewBroadcaster(logger)
	bridge := realtime.NewBridge(st, rooms, logger)

	auth, err := newAuthenticator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	gw := gateway.New(auth, st, rooms, bridge, logger)

	var metricsHandler http.Handler
	var meterProvider metric.MeterProvider
	if cfg.Metrics.Enabled {
		mp, handler, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				logger.Warn("Meter provider shutdown failed", "error", err)
			}
		}()
		otel.SetMeterProvider(mp)
		meterProvider, metricsHandler = mp, handler
		logger.Info("Metrics enabled", "path", cfg.Metrics.Path)
	}
	metrics, err := telemetry.NewMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	integrations, err := newIntegrations(cfg, logger)
	if err != nil {
		return err
	}

	deps := deployment.Deps{
		Store:     st,
		Publisher: rooms,
		Locks:     deployment.NewLockManager(),
		History:   hist,
		Observer:  metrics,
		Logger:    logger,
		Secrets:   cfg.Secrets(),
	}
	pipelineCfg := cfg.DeploymentConfig()
	engine := deployment.NewEngine(deps, integrations, pipelineCfg)
	rollback := deployment.NewRollbackController(deps, integrations.Chat, pipelineCfg)

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("Recovered interrupted runs", "count", recovered)
	}

	sweeper := deployment.NewSweeper(deps, cfg.Sweep.Interval, cfg.Sweep.Threshold)
	go sweeper.Run(ctx)

	traffic := telemetry.NewTraffic(rooms, metrics, cfg.Traffic.Interval, cfg.Traffic.HitRate, logger)
	go traffic.Run(ctx)

	if cfg.Server.StaticDir != "" && !fileutil.DirExists(cfg.Server.StaticDir) {
		logger.Warn("Static directory not found, dashboard routes will 404", "static_dir", cfg.Server.StaticDir)
	}

	srv := server.NewServer(server.Options{
		Gateway:           gw,
		Rooms:             rooms,
		Store:             st,
		Deployer:          engine,
		Rollback:          rollback,
		History:           hist,
		Hooks:             config.NewHookRegistry(cfg.Hooks),
		Console:           console.New(cfg.Console.Delay),
		Logger:            logger,
		Metrics:           metricsHandler,
		MetricsPath:       cfg.Metrics.Path,
		StaticDir:         cfg.Server.StaticDir,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestTimeout:    cfg.Server.RequestTimeout,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		CommandRate:       rate.Limit(cfg.RateLimit.CommandsPerSecond),
		CommandBurst:      cfg.RateLimit.CommandBurst,
		TestMode:          testMode,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}

	// Let in-flight runs reach a terminal state.
	engine.Wait()
	rollback.Wait()
	engine.Close()
	bridge.Wait()
	logger.Info("Stopped")
	return nil
}

// openStore opens the SQLite store and the run history sharing its handle.
func openStore(path string) (*store.SQLite, *history.History, error) {
	if err := security.PrepareDBPath(path); err != nil {
		return nil, nil, err
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	hist, err := history.New(st.DB())
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize history: %w", err)
	}
	return st, hist, nil
}

func applySeed(ctx context.Context, path string, st store.WorkspaceStore, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	res, err := seed.Apply(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	logger.Info("Seed applied",
		"seed", path,
		"workspaces", len(seed.Workspaces),
		"created", res.Created,
		"members_added", res.MembersAdded)
	return nil
}

// newAuthenticator prefers OIDC; static tokens are for local use.
func newAuthenticator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gateway.Authenticator, error) {
	if cfg.Auth.Issuer != "" {
		if len(cfg.Auth.DevTokens) > 0 {
			logger.Warn("auth.dev_tokens ignored because auth.issuer is set")
		}
		auth, err := gateway.NewOIDCAuthenticator(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to set up OIDC: %w", err)
		}
		logger.Info("Authenticating sessions with OIDC", "issuer", cfg.Auth.Issuer)
		return auth, nil
	}
	if len(cfg.Auth.DevTokens) == 0 {
		logger.Warn("No authentication configured, every session will be refused")
	} else {
		logger.Warn("Authenticating sessions with static dev tokens", "count", len(cfg.Auth.DevTokens))
	}
	return gateway.NewStaticAuthenticator(cfg.DevTokenMap()), nil
}

// newIntegrations builds the configured external collaborators. Unset
// sections leave the matching field nil.
func newIntegrations(cfg *config.Config, logger *slog.Logger) (deployment.Integrations, error) {
	var out deployment.Integrations

	if cfg.GitHub.Token != "" {
		gh, err := integration.NewGitHubTrigger(integration.GitHubConfig{
			Token:             cfg.GitHub.Token,
			Owner:             cfg.GitHub.Owner,
			Repo:              cfg.GitHub.Repo,
			Workflow:          cfg.GitHub.Workflow,
			Ref:               cfg.GitHub.Ref,
			Environment:       cfg.GitHub.Environment,
			BaseURL:           cfg.GitHub.BaseURL,
			RunLookupDelay:    cfg.GitHub.RunLookupDelay,
			RunLookupAttempts: cfg.GitHub.RunLookupAttempts,
		})
		if err != nil {
			return out, fmt.Errorf("failed to set up GitHub: %w", err)
		}
		out.CI = gh
		if cfg.GitHub.WatchRuns {
			out.CIWatch = gh
		}
		logger.Info("GitHub workflow dispatch enabled",
			"repo", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo,
			"workflow", cfg.GitHub.Workflow,
			"watch_runs", cfg.GitHub.WatchRuns)
	}

	if cfg.Slack.Token != "" {
		slack, err := integration.NewSlackNotifier(integration.SlackConfig{
			Token:   cfg.Slack.Token,
			Channel: cfg.Slack.Channel,
			APIURL:  cfg.Slack.APIURL,
		}, &http.Client{Timeout: cfg.Pipeline.CallTimeout})
		if err != nil {
			return out, fmt.Errorf("failed to set up Slack: %w", err)
		}
		out.Chat = slack
		logger.Info("Slack notices enabled", "channel", cfg.Slack.Channel)
	}

	if cfg.Insight.URL != "" {
		out.Insight = integration.NewHTTPInsight(cfg.Insight.URL, cfg.Insight.Token, &http.Client{Timeout: cfg.Pipeline.CallTimeout})
		logger.Info("Insight service enabled", "url", cfg.Insight.URL)
	} else {
		out.Insight = integration.StaticInsight{}
	}

	return out, nil
}
