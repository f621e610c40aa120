package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"deplight/internal/config"
	"deplight/internal/security"
)

var version = "dev" // Will be set during build

var configFile string

var rootCmd = &cobra.Command{
	Use:   "deplight",
	Short: "Collaborative blue/green deployment dashboard",
	Long: `Deplight runs simulated blue/green deployment pipelines for shared workspaces.

Members of a workspace watch deployments progress in real time over a
websocket, trigger rollbacks and react to releases. Signed GitHub push
webhooks redeploy configured deployments.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to deplight.yaml (default: search ., ./config, /etc/deplight)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// setupLogging configures slog for JSON logging to stdout and, when
// logPath is set, to a file. The caller must close the returned file.
func setupLogging(logPath, level string) (*slog.Logger, io.Closer, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if logPath != "" {
		file, err := security.OpenLogFile(logPath)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), closer, nil
}

// cliLogger is used by the one-shot commands, which keep stdout for
// their own output.
func cliLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
