package main

import (
	"context"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"deplight/internal/deployment"
	"deplight/internal/realtime"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback DEPLOYMENT_ID",
	Short: "Roll a deployment back to blue",
	Long: `Run the rollback sequence for a deployment and wait for it to finish.

The deployment must not have a deploy or rollback in flight. Sessions
connected to a running server see the result on their next snapshot.

Example:
  deplight rollback 3f1c2a9e-7d2b-4c55-9a61-0b8f5e2d4c11`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	deploymentID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg.Log.Level)

	st, hist, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	integrations, err := newIntegrations(cfg, logger)
	if err != nil {
		return err
	}

	deps := deployment.Deps{
		Store:     st,
		Publisher: realtime.NewBroadcaster(logger),
		Locks:     deployment.NewLockManager(),
		History:   hist,
		Logger:    logger,
	}
	controller := deployment.NewRollbackController(deps, integrations.Chat, cfg.DeploymentConfig())

	ctx := context.Background()
	fmt.Printf("Rolling back deployment '%s'...\n", deploymentID)
	if _, err := controller.StartRollback(ctx, deploymentID, cliActor()); err != nil {
		return fmt.Errorf("rollback refused: %w", err)
	}
	controller.Wait()

	d, err := st.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to read result: %w", err)
	}
	fmt.Printf("\nRollback finished.\n")
	fmt.Printf("  Status:  %s\n", d.Status)
	fmt.Printf("  Version: %s\n", d.Version)
	return nil
}

// cliActor names the operator in run history.
func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return "cli:" + name
	}
	return "cli"
}
