package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"deplight/internal/security"
)

var (
	hookBranch string
	hookSecret string
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage push webhooks",
}

var hookAddCmd = &cobra.Command{
	Use:   "add DEPLOYMENT_ID",
	Short: "Print a hooks entry for deplight.yaml",
	Long: `Print a hooks entry binding a GitHub push webhook to a deployment.

Paste the entry under "hooks:" in deplight.yaml, then point the GitHub
webhook at /in/DEPLOYMENT_ID with the same secret and content type
application/json.`,
	Example: `  deplight hook add shop-api --branch main`,
	Args:    cobra.ExactArgs(1),
	RunE:    runHookAdd,
}

func init() {
	hookAddCmd.Flags().StringVar(&hookBranch, "branch", "", "Only redeploy on pushes to this branch")
	hookAddCmd.Flags().StringVar(&hookSecret, "secret", "", "Webhook secret (generated if not provided)")
	hookCmd.AddCommand(hookAddCmd)
}

type hookEntry struct {
	DeploymentID string `yaml:"deployment_id"`
	Secret       string `yaml:"secret"`
	Branch       string `yaml:"branch,omitempty"`
}

func runHookAdd(cmd *cobra.Command, args []string) error {
	secret := hookSecret
	if secret == "" {
		var err error
		if secret, err = security.GenerateSecret(); err != nil {
			return err
		}
	}
	out, err := hookSnippet(args[0], hookBranch, secret)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// hookSnippet validates the entry and renders it as a one-item YAML list.
func hookSnippet(deploymentID, branch, secret string) (string, error) {
	if err := security.ValidateID("deployment id", deploymentID); err != nil {
		return "", err
	}
	if err := security.ValidateSecret(secret); err != nil {
		return "", err
	}
	if branch != "" {
		if err := security.ValidateBranchName(branch); err != nil {
			return "", err
		}
	}
	b, err := yaml.Marshal([]hookEntry{{DeploymentID: deploymentID, Secret: secret, Branch: branch}})
	if err != nil {
		return "", fmt.Errorf("failed to render hook entry: %w", err)
	}
	return string(b), nil
}
