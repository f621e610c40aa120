package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"deplight/internal/config"
	"deplight/internal/model"
	"deplight/internal/security"
)

var (
	workspaceName    string
	workspaceMembers []string
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces and their members",
}

var workspaceCreateCmd = &cobra.Command{
	Use:     "create WORKSPACE_ID",
	Short:   "Create a workspace",
	Example: `  deplight workspace create team-a --name "Team A" --member alice@example.com`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWorkspaceCreate,
}

var workspaceAddMemberCmd = &cobra.Command{
	Use:   "add-member WORKSPACE_ID IDENTITY",
	Short: "Add a member to a workspace",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkspaceAddMember,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	Args:  cobra.NoArgs,
	RunE:  runWorkspaceList,
}

var workspaceSeedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Create the workspaces listed in a seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSeed,
}

func init() {
	workspaceCreateCmd.Flags().StringVar(&workspaceName, "name", "", "Display name (required)")
	workspaceCreateCmd.Flags().StringSliceVar(&workspaceMembers, "member", nil, "Member identity (repeatable)")
	_ = workspaceCreateCmd.MarkFlagRequired("name")

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceAddMemberCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceSeedCmd)
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	ws := config.WorkspaceSeed{Name: workspaceName, Members: workspaceMembers}
	if problems := config.ValidateWorkspaceSeed(args[0], ws); len(problems) > 0 {
		return fmt.Errorf("invalid workspace:\n%s", strings.Join(problems, "\n"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.CreateWorkspace(context.Background(), model.Workspace{
		ID:      args[0],
		Name:    ws.Name,
		Members: ws.Members,
	})
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	fmt.Printf("Created workspace '%s' with %d member(s)\n", args[0], len(ws.Members))
	return nil
}

func runWorkspaceAddMember(cmd *cobra.Command, args []string) error {
	workspaceID, identity := args[0], args[1]
	if err := security.ValidateID("workspace id", workspaceID); err != nil {
		return err
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity must not be empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AddMember(context.Background(), workspaceID, identity); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	fmt.Printf("Added '%s' to workspace '%s'\n", identity, workspaceID)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	workspaces, err := st.ListWorkspaces(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}
	if len(workspaces) == 0 {
		fmt.Println("No workspaces.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
	for _, ws := range workspaces {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Name, strings.Join(ws.Members, ","))
	}
	return w.Flush()
}

func runWorkspaceSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, _, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	return applySeed(context.Background(), args[0], st, cliLogger(cfg.Log.Level))
}
