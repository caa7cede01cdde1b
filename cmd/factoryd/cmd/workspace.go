package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskfactory/factoryd/internal/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage registered workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workspaces",
	RunE:  runWorkspaceList,
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory as a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceAdd,
}

var workspaceRemoveCmd = &cobra.Command{
	Use:   "remove <workspace-id>",
	Short: "Unregister a workspace (task files stay on disk)",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceRemove,
}

var workspaceAddName string

func init() {
	workspaceAddCmd.Flags().StringVar(&workspaceAddName, "name", "",
		"display name (default: directory name)")

	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceAddCmd)
	workspaceCmd.AddCommand(workspaceRemoveCmd)
	rootCmd.AddCommand(workspaceCmd)
}

func runWorkspaceList(_ *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var workspaces []workspace.Workspace
	if err := c.get("/workspaces/", &workspaces); err != nil {
		return err
	}
	if len(workspaces) == 0 {
		fmt.Println("No workspaces registered. Add one with 'factoryd workspace add <path>'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH")
	for _, ws := range workspaces {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Name, ws.Path)
	}
	return w.Flush()
}

func runWorkspaceAdd(_ *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	var ws workspace.Workspace
	if err := c.post("/workspaces/", map[string]string{
		"path": path,
		"name": workspaceAddName,
	}, &ws); err != nil {
		return err
	}
	fmt.Printf("Registered %s (%s)\n", ws.Name, ws.ID)
	return nil
}

func runWorkspaceRemove(_ *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.delete("/workspaces/"+args[0]+"/", nil); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}
