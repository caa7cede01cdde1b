package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/workspace"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks in a workspace",
}

var taskListCmd = &cobra.Command{
	Use:   "list [filter]",
	Short: "List tasks, optionally fuzzy-filtered by title",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTaskList,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a backlog task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreate,
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <task-id> <phase>",
	Short: "Move a task to another phase",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskMove,
}

var (
	taskWorkspace   string
	taskScope       string
	taskDescription string
)

func init() {
	taskCmd.PersistentFlags().StringVarP(&taskWorkspace, "workspace", "w", "",
		"workspace id (default: workspace containing the current directory)")
	taskListCmd.Flags().StringVar(&taskScope, "scope", "active",
		"task scope (active, archived, all)")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "",
		"task description")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskMoveCmd)
	rootCmd.AddCommand(taskCmd)
}

// taskView mirrors the API task payload.
type taskView struct {
	Frontmatter core.TaskFrontmatter `json:"frontmatter"`
	Description string               `json:"description"`
}

// resolveWorkspace picks the --workspace flag, falling back to the
// registered workspace containing the current directory.
func resolveWorkspace(c *client) (string, error) {
	if taskWorkspace != "" {
		return taskWorkspace, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	var workspaces []workspace.Workspace
	if err := c.get("/workspaces/", &workspaces); err != nil {
		return "", err
	}
	for _, ws := range workspaces {
		if cwd == ws.Path || strings.HasPrefix(cwd, ws.Path+string(os.PathSeparator)) {
			return ws.ID, nil
		}
	}
	return "", fmt.Errorf("no workspace contains %s; pass --workspace", cwd)
}

func runTaskList(_ *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := resolveWorkspace(c)
	if err != nil {
		return err
	}
	var tasks []taskView
	if err := c.get("/workspaces/"+wsID+"/tasks/?scope="+taskScope, &tasks); err != nil {
		return err
	}

	if len(args) == 1 && args[0] != "" {
		titles := make([]string, len(tasks))
		for i, t := range tasks {
			titles[i] = t.Frontmatter.Title
		}
		matches := fuzzy.Find(args[0], titles)
		filtered := make([]taskView, 0, len(matches))
		for _, m := range matches {
			filtered = append(filtered, tasks[m.Index])
		}
		tasks = filtered
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Frontmatter.ID, t.Frontmatter.Phase, t.Frontmatter.Title)
	}
	return w.Flush()
}

func runTaskCreate(_ *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := resolveWorkspace(c)
	if err != nil {
		return err
	}
	var created taskView
	if err := c.post("/workspaces/"+wsID+"/tasks/", map[string]string{
		"title":       args[0],
		"description": taskDescription,
	}, &created); err != nil {
		return err
	}
	fmt.Printf("Created %s: %s\n", created.Frontmatter.ID, created.Frontmatter.Title)
	return nil
}

func runTaskMove(_ *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := resolveWorkspace(c)
	if err != nil {
		return err
	}
	var moved taskView
	if err := c.post("/workspaces/"+wsID+"/tasks/"+args[0]+"/move", map[string]string{
		"phase": args[1],
	}, &moved); err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", moved.Frontmatter.ID, moved.Frontmatter.Phase)
	return nil
}
