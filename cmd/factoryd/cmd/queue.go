package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Control a workspace's queue processing",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status",
	RunE:  runQueueStatus,
}

var queueStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Enable queue processing",
	RunE:  runQueueToggle("start"),
}

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Disable queue processing (live sessions keep running)",
	RunE:  runQueueToggle("stop"),
}

var queueKickCmd = &cobra.Command{
	Use:   "kick",
	Short: "Trigger a scheduling pass now",
	RunE:  runQueueKick,
}

var queueWorkspace string

func init() {
	queueCmd.PersistentFlags().StringVarP(&queueWorkspace, "workspace", "w", "",
		"workspace id (default: workspace containing the current directory)")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueStartCmd)
	queueCmd.AddCommand(queueStopCmd)
	queueCmd.AddCommand(queueKickCmd)
	rootCmd.AddCommand(queueCmd)
}

type queueStatusView struct {
	Enabled   bool `json:"enabled"`
	Backlog   int  `json:"backlog"`
	Ready     int  `json:"ready"`
	Executing int  `json:"executing"`
	Parked    int  `json:"parked"`
	Planning  int  `json:"planning"`
}

func queueWorkspaceID(c *client) (string, error) {
	if queueWorkspace != "" {
		return queueWorkspace, nil
	}
	return resolveWorkspace(c)
}

func printQueueStatus(status queueStatusView) {
	state := "stopped"
	if status.Enabled {
		state = "running"
	}
	fmt.Printf("Queue %s: backlog %d, ready %d, executing %d, parked %d, planning %d\n",
		state, status.Backlog, status.Ready, status.Executing, status.Parked, status.Planning)
}

func runQueueStatus(_ *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := queueWorkspaceID(c)
	if err != nil {
		return err
	}
	var status queueStatusView
	if err := c.get("/workspaces/"+wsID+"/queue", &status); err != nil {
		return err
	}
	printQueueStatus(status)
	return nil
}

func runQueueToggle(action string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		wsID, err := queueWorkspaceID(c)
		if err != nil {
			return err
		}
		var status queueStatusView
		if err := c.post("/workspaces/"+wsID+"/queue/"+action, nil, &status); err != nil {
			return err
		}
		printQueueStatus(status)
		return nil
	}
}

func runQueueKick(_ *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	wsID, err := queueWorkspaceID(c)
	if err != nil {
		return err
	}
	if err := c.post("/workspaces/"+wsID+"/queue/kick", nil, nil); err != nil {
		return err
	}
	fmt.Println("Kicked.")
	return nil
}
