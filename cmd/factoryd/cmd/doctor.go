package cmd

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/taskfactory/factoryd/internal/config"
	"github.com/taskfactory/factoryd/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check dependencies and host resources",
	Long:  "Verify the agent binary and supporting tools, and report host resource usage.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	checks := []struct {
		name     string
		command  string
		required bool
	}{
		{"agent (" + settings.Agent.Path + ")", settings.Agent.Path, true},
		{"git", "git", false},
		{"gh", "gh", false},
	}

	fmt.Println("Checking dependencies...")
	fmt.Println()

	requiredOk := true
	for _, check := range checks {
		icon := "✓"
		suffix := ""
		if !checkCommand(check.command) {
			if check.required {
				icon = "✗"
				requiredOk = false
			} else {
				icon = "○"
				suffix = " (optional)"
			}
		}
		fmt.Printf("  %s %s%s\n", icon, check.name, suffix)
	}
	fmt.Println()

	home, err := config.HomeDir()
	if err != nil {
		fmt.Printf("  ✗ factory home unavailable: %v\n", err)
		requiredOk = false
	} else {
		fmt.Printf("  ✓ factory home: %s\n", home)
	}
	fmt.Println()

	report := diagnostics.CollectSystem(home)
	fmt.Println("Host resources:")
	fmt.Printf("  CPU: %.0f%% of %d threads\n", report.CPUPercent, report.CPUThreads)
	fmt.Printf("  Memory: %.0f/%.0f MB (%.0f%%)\n", report.MemUsedMB, report.MemTotalMB, report.MemPercent)
	fmt.Printf("  Disk: %.1f/%.1f GB (%.0f%%)\n", report.DiskUsedGB, report.DiskTotalGB, report.DiskPercent)
	fmt.Printf("  Load: %.2f %.2f %.2f\n", report.LoadAvg1, report.LoadAvg5, report.LoadAvg15)
	fmt.Println()

	if !requiredOk {
		return fmt.Errorf("dependency check failed")
	}
	fmt.Println("All required dependencies available")
	return nil
}

func checkCommand(name string) bool {
	cmd := exec.Command(name, "--version")
	return cmd.Run() == nil
}
