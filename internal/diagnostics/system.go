// Package diagnostics reports host resource usage for the doctor command
// and health endpoints. All probes are best-effort: a failed probe leaves
// its fields zero rather than failing the report.
package diagnostics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemReport holds a host resource snapshot.
type SystemReport struct {
	CPUModel   string  `json:"cpuModel,omitempty"`
	CPUThreads int     `json:"cpuThreads"`
	CPUPercent float64 `json:"cpuPercent"`

	MemTotalMB float64 `json:"memTotalMb"`
	MemUsedMB  float64 `json:"memUsedMb"`
	MemPercent float64 `json:"memPercent"`

	DiskTotalGB float64 `json:"diskTotalGb"`
	DiskUsedGB  float64 `json:"diskUsedGb"`
	DiskPercent float64 `json:"diskPercent"`

	LoadAvg1  float64 `json:"loadAvg1"`
	LoadAvg5  float64 `json:"loadAvg5"`
	LoadAvg15 float64 `json:"loadAvg15"`
}

// CollectSystem gathers a snapshot for path. path selects the disk probed;
// empty means the root filesystem.
func CollectSystem(path string) SystemReport {
	if path == "" {
		path = "/"
		if runtime.GOOS == "windows" {
			path = `C:\`
		}
	}

	report := SystemReport{CPUThreads: runtime.NumCPU()}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		report.CPUModel = infos[0].ModelName
	}
	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemTotalMB = float64(vm.Total) / (1 << 20)
		report.MemUsedMB = float64(vm.Used) / (1 << 20)
		report.MemPercent = vm.UsedPercent
	}

	if du, err := disk.Usage(path); err == nil {
		report.DiskTotalGB = float64(du.Total) / (1 << 30)
		report.DiskUsedGB = float64(du.Used) / (1 << 30)
		report.DiskPercent = du.UsedPercent
	}

	if avg, err := load.Avg(); err == nil {
		report.LoadAvg1 = avg.Load1
		report.LoadAvg5 = avg.Load5
		report.LoadAvg15 = avg.Load15
	}

	return report
}
