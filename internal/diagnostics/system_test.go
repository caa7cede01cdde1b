package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectSystem(t *testing.T) {
	report := CollectSystem("")

	assert.Greater(t, report.CPUThreads, 0)
	assert.Greater(t, report.MemTotalMB, 0.0)
	assert.GreaterOrEqual(t, report.MemPercent, 0.0)
	assert.LessOrEqual(t, report.MemPercent, 100.0)
	assert.Greater(t, report.DiskTotalGB, 0.0)
}

func TestCollectSystemTempPath(t *testing.T) {
	report := CollectSystem(t.TempDir())
	assert.Greater(t, report.DiskTotalGB, 0.0)
}
