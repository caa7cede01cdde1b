package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageMergeKeysByProviderModel(t *testing.T) {
	var m UsageMetrics
	m.Merge(UsageSample{Provider: "anthropic", ModelID: "m1", InputTokens: 100, OutputTokens: 50, Cost: 0.01})
	m.Merge(UsageSample{Provider: "anthropic", ModelID: "m1", InputTokens: 10, OutputTokens: 5, Cost: 0.002})
	m.Merge(UsageSample{Provider: "openai", ModelID: "m2", InputTokens: 7, OutputTokens: 3})

	assert.Len(t, m.ByModel, 2)
	assert.Equal(t, int64(110), m.ByModel[0].Input)
	assert.Equal(t, int64(55), m.ByModel[0].Output)
	assert.InDelta(t, 0.012, m.ByModel[0].Cost, 1e-9)
}

// Totals must equal the column sums of the per-model slices.
func TestUsageAdditivity(t *testing.T) {
	var m UsageMetrics
	samples := []UsageSample{
		{Provider: "a", ModelID: "x", InputTokens: 3, OutputTokens: 4, CacheReadTokens: 1},
		{Provider: "a", ModelID: "y", InputTokens: 5, CacheWriteTokens: 2, Cost: 0.5},
		{Provider: "b", ModelID: "x", OutputTokens: 9, Cost: 0.25},
	}
	for _, s := range samples {
		m.Merge(s)
	}

	var sum UsageTotals
	for _, bm := range m.ByModel {
		sum.Input += bm.Input
		sum.Output += bm.Output
		sum.CacheRead += bm.CacheRead
		sum.CacheWrite += bm.CacheWrite
		sum.Total += bm.Total
		sum.Cost += bm.Cost
	}
	assert.Equal(t, m.Totals.Input, sum.Input)
	assert.Equal(t, m.Totals.Output, sum.Output)
	assert.Equal(t, m.Totals.CacheRead, sum.CacheRead)
	assert.Equal(t, m.Totals.CacheWrite, sum.CacheWrite)
	assert.Equal(t, m.Totals.Total, sum.Total)
	assert.InDelta(t, m.Totals.Cost, sum.Cost, 1e-9)
}

func TestUsageSampleNormalize(t *testing.T) {
	s := UsageSample{InputTokens: 10, OutputTokens: 20, CacheReadTokens: 5, CacheWriteTokens: 1}
	assert.Equal(t, int64(36), s.Normalize().TotalTokens)

	// An explicit total wins over the sum.
	s.TotalTokens = 100
	assert.Equal(t, int64(100), s.Normalize().TotalTokens)
}
