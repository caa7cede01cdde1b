package core

// UsageTotals holds additive token and cost counters.
type UsageTotals struct {
	Input      int64   `yaml:"input" json:"input"`
	Output     int64   `yaml:"output" json:"output"`
	CacheRead  int64   `yaml:"cacheRead" json:"cacheRead"`
	CacheWrite int64   `yaml:"cacheWrite" json:"cacheWrite"`
	Total      int64   `yaml:"total" json:"total"`
	Cost       float64 `yaml:"cost" json:"cost"`
}

func (u *UsageTotals) add(s UsageSample) {
	u.Input += s.InputTokens
	u.Output += s.OutputTokens
	u.CacheRead += s.CacheReadTokens
	u.CacheWrite += s.CacheWriteTokens
	u.Total += s.TotalTokens
	u.Cost += s.Cost
}

// ModelUsage is the per-(provider, model) slice of usage totals.
type ModelUsage struct {
	Provider string `yaml:"provider" json:"provider"`
	ModelID  string `yaml:"modelId" json:"modelId"`
	UsageTotals `yaml:",inline"`
}

// UsageMetrics aggregates usage samples across a task's sessions.
type UsageMetrics struct {
	Totals  UsageTotals  `yaml:"totals" json:"totals"`
	ByModel []ModelUsage `yaml:"byModel,omitempty" json:"byModel,omitempty"`
}

// UsageSample is one normalised usage observation from an assistant message.
type UsageSample struct {
	Provider         string
	ModelID          string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalTokens      int64
	Cost             float64
}

// Normalize fills TotalTokens from the four token fields when the engine
// reported no explicit total.
func (s UsageSample) Normalize() UsageSample {
	if s.TotalTokens == 0 {
		s.TotalTokens = s.InputTokens + s.OutputTokens + s.CacheReadTokens + s.CacheWriteTokens
	}
	return s
}

// Merge adds a sample into the metrics, keyed by (provider, modelId).
func (m *UsageMetrics) Merge(sample UsageSample) {
	sample = sample.Normalize()
	m.Totals.add(sample)
	for i := range m.ByModel {
		if m.ByModel[i].Provider == sample.Provider && m.ByModel[i].ModelID == sample.ModelID {
			m.ByModel[i].add(sample)
			return
		}
	}
	mu := ModelUsage{Provider: sample.Provider, ModelID: sample.ModelID}
	mu.add(sample)
	m.ByModel = append(m.ByModel, mu)
}

// Clone returns a deep copy.
func (m UsageMetrics) Clone() UsageMetrics {
	c := m
	c.ByModel = append([]ModelUsage(nil), m.ByModel...)
	return c
}
