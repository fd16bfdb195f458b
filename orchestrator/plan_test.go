package orchestrator

import (
	"testing"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerCount(t *testing.T) {
	cfg := config.DefaultConfig().Planner

	tests := []struct {
		name     string
		item     analysis.WorkItem
		expected int
		rule     string
	}{
		{
			name:     "uniform medium backlog",
			item:     analysis.WorkItem{Count: 40, Severity: 2, Diversity: analysis.Uniform},
			expected: 1,
			rule:     RuleBaseline,
		},
		{
			name:     "diverse medium backlog scales with size",
			item:     analysis.WorkItem{Count: 60, Severity: 2, Diversity: analysis.Diverse},
			expected: 3,
			rule:     RuleDiverse,
		},
		{
			name:     "diverse backlog is capped",
			item:     analysis.WorkItem{Count: 500, Severity: 2, Diversity: analysis.Diverse},
			expected: cfg.MaxWorkersPerCategory,
			rule:     RuleDiverse,
		},
		{
			name:     "diverse low severity stays at baseline",
			item:     analysis.WorkItem{Count: 500, Severity: 1, Diversity: analysis.Diverse},
			expected: 1,
			rule:     RuleBaseline,
		},
		{
			name:     "small diverse batch gets one",
			item:     analysis.WorkItem{Count: 15, Severity: 2, Diversity: analysis.Diverse},
			expected: 1,
			rule:     RuleSmallBatch,
		},
		{
			name:     "highest severity always gets two",
			item:     analysis.WorkItem{Count: 50, Severity: 3, Diversity: analysis.Diverse},
			expected: 2,
			rule:     RuleHighestSeverity,
		},
		{
			name:     "highest severity wins over small batch",
			item:     analysis.WorkItem{Count: 12, Severity: 3, Diversity: analysis.Uniform},
			expected: 2,
			rule:     RuleHighestSeverity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, rule := WorkerCount(tt.item, cfg)
			assert.Equal(t, tt.expected, n)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestBuildPlan(t *testing.T) {
	cfg := config.DefaultConfig().Planner
	items := []analysis.WorkItem{
		{Category: "CS0246", Count: 50, Severity: 3, Diversity: analysis.Diverse},
		{Category: "CS0103", Count: 5, Severity: 2, Diversity: analysis.Uniform},
		{Category: "CS0029", Count: 30, Severity: 2, Diversity: analysis.Similar},
	}

	plan := BuildPlan(items, cfg)

	require.Len(t, plan.Items, 2)
	assert.Equal(t, "CS0246", plan.Items[0].Item.Category)
	assert.Equal(t, 2, plan.Items[0].Workers)
	assert.Equal(t, "CS0029", plan.Items[1].Item.Category)
	assert.Equal(t, 1, plan.Items[1].Workers)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "CS0103", plan.Skipped[0].Item.Category)
	assert.Contains(t, plan.Skipped[0].Reason, "below minimum")

	assert.Equal(t, 3, plan.Slots())
}

func TestBuildPlanEmpty(t *testing.T) {
	plan := BuildPlan(nil, config.DefaultConfig().Planner)
	assert.Empty(t, plan.Items)
	assert.Empty(t, plan.Skipped)
	assert.Zero(t, plan.Slots())
}
