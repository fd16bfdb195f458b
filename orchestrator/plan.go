package orchestrator

import (
	"fmt"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
)

// Rules that decide a category's worker count.
const (
	RuleBaseline        = "baseline"
	RuleDiverse         = "diverse high-severity backlog"
	RuleSmallBatch      = "small batch"
	RuleHighestSeverity = "highest severity"
)

// PlannedItem is a category that gets workers.
type PlannedItem struct {
	Item    analysis.WorkItem `json:"item"`
	Workers int               `json:"workers"`
	Rule    string            `json:"rule"`
}

// SkippedItem is a category left out of the run.
type SkippedItem struct {
	Item   analysis.WorkItem `json:"item"`
	Reason string            `json:"reason"`
}

// Plan is the worker allocation for one backlog.
type Plan struct {
	Items   []PlannedItem `json:"items"`
	Skipped []SkippedItem `json:"skipped"`
}

// Slots returns the total number of planned worker slots.
func (p Plan) Slots() int {
	n := 0
	for _, it := range p.Items {
		n += it.Workers
	}
	return n
}

// WorkerCount decides how many workers a category gets. The rules apply in
// order and later rules win: the baseline is one worker; a diverse backlog
// at or above the high-severity mark scales with its size up to the cap; a
// small batch gets one; the highest severity always gets exactly two.
func WorkerCount(item analysis.WorkItem, cfg config.PlannerConfig) (int, string) {
	n, rule := 1, RuleBaseline

	if item.Diversity == analysis.Diverse && item.Severity >= cfg.HighSeverity && cfg.ErrorsPerWorker > 0 {
		n = min(cfg.MaxWorkersPerCategory, 1+item.Count/cfg.ErrorsPerWorker)
		rule = RuleDiverse
	}
	if item.Count < cfg.SmallBatchThreshold {
		n, rule = 1, RuleSmallBatch
	}
	if item.Severity == config.SeverityHigh {
		n, rule = 2, RuleHighestSeverity
	}
	return max(n, 1), rule
}

// BuildPlan allocates workers to every item, skipping categories with too
// few errors to be worth a worker.
func BuildPlan(items []analysis.WorkItem, cfg config.PlannerConfig) Plan {
	var plan Plan
	for _, item := range items {
		if item.Count < cfg.MinErrorsPerWorker {
			reason := fmt.Sprintf("%d errors, below minimum of %d", item.Count, cfg.MinErrorsPerWorker)
			log.InfoLog.Printf("analysis: skipping %s: %s", item.Category, reason)
			plan.Skipped = append(plan.Skipped, SkippedItem{Item: item, Reason: reason})
			continue
		}
		n, rule := WorkerCount(item, cfg)
		log.InfoLog.Printf("analysis: %s: %d errors, severity %d, %s -> %d worker(s) (%s)",
			item.Category, item.Count, item.Severity, item.Diversity, n, rule)
		plan.Items = append(plan.Items, PlannedItem{Item: item, Workers: n, Rule: rule})
	}
	return plan
}
