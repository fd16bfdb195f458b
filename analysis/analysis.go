// Package analysis turns a build log into work items: one per error code,
// with how often it occurs, how severe it is and how alike its messages are.
package analysis

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// ErrNoBacklog is returned when the backlog file does not exist.
var ErrNoBacklog = errors.New("backlog not found")

// Diversity describes how homogeneous the messages of a category are.
type Diversity string

const (
	Uniform Diversity = "uniform"
	Similar Diversity = "similar"
	Diverse Diversity = "diverse"
)

// WorkItem is the analysed backlog of one category.
type WorkItem struct {
	Category       string    `json:"category"`
	Count          int       `json:"count"`
	Severity       int       `json:"severity"`
	Diversity      Diversity `json:"diversity"`
	UniqueMessages int       `json:"unique_messages"`
	Samples        []string  `json:"samples,omitempty"`
	Files          []string  `json:"files,omitempty"`
}

// Report is the result of analysing one backlog file.
type Report struct {
	Source      string     `json:"source"`
	Revision    string     `json:"revision,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
	TotalErrors int        `json:"total_errors"`
	Items       []WorkItem `json:"items"`
}

// Options tunes the analysis pass.
type Options struct {
	// SeverityOverrides maps error codes to a severity.
	SeverityOverrides map[string]int
	// MaxSamples caps the example messages kept per item.
	MaxSamples int
	// SampleWidth truncates each sample to this many terminal cells.
	SampleWidth int
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{MaxSamples: 3, SampleWidth: 120}
}

// Classify grades messages by the share of distinct ones: a single distinct
// message is uniform, at most half distinct is similar, anything more is
// diverse. It also returns the number of distinct messages.
func Classify(messages []string) (Diversity, int) {
	distinct := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		distinct[strings.TrimSpace(m)] = struct{}{}
	}
	n := len(distinct)
	switch {
	case n <= 1:
		return Uniform, n
	case n*2 <= len(messages):
		return Similar, n
	default:
		return Diverse, n
	}
}

// Analyze groups diagnostics by code into work items ordered by severity,
// then count, then code.
func Analyze(diags []Diagnostic, opts Options) []WorkItem {
	overrides := make(map[string]int, len(opts.SeverityOverrides))
	for code, sev := range opts.SeverityOverrides {
		overrides[strings.ToUpper(code)] = sev
	}

	type group struct {
		messages []string
		files    map[string]struct{}
	}
	groups := make(map[string]*group)
	var order []string
	for _, d := range diags {
		g, ok := groups[d.Code]
		if !ok {
			g = &group{files: make(map[string]struct{})}
			groups[d.Code] = g
			order = append(order, d.Code)
		}
		g.messages = append(g.messages, d.Message)
		if d.File != "" {
			g.files[d.File] = struct{}{}
		}
	}

	items := make([]WorkItem, 0, len(groups))
	for _, code := range order {
		g := groups[code]
		diversity, unique := Classify(g.messages)
		item := WorkItem{
			Category:       code,
			Count:          len(g.messages),
			Severity:       Severity(code, overrides),
			Diversity:      diversity,
			UniqueMessages: unique,
			Samples:        samples(g.messages, opts),
		}
		for f := range g.files {
			item.Files = append(item.Files, f)
		}
		sort.Strings(item.Files)
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Severity != items[j].Severity {
			return items[i].Severity > items[j].Severity
		}
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Category < items[j].Category
	})
	return items
}

func samples(messages []string, opts Options) []string {
	if opts.MaxSamples <= 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range messages {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if opts.SampleWidth > 0 && runewidth.StringWidth(m) > opts.SampleWidth {
			m = runewidth.Truncate(m, opts.SampleWidth, "...")
		}
		out = append(out, m)
		if len(out) == opts.MaxSamples {
			break
		}
	}
	return out
}

// AnalyzeFile parses and analyses the backlog at path.
func AnalyzeFile(path string, opts Options) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoBacklog, path)
		}
		return nil, fmt.Errorf("opening backlog: %w", err)
	}
	defer f.Close()

	diags, err := Parse(f)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Report{
		Source:      abs,
		Revision:    Revision(filepath.Dir(abs)),
		GeneratedAt: time.Now().UTC(),
		TotalErrors: len(diags),
		Items:       Analyze(diags, opts),
	}, nil
}

// Item returns the work item for category, if present.
func (r *Report) Item(category string) (WorkItem, bool) {
	for _, it := range r.Items {
		if it.Category == category {
			return it, true
		}
	}
	return WorkItem{}, false
}
