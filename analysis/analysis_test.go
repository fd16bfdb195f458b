package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `Microsoft (R) Build Engine version 17.8.3
  Restore complete (0.4s)
/src/Core/Model.cs(12,17): error CS0246: The type or namespace name 'Tensor' could not be found [/src/Core/Core.csproj]
/src/Core/Model.cs(40,9): error CS0246: The type or namespace name 'Layer' could not be found [/src/Core/Core.csproj]
/src/Core/Train.cs(7,1): warning CS0168: The variable 'e' is declared but never used [/src/Core/Core.csproj]
/src/Core/Train.cs(88,13): error CS0103: The name 'loss' does not exist in the current context [/src/Core/Core.csproj]
CSC : error CS2001: Source file 'Gen.cs' could not be found.

Build FAILED.
/src/Core/Model.cs(12,17): error CS0246: The type or namespace name 'Tensor' could not be found [/src/Core/Core.csproj]
    1 Warning(s)
    4 Error(s)
`

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Diagnostic
		ok   bool
	}{
		{
			name: "msbuild",
			line: `C:\repo\A.cs(3,5): error CS0535: 'Foo' does not implement interface member 'IBar.Baz()' [C:\repo\A.csproj]`,
			want: Diagnostic{Code: "CS0535", Message: "'Foo' does not implement interface member 'IBar.Baz()'", File: `C:\repo\A.cs`, Line: 3, Column: 5},
			ok:   true,
		},
		{
			name: "msbuild line only",
			line: `A.cs(10): error CS1002: ; expected`,
			want: Diagnostic{Code: "CS1002", Message: "; expected", File: "A.cs", Line: 10},
			ok:   true,
		},
		{
			name: "colon style",
			line: `pkg/a.c:4:2: error E0042: bad thing`,
			want: Diagnostic{Code: "E0042", Message: "bad thing", File: "pkg/a.c", Line: 4, Column: 2},
			ok:   true,
		},
		{
			name: "bare",
			line: `CSC : error CS2001: Source file 'x.cs' could not be found.`,
			want: Diagnostic{Code: "CS2001", Message: "Source file 'x.cs' could not be found."},
			ok:   true,
		},
		{
			name: "json line",
			line: `{"code":"cs0103","message":"The name 'x' does not exist","file":"B.cs","line":2}`,
			want: Diagnostic{Code: "CS0103", Message: "The name 'x' does not exist", File: "B.cs", Line: 2},
			ok:   true,
		},
		{name: "warning", line: `A.cs(1,1): warning CS0168: unused`},
		{name: "summary", line: `    4 Error(s)`},
		{name: "empty", line: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseLine() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDropsSummaryRepeats(t *testing.T) {
	diags, err := Parse(strings.NewReader(sampleLog))
	require.NoError(t, err)
	require.Len(t, diags, 4)

	codes := make([]string, len(diags))
	for i, d := range diags {
		codes[i] = d.Code
	}
	assert.Equal(t, []string{"CS0246", "CS0246", "CS0103", "CS2001"}, codes)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		messages []string
		want     Diversity
		unique   int
	}{
		{[]string{"a", "a", "a "}, Uniform, 1},
		{nil, Uniform, 0},
		{[]string{"a", "a", "b", "b"}, Similar, 2},
		{[]string{"a", "b", "c"}, Diverse, 3},
		{[]string{"a", "b", "c", "c", "c"}, Diverse, 3},
	}
	for _, tt := range tests {
		got, unique := Classify(tt.messages)
		assert.Equal(t, tt.want, got, "messages %v", tt.messages)
		assert.Equal(t, tt.unique, unique)
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, 3, Severity("CS0246", nil))
	assert.Equal(t, 3, Severity("cs1002", nil))
	assert.Equal(t, 2, Severity("CS0535", nil))
	assert.Equal(t, 2, Severity("CS1061", nil))
	assert.Equal(t, 1, Severity("CS8618", nil))
	assert.Equal(t, 1, Severity("E0042", nil))
	assert.Equal(t, 2, Severity("CS0246", map[string]int{"CS0246": 2}))
}

func TestAnalyze(t *testing.T) {
	diags, err := Parse(strings.NewReader(sampleLog))
	require.NoError(t, err)

	got := Analyze(diags, Options{MaxSamples: 1, SampleWidth: 20, SeverityOverrides: map[string]int{"cs2001": 3}})
	want := []WorkItem{
		{
			Category:       "CS0246",
			Count:          2,
			Severity:       3,
			Diversity:      Diverse,
			UniqueMessages: 2,
			Samples:        []string{"The type or names..."},
			Files:          []string{"/src/Core/Model.cs"},
		},
		{
			Category:       "CS2001",
			Count:          1,
			Severity:       3,
			Diversity:      Uniform,
			UniqueMessages: 1,
			Samples:        []string{"Source file 'Gen...."},
		},
		{
			Category:       "CS0103",
			Count:          1,
			Severity:       2,
			Diversity:      Uniform,
			UniqueMessages: 1,
			Samples:        []string{"The name 'loss' d..."},
			Files:          []string{"/src/Core/Train.cs"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Analyze() mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeFile(t *testing.T) {
	dir := t.TempDir()

	_, err := AnalyzeFile(filepath.Join(dir, "missing.log"), DefaultOptions())
	assert.ErrorIs(t, err, ErrNoBacklog)

	path := filepath.Join(dir, "build.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0644))

	report, err := AnalyzeFile(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, report.TotalErrors)
	assert.Len(t, report.Items, 3)
	assert.Empty(t, report.Revision)

	item, ok := report.Item("CS0103")
	require.True(t, ok)
	assert.Equal(t, 1, item.Count)
	_, ok = report.Item("CS9999")
	assert.False(t, ok)
}

func TestRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.log"), []byte(sampleLog), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("build.log")
	require.NoError(t, err)
	hash, err := wt.Commit("add log", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "logs", "nested")
	require.NoError(t, os.MkdirAll(sub, 0755))
	assert.Equal(t, hash.String()[:12], Revision(sub))
}
