package analysis

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one compiler error taken from a backlog.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

var (
	// MSBuild / csc: path/File.cs(12,5): error CS0246: message [project.csproj]
	msbuildPattern = regexp.MustCompile(`^\s*(.+?)\((\d+)(?:,(\d+))?(?:,\d+,\d+)?\)\s*:\s*error\s+([A-Za-z]+\d+)\s*:\s*(.*?)\s*(?:\[[^\]]*\])?\s*$`)
	// gcc/go style: path/file:12:5: error CODE: message
	colonPattern = regexp.MustCompile(`^\s*(.+?):(\d+)(?::(\d+))?:\s*error\s+([A-Za-z]+\d+)\s*:\s*(.*?)\s*$`)
	// Anything else carrying "error CODE: message".
	barePattern = regexp.MustCompile(`(?:^|\s)error\s+([A-Za-z]+\d+)\s*:\s*(.*?)\s*(?:\[[^\]]*\])?\s*$`)
)

// ParseLine extracts a diagnostic from a single backlog line. Warnings and
// unrelated output are ignored.
func ParseLine(line string) (Diagnostic, bool) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Diagnostic{}, false
	}

	if strings.HasPrefix(trimmed, "{") {
		var d Diagnostic
		if err := json.Unmarshal([]byte(trimmed), &d); err == nil && d.Code != "" {
			d.Code = strings.ToUpper(d.Code)
			return d, true
		}
		return Diagnostic{}, false
	}

	for _, re := range []*regexp.Regexp{msbuildPattern, colonPattern} {
		if m := re.FindStringSubmatch(line); m != nil {
			d := Diagnostic{
				File:    strings.TrimSpace(m[1]),
				Code:    strings.ToUpper(m[4]),
				Message: m[5],
			}
			d.Line, _ = strconv.Atoi(m[2])
			if m[3] != "" {
				d.Column, _ = strconv.Atoi(m[3])
			}
			return d, true
		}
	}

	if m := barePattern.FindStringSubmatch(line); m != nil {
		return Diagnostic{Code: strings.ToUpper(m[1]), Message: m[2]}, true
	}
	return Diagnostic{}, false
}

// Parse reads every diagnostic from r. Exact repeats of a located
// diagnostic are dropped, since MSBuild prints each error again in its
// closing summary.
func Parse(r io.Reader) ([]Diagnostic, error) {
	type key struct {
		code, file   string
		line, column int
	}
	seen := make(map[key]bool)

	var out []Diagnostic
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if d.File != "" {
			k := key{d.Code, d.File, d.Line, d.Column}
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading backlog: %w", err)
	}
	return out, nil
}
