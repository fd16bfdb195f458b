package analysis

import (
	"strings"

	"github.com/ByteMirror/agentfactory/config"
)

// defaultSeverity ranks C# compiler errors by how much of the build they
// block. Codes not listed are low severity, except the parser errors
// CS1000-CS1099 which are high.
var defaultSeverity = map[string]int{
	// Missing or duplicate types and namespaces break every dependent file.
	"CS0246": config.SeverityHigh,
	"CS0234": config.SeverityHigh,
	"CS0101": config.SeverityHigh,
	"CS0111": config.SeverityHigh,
	"CS0116": config.SeverityHigh,
	"CS0518": config.SeverityHigh,
	"CS1513": config.SeverityHigh,
	"CS1514": config.SeverityHigh,
	"CS1022": config.SeverityHigh,

	"CS0535": config.SeverityMedium,
	"CS0738": config.SeverityMedium,
	"CS0103": config.SeverityMedium,
	"CS0117": config.SeverityMedium,
	"CS1061": config.SeverityMedium,
	"CS0029": config.SeverityMedium,
	"CS0266": config.SeverityMedium,
	"CS0115": config.SeverityMedium,
	"CS0121": config.SeverityMedium,
	"CS4032": config.SeverityMedium,
	"CS4033": config.SeverityMedium,
}

// Severity returns the severity of code, consulting overrides first.
func Severity(code string, overrides map[string]int) int {
	code = strings.ToUpper(code)
	if sev, ok := overrides[code]; ok {
		return sev
	}
	if sev, ok := defaultSeverity[code]; ok {
		return sev
	}
	if len(code) == 6 && strings.HasPrefix(code, "CS1") && code < "CS1100" {
		return config.SeverityHigh
	}
	return config.SeverityLow
}
