package mcp

import (
	"fmt"
	"log"

	aflog "github.com/ByteMirror/agentfactory/log"
)

// logger overrides the destination of Log when set.
var logger *log.Logger

// SetLogger sets the logger for the MCP server package. Stdout carries the
// protocol, so nothing here may write to it.
func SetLogger(l *log.Logger) {
	logger = l
}

// Log writes a formatted message to the MCP logger, or to the debug log
// when none is set.
func Log(format string, args ...any) {
	l := logger
	if l == nil {
		l = aflog.DebugLog
	}
	l.Output(2, "mcp: "+fmt.Sprintf(format, args...))
}
