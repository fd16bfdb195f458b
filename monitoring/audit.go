package monitoring

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Audit event types.
const (
	EventRunStart = "run_start"
	EventRunEnd   = "run_end"
	EventSpawn    = "spawn"
	EventExecute  = "execute"
	EventOutcome  = "outcome"
	EventSkip     = "skip"
	EventBreaker  = "breaker"
	EventShutdown = "shutdown"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Time     time.Time `json:"ts"`
	Type     string    `json:"event"`
	RunID    string    `json:"run_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Category string    `json:"category,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"msg,omitempty"`
}

// AuditLog appends audit events as JSON lines. A disabled AuditLog accepts
// and drops events.
type AuditLog struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// OpenAuditLog opens path for appending. When enabled is false no file is
// touched.
func OpenAuditLog(path string, enabled bool) (*AuditLog, error) {
	a := &AuditLog{path: path, logger: zap.NewNop()}
	if !enabled {
		return a, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	})
	a.file = f
	a.logger = zap.New(zapcore.NewCore(enc, zapcore.Lock(f), zapcore.InfoLevel))
	return a, nil
}

// Enabled reports whether events are written.
func (a *AuditLog) Enabled() bool {
	return a.file != nil
}

// Path returns the audit file path.
func (a *AuditLog) Path() string {
	return a.path
}

// Record writes one event.
func (a *AuditLog) Record(ev AuditEvent) {
	if a == nil || !a.Enabled() {
		return
	}
	fields := []zap.Field{zap.String("event", ev.Type)}
	if ev.RunID != "" {
		fields = append(fields, zap.String("run_id", ev.RunID))
	}
	if ev.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", ev.WorkerID))
	}
	if ev.Category != "" {
		fields = append(fields, zap.String("category", ev.Category))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", ev.Status))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info(ev.Message, fields...)
}

// Close flushes and closes the file.
func (a *AuditLog) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.logger.Sync()
	err := a.file.Close()
	a.file = nil
	a.logger = zap.NewNop()
	return err
}

// ReadAudit returns the last limit events in path, oldest first. limit <= 0
// returns every event. A missing file yields no events.
func ReadAudit(path string, limit int) ([]AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	return events, scanner.Err()
}
