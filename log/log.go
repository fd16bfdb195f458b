package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("AGENTFACTORY_DEBUG") == "true" || os.Getenv("AGENTFACTORY_DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "agentfactory.log")

var (
	globalLogFile *os.File
	zapLogger     *zap.Logger
)

func init() {
	// Loggers are usable before Initialize, e.g. from package tests.
	setDiscard()
}

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. Entries are written as JSON lines to
// agentfactory.log in the os temp directory; if that file cannot be opened the
// loggers fall back to stderr.
func Initialize(daemon bool) {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		build(zapcore.Lock(os.Stderr), zapcore.NewConsoleEncoder(encoderConfig()), daemon)
		return
	}

	globalLogFile = f
	build(zapcore.AddSync(f), zapcore.NewJSONEncoder(encoderConfig()), daemon)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func build(ws zapcore.WriteSyncer, enc zapcore.Encoder, daemon bool) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debugEnabled {
		level.SetLevel(zapcore.DebugLevel)
	}

	zapLogger = zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller())
	if daemon {
		zapLogger = zapLogger.With(zap.Bool("daemon", true))
	}

	InfoLog = stdLogAt(zapcore.InfoLevel)
	WarningLog = stdLogAt(zapcore.WarnLevel)
	ErrorLog = stdLogAt(zapcore.ErrorLevel)
	if debugEnabled {
		DebugLog = stdLogAt(zapcore.DebugLevel)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

func stdLogAt(level zapcore.Level) *log.Logger {
	l, err := zap.NewStdLogAt(zapLogger, level)
	if err != nil {
		return log.New(os.Stderr, level.CapitalString()+": ", log.LstdFlags)
	}
	return l
}

func setDiscard() {
	zapLogger = zap.NewNop()
	discard := log.New(io.Discard, "", 0)
	InfoLog, WarningLog, ErrorLog, DebugLog = discard, discard, discard, discard
}

// Zap returns the structured logger behind the std loggers.
func Zap() *zap.Logger {
	return zapLogger
}

func Close() {
	if zapLogger != nil {
		_ = zapLogger.Sync()
	}
	if globalLogFile != nil {
		_ = globalLogFile.Close()
		globalLogFile = nil
		fmt.Fprintln(os.Stderr, "wrote logs to "+logFileName)
	}
	setDiscard()
}

// Every is used to log at most once every timeout duration.
type Every struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}
