// Package logger provides leveled logging for minidb.
//
// The logger supports multiple log levels (TRACE, DEBUG, INFO, WARN, ERROR)
// and automatically includes contextual information such as file, function,
// and line numbers. Level checking uses atomic operations so disabled levels
// cost almost nothing on the hot path.
//
// Log output format:
//   YYYY/MM/DD HH:MM:SS.ssssss [PID] [LEVEL] function.file:line: Message
//
// The logger is safe for concurrent use.
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity level of log messages. Higher numeric
// values indicate more severe messages; when a level is set, only messages
// at that level or above are emitted.
type LogLevel int32

const (
	TRACE LogLevel = iota // Most verbose: subsystem-level debugging
	DEBUG                 // Detailed: diagnostic information for troubleshooting
	INFO                  // General: normal operation events and status
	WARN                  // Warning: potential issues that don't stop operation
	ERROR                 // Critical: error conditions requiring attention
)

var (
	// currentLevel holds the current minimum log level using atomic
	// operations, allowing lock-free level checking from multiple goroutines.
	currentLevel atomic.Int32

	levelNames = map[LogLevel]string{
		TRACE: "TRACE",
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	// traceSubsystems tracks which debugging subsystems are enabled.
	// Subsystems allow fine-grained trace output without overwhelming the
	// log; the engine uses "storage", "queue" and "cache".
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	processID = os.Getpid()

	// Underlying standard library logger with no prefix; all formatting is
	// done here so every level shares one layout.
	logger *log.Logger
)

func init() {
	logger = log.New(os.Stdout, "", 0)
	currentLevel.Store(int32(INFO))
}

// SetLogLevel sets the minimum log level from its string name.
func SetLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

// GetLogLevel returns the current log level name.
func GetLogLevel() string {
	return levelNames[LogLevel(currentLevel.Load())]
}

// EnableTrace enables trace logging for specific subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, subsystem := range subsystems {
		traceSubsystems[subsystem] = true
	}
}

// DisableTrace disables trace logging for specific subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, subsystem := range subsystems {
		delete(traceSubsystems, subsystem)
	}
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

// formatMessage formats a log message according to our standard.
func formatMessage(level LogLevel, skip int, format string, args ...interface{}) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	file = strings.TrimSuffix(file, ".go")

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		fullName := fn.Name()
		if idx := strings.LastIndex(fullName, "."); idx != -1 {
			funcName = fullName[idx+1:]
		}
	}

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006/01/02 15:04:05.000000")
	return fmt.Sprintf("%s [%d] [%s] %s.%s:%d: %s",
		timestamp, processID, levelNames[level], funcName, file, line, msg)
}

func logMessage(level LogLevel, skip int, format string, args ...interface{}) {
	if level < LogLevel(currentLevel.Load()) {
		return
	}
	logger.Println(formatMessage(level, skip, format, args...))
}

// TraceIf logs a trace message only if the subsystem is enabled.
func TraceIf(subsystem string, format string, args ...interface{}) {
	if LogLevel(currentLevel.Load()) > TRACE || !isTraceEnabled(subsystem) {
		return
	}
	logMessage(TRACE, 3, "[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

// Trace logs a trace-level message.
func Trace(format string, args ...interface{}) {
	logMessage(TRACE, 3, format, args...)
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	logMessage(DEBUG, 3, format, args...)
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	logMessage(INFO, 3, format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	logMessage(WARN, 3, format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	logMessage(ERROR, 3, format, args...)
}

// Configure sets up logging from environment variables.
func Configure() {
	if level := os.Getenv("MINIDB_LOG_LEVEL"); level != "" {
		SetLogLevel(level)
	}
	if trace := os.Getenv("MINIDB_TRACE_SUBSYSTEMS"); trace != "" {
		subsystems := strings.Split(trace, ",")
		for i, s := range subsystems {
			subsystems[i] = strings.TrimSpace(s)
		}
		EnableTrace(subsystems...)
	}
}
