// Package logging provides leveled console logging for escrowkit components.
// The ledger is the durable record of what happened; these lines are for
// operators watching commands and escrow movements in real time.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes `LEVEL TIMESTAMP [component] message key=value ...` lines.
// It is safe for concurrent use; derived loggers share the parent's writer lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger that tags every line with trace_id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Workflow helpers ---

// CommandStart logs receipt of a workflow command.
func (l *Logger) CommandStart(command, taskID, actorID string) {
	l.Debug("command_start", map[string]interface{}{
		"command": command,
		"task":    taskID,
		"actor":   actorID,
	})
}

// CommandRejected logs a command that failed validation or infrastructure.
func (l *Logger) CommandRejected(command, taskID, actorID, code string, err error) {
	l.Warn("command_rejected", map[string]interface{}{
		"command": command,
		"task":    taskID,
		"actor":   actorID,
		"code":    code,
		"error":   err.Error(),
	})
}

// TransitionApplied logs a committed task status change.
func (l *Logger) TransitionApplied(command, taskID, from, to string, duration time.Duration) {
	l.Info("transition_applied", map[string]interface{}{
		"command":  command,
		"task":     taskID,
		"from":     from,
		"to":       to,
		"duration": duration.String(),
	})
}

// EscrowHeld logs creation of a payment hold.
func (l *Logger) EscrowHeld(taskID, escrowID, amount string, releaseAt time.Time) {
	l.Info("escrow_held", map[string]interface{}{
		"task":       taskID,
		"escrow":     escrowID,
		"amount":     amount,
		"release_at": releaseAt.UTC().Format(time.RFC3339),
	})
}

// EscrowReleased logs funds leaving escrow.
func (l *Logger) EscrowReleased(taskID, escrowID, amount, txnID string) {
	l.Info("escrow_released", map[string]interface{}{
		"task":   taskID,
		"escrow": escrowID,
		"amount": amount,
		"txn":    txnID,
	})
}

// EscrowFrozen logs an escrow moving to disputed.
func (l *Logger) EscrowFrozen(taskID, escrowID, raisedBy string) {
	l.Warn("escrow_frozen", map[string]interface{}{
		"task":      taskID,
		"escrow":    escrowID,
		"raised_by": raisedBy,
	})
}

// GatewayCall logs an outbound payment gateway call.
func (l *Logger) GatewayCall(escrowID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"escrow":   escrowID,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("gateway_error", fields)
		return
	}
	l.Debug("gateway_ok", fields)
}

// ReconciliationRequired flags money that moved at the gateway while the
// ledger refused to record it.
func (l *Logger) ReconciliationRequired(taskID, escrowID, txnID, reason string) {
	l.Error("reconciliation_required", map[string]interface{}{
		"task":   taskID,
		"escrow": escrowID,
		"txn":    txnID,
		"reason": reason,
	})
}

// ReleaseDue logs a held escrow whose release date has passed.
func (l *Logger) ReleaseDue(taskID, escrowID string, overdue time.Duration) {
	l.Info("release_due", map[string]interface{}{
		"task":    taskID,
		"escrow":  escrowID,
		"overdue": overdue.Round(time.Second).String(),
	})
}
