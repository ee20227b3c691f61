package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is a named failure raised by a task body. Kind is matched
// against RetryConfig.RetryOn.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// RetryableError asks the engine to retry regardless of the allow-list.
// A non-zero Delay overrides the configured backoff for the next attempt.
type RetryableError struct {
	Message string
	Delay   time.Duration
}

func (e *RetryableError) Error() string {
	if e.Message == "" {
		return "retryable error"
	}
	return e.Message
}

// ErrorKind reports the name used for allow-list matching: the declared
// kind for *Error, otherwise the concrete Go type name.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return "RetryableError"
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// SuggestedDelay extracts an explicit retry delay if the error carries one.
func SuggestedDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) && re.Delay > 0 {
		return re.Delay, true
	}
	return 0, false
}

// FilterStack drops engine and runtime frames from a captured stack so
// persisted tracebacks point at the task body, not the scheduler.
func FilterStack(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	filtered := make([]string, 0, len(lines))
	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.Contains(line, "streamq-worker/internal/engine") ||
			strings.Contains(line, "runtime/panic") ||
			strings.Contains(line, "runtime/debug") {
			skipNext = true
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.TrimRight(strings.Join(filtered, "\n"), "\n")
}
