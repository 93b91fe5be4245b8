package config

import (
	"fmt"
	"strings"
)

// PermissionError represents a permission-related config error
type PermissionError struct {
	Path    string
	Op      string // "read" or "write"
	Fix     string // Suggested fix command
	Details string // Additional context
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied (cannot %s config): %s\n", e.Op, e.Path)
	if e.Details != "" {
		msg += e.Details + "\n"
	}
	msg += "💡 Fix: " + e.Fix
	return msg
}

// ConfigNotFoundError represents missing config file
type ConfigNotFoundError struct {
	Path string
	Hint string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found: %s\n\n💡 %s", e.Path, e.Hint)
}

// InvalidConfigError represents malformed config
type InvalidConfigError struct {
	Path    string
	Message string
	Hint    string
}

func (e *InvalidConfigError) Error() string {
	msg := "invalid config"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	msg += "\n"
	if e.Message != "" {
		msg += e.Message + "\n"
	}
	if e.Hint != "" {
		msg += "💡 " + e.Hint
	}
	return msg
}

// FieldError is one rejected field.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError lists every rejected field of a Config.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether field was rejected.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
