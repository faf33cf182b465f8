package config

import (
	"fmt"
	"strings"
)

// Error types reported in ConfigurationError.ErrorType.
const (
	ErrorTypeParse    = "parse"
	ErrorTypeRequired = "required"
	ErrorTypeInvalid  = "invalid"
)

// ConfigurationError describes one problem with a configuration value.
type ConfigurationError struct {
	Field       string   `json:"field"`       // Dotted YAML path, or the file for parse errors
	ErrorType   string   `json:"errorType"`   // parse, required or invalid
	Message     string   `json:"message"`     // Human-readable error message
	Details     string   `json:"details"`     // Additional details about the error
	Suggestions []string `json:"suggestions"` // Actionable suggestions to fix the error
}

// Error implements the error interface
func (ce *ConfigurationError) Error() string {
	if ce.Field == "" {
		return ce.Message
	}
	return fmt.Sprintf("%s: %s", ce.Field, ce.Message)
}

// DetailedError returns a detailed error message with all context
func (ce *ConfigurationError) DetailedError() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Configuration error in %s", ce.Field))
	parts = append(parts, fmt.Sprintf("  Type: %s", ce.ErrorType))
	parts = append(parts, fmt.Sprintf("  Error: %s", ce.Message))

	if ce.Details != "" {
		parts = append(parts, fmt.Sprintf("  Details: %s", ce.Details))
	}

	if len(ce.Suggestions) > 0 {
		parts = append(parts, "  Suggestions:")
		for _, suggestion := range ce.Suggestions {
			parts = append(parts, fmt.Sprintf("    - %s", suggestion))
		}
	}

	return strings.Join(parts, "\n")
}

// ConfigurationErrors holds every problem found by Validate.
type ConfigurationErrors []*ConfigurationError

// Error implements the error interface for the collection
func (ce ConfigurationErrors) Error() string {
	if len(ce) == 0 {
		return "no configuration errors"
	}

	if len(ce) == 1 {
		return ce[0].Error()
	}

	return fmt.Sprintf("%d configuration errors: %s (and %d more)",
		len(ce), ce[0].Error(), len(ce)-1)
}

// Add appends an error.
func (ce *ConfigurationErrors) Add(field, errorType, message string, suggestions ...string) {
	*ce = append(*ce, &ConfigurationError{
		Field:       field,
		ErrorType:   errorType,
		Message:     message,
		Suggestions: suggestions,
	})
}

// Err returns the collection as an error, or nil when it is empty.
func (ce ConfigurationErrors) Err() error {
	if len(ce) == 0 {
		return nil
	}
	return ce
}

// GetDetailedReport returns a detailed report of all errors
func (ce ConfigurationErrors) GetDetailedReport() string {
	if len(ce) == 0 {
		return "No configuration errors to report"
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("Detailed Configuration Error Report (%d errors):", len(ce)))
	parts = append(parts, strings.Repeat("=", 60))

	for i, err := range ce {
		parts = append(parts, fmt.Sprintf("\nError %d:", i+1))
		parts = append(parts, err.DetailedError())
	}

	return strings.Join(parts, "\n")
}
