package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// CommandError represents a command execution error
type CommandError struct {
	Command    string
	ExitCode   int
	Message    string
	Suggestion string
}

func (e CommandError) Error() string {
	msg := fmt.Sprintf("Command '%s' failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code: %d)", e.ExitCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// NotFoundError reports a missing schema, store, set, value or token.
type NotFoundError struct {
	Kind string // "schema", "store", "set", "value", "token", "export"
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Violation is a single field-level validation failure.
type Violation struct {
	Key      string `json:"key"`
	RuleKind string `json:"rule_kind"`
	Message  string `json:"message"`
}

// ValidationError carries every violation found; it never short-circuits.
type ValidationError struct {
	Violations []Violation
}

func (e ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Key != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Key, v.Message))
		} else {
			msgs = append(msgs, v.Message)
		}
	}
	return fmt.Sprintf("validation failed (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// PermissionError is returned for insufficient token scope or a locked/archived set.
type PermissionError struct {
	Reason string
}

func (e PermissionError) Error() string {
	return "permission denied: " + e.Reason
}

// CycleError is returned when a parent-link change would make the set graph
// cyclic, or would nest sets deeper than a resolvable chain allows.
type CycleError struct {
	SetID    string
	ParentID string
	Path     []string
	// Limit is set when the chain is acyclic but longer than Limit sets.
	Limit int
}

func (e CycleError) Error() string {
	switch {
	case e.Limit > 0 && e.ParentID != "":
		return fmt.Sprintf("setting parent of %s to %s would nest sets deeper than %d levels",
			e.SetID, e.ParentID, e.Limit)
	case e.Limit > 0:
		return fmt.Sprintf("set %s has a parent chain deeper than %d levels", e.SetID, e.Limit)
	case e.ParentID != "" && len(e.Path) > 0:
		return fmt.Sprintf("setting parent of %s to %s would create a cycle: %s",
			e.SetID, e.ParentID, strings.Join(e.Path, " -> "))
	case len(e.Path) > 0:
		return fmt.Sprintf("set %s has a cyclic parent chain: %s", e.SetID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("set %s has a cyclic parent chain", e.SetID)
}

// DecryptionError is fatal. It deliberately carries no ciphertext or key material.
type DecryptionError struct {
	Tenant string
}

func (e DecryptionError) Error() string {
	return "decryption failed"
}

// StoreConnectionError reports an unreachable or timed-out external backend.
// Callers may retry.
type StoreConnectionError struct {
	Store string
	Op    string
	Err   error
}

func (e StoreConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s unavailable during %s: %v", e.Store, e.Op, e.Err)
	}
	return fmt.Sprintf("store %s unavailable during %s", e.Store, e.Op)
}

func (e StoreConnectionError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsPermission reports whether err is (or wraps) a PermissionError.
func IsPermission(err error) bool {
	var pe PermissionError
	return errors.As(err, &pe)
}

// Public converts err into the form that may be returned to a caller.
// Decryption and connection failures become opaque; validation, permission,
// cycle and not-found errors keep their structured detail.
func Public(err error) error {
	if err == nil {
		return nil
	}

	var (
		dec  DecryptionError
		conn StoreConnectionError
		val  ValidationError
		perm PermissionError
		cyc  CycleError
		nf   NotFoundError
	)
	switch {
	case errors.As(err, &val):
		return val
	case errors.As(err, &perm):
		return perm
	case errors.As(err, &cyc):
		return cyc
	case errors.As(err, &nf):
		return nf
	case errors.As(err, &dec):
		return UserError{Message: "internal error"}
	case errors.As(err, &conn):
		return UserError{
			Message:    fmt.Sprintf("store %s is unavailable", conn.Store),
			Suggestion: "Retry the request; the backend may be temporarily unreachable",
		}
	}
	return err
}

// BackendError enhances backend-specific errors with context
func BackendError(backend string, operation string, err error) error {
	suggestion := getBackendSuggestion(backend, err)

	return UserError{
		Message:    fmt.Sprintf("%s backend error during %s", backend, operation),
		Suggestion: suggestion,
		Err:        err,
	}
}

// getBackendSuggestion returns helpful suggestions based on backend and error
func getBackendSuggestion(backend string, err error) string {
	errStr := err.Error()

	switch backend {
	case "aws.secretsmanager", "aws.ssm":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check IAM permissions for the secretsmanager/ssm actions used by cfgvault"
		}
		if strings.Contains(errStr, "ThrottlingException") {
			return "AWS rate limit exceeded. Wait a moment and try again"
		}

	case "gcp.secretmanager":
		if strings.Contains(errStr, "PermissionDenied") {
			return "Grant roles/secretmanager.admin to the service account used by cfgvault"
		}

	case "azure.keyvault":
		if strings.Contains(errStr, "Forbidden") {
			return "Check the Key Vault access policy for get/set/delete/list secret permissions"
		}

	case "vault":
		if strings.Contains(errStr, "permission denied") {
			return "Check the Vault token policy for the configured mount"
		}

	case "keyring":
		if strings.Contains(errStr, "dbus") || strings.Contains(errStr, "secret service") {
			return "Start a Secret Service provider (gnome-keyring, KWallet) or use another backend"
		}
	}

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "The operation timed out. Check your network connection and backends.timeout"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and store configuration"
	}

	return ""
}

// WrapCommandNotFound wraps command not found errors with helpful suggestions
func WrapCommandNotFound(command string, err error) error {
	return CommandError{
		Command:    command,
		Message:    "command not found",
		Suggestion: fmt.Sprintf("Make sure '%s' is installed and in your PATH", command),
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var conn StoreConnectionError
	if errors.As(err, &conn) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
		"unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var (
		userErr UserError
		cfgErr  ConfigError
		cmdErr  CommandError
	)
	if errors.As(err, &userErr) || errors.As(err, &cfgErr) || errors.As(err, &cmdErr) {
		return err
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "no such table") || strings.Contains(errStr, "does not exist") {
		return UserError{
			Message:    "Database schema is missing",
			Suggestion: "Run 'cfgvault init' to create the tables",
			Err:        err,
		}
	}

	return Public(err)
}
