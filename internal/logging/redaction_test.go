package logging_test

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/systmms/cfgvault/internal/logging"
)

func newBufferedLogger(debug bool) (*logging.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logging.New(debug, true)
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestSecretRedactionAtInfoLevel(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(false)
	secretValue := "super-secret-password-12345"

	logger.Info("Stored value: %s", logging.Secret(secretValue))

	output := buf.String()
	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, secretValue)
	assert.Contains(t, output, "Stored value")
}

func TestSecretRedactionAtDebugLevel(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(true)
	secretValue := "debug-secret-api-key-67890"

	logger.Debug("Decrypting: %s", logging.Secret(secretValue))

	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.NotContains(t, buf.String(), secretValue)
}

func TestSecretRedactionInFields(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(false)
	logger.With("set", "prod").With("value", logging.Secret("hunter2")).Warn("write rejected")

	output := buf.String()
	assert.Contains(t, output, "set=prod")
	assert.Contains(t, output, "value=[REDACTED]")
	assert.NotContains(t, output, "hunter2")
}

func TestSecretGoString(t *testing.T) {
	t.Parallel()

	s := logging.Secret("password")
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", logging.Secret("").String())
}

func TestWithDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent, buf := newBufferedLogger(false)
	child := parent.With("tenant", "org-1")

	parent.Info("from parent")
	child.Info("from child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "tenant=")
	assert.Contains(t, lines[1], "tenant=org-1")
}

func TestFieldsAreSorted(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(false)
	logger.With("b", 2).With("a", 1).Error("boom")

	assert.Contains(t, buf.String(), "boom a=1 b=2")
	assert.Contains(t, buf.String(), "✗")
}

func TestConcurrentWritesShareLock(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(false)
	child := logger.With("worker", true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) { defer wg.Done(); logger.Info("line %d", n) }(i)
		go func(n int) { defer wg.Done(); child.Info("line %d", n) }(i)
	}
	wg.Wait()

	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 100)
}

func TestRedactFunction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		secrets  []string
		expected string
	}{
		{"single", "password is hunter22", []string{"hunter22"}, "password is [REDACTED]"},
		{"multiple", "user=admin pass=s3cr3t!", []string{"admin", "s3cr3t!"}, "user=[REDACTED] pass=[REDACTED]"},
		{"short secrets ignored", "value is abc", []string{"abc"}, "value is abc"},
		{"empty secret ignored", "value is test", []string{""}, "value is test"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, logging.Redact(tt.input, tt.secrets))
		})
	}
}

func TestColorOutputDisabled(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferedLogger(false)
	logger.Info("Test message")

	assert.NotContains(t, buf.String(), "\033[")
	assert.Contains(t, buf.String(), "✓")
}

func TestColorOutputEnabled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New(false, false)
	logger.SetOutput(&buf)
	logger.Warn("careful")

	assert.Contains(t, buf.String(), "\033[33m")
}

func TestDebugMode(t *testing.T) {
	t.Parallel()

	off, offBuf := newBufferedLogger(false)
	off.Debug("hidden")
	assert.Empty(t, offBuf.String())
	assert.False(t, off.DebugEnabled())

	on, onBuf := newBufferedLogger(true)
	on.Debug("shown")
	assert.Contains(t, onBuf.String(), "[DEBUG] shown")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		logging.Nop().With("k", "v").Error("nothing")
	})
}
