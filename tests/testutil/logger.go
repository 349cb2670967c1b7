package testutil

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/cfgvault/internal/logging"
)

// LogBuffer captures logger output for assertions. It is safe for
// concurrent writers.
//
// Example usage:
//
//	logger, logs := NewTestLogger(t)
//	svc := values.NewService(db, cipher, reg, rec, values.WithLogger(logger))
//	...
//	logs.AssertNotContains(t, "hunter2")
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Lines returns the non-empty log lines.
func (b *LogBuffer) Lines() []string {
	var lines []string
	for _, l := range strings.Split(b.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Reset discards the captured output.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// AssertContains asserts that the log output contains substr.
func (b *LogBuffer) AssertContains(t *testing.T, substr string) {
	t.Helper()
	assert.Contains(t, b.String(), substr, "expected log output to contain %q", substr)
}

// AssertNotContains asserts that the log output does not contain substr.
func (b *LogBuffer) AssertNotContains(t *testing.T, substr string) {
	t.Helper()
	assert.NotContains(t, b.String(), substr, "log output unexpectedly contains %q", substr)
}

// NewTestLogger returns an uncolored debug logger writing into a LogBuffer.
func NewTestLogger(t *testing.T) (*logging.Logger, *LogBuffer) {
	t.Helper()
	buf := &LogBuffer{}
	l := logging.New(true, true)
	l.SetOutput(buf)
	return l, buf
}
