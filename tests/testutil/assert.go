package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/resolve"
)

// AssertNoSecretLeak verifies that none of the secret values appear in
// output (log lines, error messages, rendered tables).
func AssertNoSecretLeak(t *testing.T, output string, secrets ...string) {
	t.Helper()

	for _, secret := range secrets {
		assert.NotContains(t, output, secret,
			"Secret %q should not appear in output", secret)
	}
}

// AssertMasked verifies that secret is absent from output and that the mask
// is shown in its place.
func AssertMasked(t *testing.T, output, secret string) {
	t.Helper()

	AssertNoSecretLeak(t, output, secret)
	assert.Contains(t, output, resolve.Mask, "expected the secret mask in output")
}

// AssertFileContents verifies that a file exists with exactly expected.
func AssertFileContents(t *testing.T, path string, expected string) {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file %s", path)
	assert.Equal(t, expected, string(content), "file %s has unexpected contents", path)
}

// AssertFileMode verifies the permission bits of path. Rendered
// configuration must not be readable by other users.
func AssertFileMode(t *testing.T, path string, mode os.FileMode) {
	t.Helper()

	info, err := os.Stat(path)
	require.NoError(t, err, "failed to stat %s", path)
	assert.Equal(t, mode, info.Mode().Perm(), "file %s has mode %v", path, info.Mode().Perm())
}
