package validation_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/cfgvault/internal/validation"
)

func TestBuiltinCustomChecks(t *testing.T) {
	t.Parallel()

	r := validation.NewCustomRegistry()
	assert.Equal(t, []string{"hostname", "nonempty", "port", "url"}, r.Names())

	tests := []struct {
		check string
		raw   string
		ok    bool
	}{
		{"url", "https://example.com/path", true},
		{"url", "example.com", false},
		{"url", "::bad", false},
		{"hostname", "db.internal", true},
		{"hostname", "10.0.0.1", true},
		{"hostname", "-bad-.example", false},
		{"hostname", "has space", false},
		{"port", "5432", true},
		{"port", "0", false},
		{"port", "65536", false},
		{"port", "http", false},
		{"nonempty", "x", true},
		{"nonempty", "   ", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.check+"/"+tt.raw, func(t *testing.T) {
			t.Parallel()
			fn, ok := r.Get(tt.check)
			assert.True(t, ok)
			err := fn(tt.raw)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCustomRegistryRegister(t *testing.T) {
	t.Parallel()

	r := validation.NewCustomRegistry()
	r.Register("even", func(raw string) error {
		if len(raw)%2 != 0 {
			return errors.New("odd length")
		}
		return nil
	})
	fn, ok := r.Get("even")
	assert.True(t, ok)
	assert.Error(t, fn("abc"))
	_, ok = r.Get("missing")
	assert.False(t, ok)
}
