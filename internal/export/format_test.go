package export_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/export"
	"github.com/systmms/cfgvault/internal/model"
)

func sampleItems() []export.Item {
	return []export.Item{
		{Key: "port", Value: "8080", Kind: model.KindNumber},
		{Key: "debug", Value: "true", Kind: model.KindBoolean},
		{Key: "limits", Value: `{"cpu":"500m","replicas":[1,2]}`, Kind: model.KindJSON},
		{Key: "greeting", Value: "hello world", Kind: model.KindString},
		{Key: "api_key", Value: "sk-123", Kind: model.KindSecret, Secret: true},
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := export.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, export.FormatDotenv, f)

	for _, f := range export.Formats() {
		got, err := export.ParseFormat(string(f))
		require.NoError(t, err)
		assert.NotEmpty(t, got.ContentType())
	}
	assert.Equal(t, "application/json", export.FormatJSON.ContentType())
	assert.Equal(t, "text/plain", export.FormatTerraform.ContentType())
	assert.Equal(t, "application/x-yaml", export.FormatK8sSecret.ContentType())

	_, err = export.ParseFormat("toml")
	var userErr cverrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Suggestion, "terraform")
}

func TestRenderDotenv(t *testing.T) {
	t.Parallel()

	out, err := export.Render(sampleItems(), export.FormatDotenv, export.Options{})
	require.NoError(t, err)
	assert.Equal(t, "debug=true\n"+
		"greeting=\"hello world\"\n"+
		`limits="{\"cpu\":\"500m\",\"replicas\":[1,2]}"`+"\n"+
		"port=8080\n", string(out))

	out, err = export.Render(sampleItems(), export.FormatDotenv, export.Options{
		IncludeSecrets: true, KeyTransform: export.TransformUpper, KeyPrefix: "APP_",
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), "APP_API_KEY=sk-123\n")
	assert.Contains(t, string(out), "APP_PORT=8080\n")
}

func TestRenderRejectsBadOptions(t *testing.T) {
	t.Parallel()

	var userErr cverrors.UserError
	_, err := export.Render(sampleItems(), export.FormatDotenv, export.Options{KeyTransform: "camel"})
	assert.ErrorAs(t, err, &userErr)

	_, err = export.Render([]export.Item{{Key: "a"}, {Key: "A"}}, export.FormatJSON, export.Options{KeyTransform: export.TransformUpper})
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "both export as A")

	_, err = export.Render(nil, export.Format("xml"), export.Options{})
	assert.Error(t, err)
}

func TestDotenvQuotingRoundTrips(t *testing.T) {
	t.Parallel()

	values := map[string]string{
		"PLAIN":     "postgres://localhost/db?sslmode=disable",
		"SPACES":    "hello world",
		"HASH":      "abc#def",
		"DQUOTE":    `say "hi"`,
		"SQUOTE":    "it's",
		"NEWLINE":   "line1\nline2",
		"BACKSLASH": `C:\path\to`,
		"DOLLAR":    "$HOME and ${PATH}",
		"LEADING":   "  padded  ",
		"EMPTY":     "",
	}
	var items []export.Item
	for k, v := range values {
		items = append(items, export.Item{Key: k, Value: v, Kind: model.KindString})
	}

	out, err := export.Render(items, export.FormatDotenv, export.Options{})
	require.NoError(t, err)

	pairs, errs := export.ParseDotenv(string(out))
	require.Empty(t, errs)
	got := map[string]string{}
	for _, p := range pairs {
		got[p.Key] = p.Value
	}
	assert.Equal(t, values, got)
}

func TestParseDotenv(t *testing.T) {
	t.Parallel()

	content := `# leading comment

export TOKEN=abc123
NAME = value with spaces # trailing comment
SINGLE='literal \n $HOME'
DOUBLE="tab\there"
MULTI="first
second"
BROKEN
=novalue
UNTERMINATED='oops
`
	pairs, errs := export.ParseDotenv(content)

	got := map[string]string{}
	for _, p := range pairs {
		got[p.Key] = p.Value
	}
	assert.Equal(t, map[string]string{
		"TOKEN":  "abc123",
		"NAME":   "value with spaces",
		"SINGLE": `literal \n $HOME`,
		"DOUBLE": "tab\there",
		"MULTI":  "first\nsecond",
	}, got)

	require.Len(t, errs, 3)
	assert.Equal(t, 9, errs[0].Line)
	assert.Contains(t, errs[0].Error(), "missing '='")
	assert.Equal(t, 10, errs[1].Line)
	assert.Equal(t, 11, errs[2].Line)
	assert.Contains(t, errs[2].Err.Error(), "unterminated")
}

func TestRenderJSONKeepsTypes(t *testing.T) {
	t.Parallel()

	out, err := export.Render(sampleItems(), export.FormatJSON, export.Options{})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, float64(8080), doc["port"])
	assert.Equal(t, true, doc["debug"])
	assert.Equal(t, "hello world", doc["greeting"])
	assert.Equal(t, map[string]interface{}{"cpu": "500m", "replicas": []interface{}{float64(1), float64(2)}}, doc["limits"])
	assert.NotContains(t, doc, "api_key")
}

func TestRenderYAML(t *testing.T) {
	t.Parallel()

	out, err := export.Render(sampleItems(), export.FormatYAML, export.Options{IncludeSecrets: true})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, 8080, doc["port"])
	assert.Equal(t, true, doc["debug"])
	assert.Equal(t, "sk-123", doc["api_key"])
	limits, ok := doc["limits"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "500m", limits["cpu"])
}

func TestRenderKubernetesManifests(t *testing.T) {
	t.Parallel()

	opts := export.Options{IncludeSecrets: true, Name: "Billing API"}
	out, err := export.Render(sampleItems(), export.FormatK8sConfigMap, opts)
	require.NoError(t, err)

	var cm struct {
		APIVersion string `yaml:"apiVersion"`
		Kind       string `yaml:"kind"`
		Metadata   struct {
			Name        string            `yaml:"name"`
			Annotations map[string]string `yaml:"annotations"`
		} `yaml:"metadata"`
		Data map[string]string `yaml:"data"`
	}
	require.NoError(t, yaml.Unmarshal(out, &cm))
	assert.Equal(t, "v1", cm.APIVersion)
	assert.Equal(t, "ConfigMap", cm.Kind)
	assert.Equal(t, "billing-api", cm.Metadata.Name)
	assert.Len(t, cm.Metadata.Annotations["cfgvault.io/checksum"], 64)
	assert.Equal(t, "8080", cm.Data["port"])
	assert.Equal(t, "true", cm.Data["debug"])

	out, err = export.Render(sampleItems(), export.FormatK8sSecret, opts)
	require.NoError(t, err)
	var secret struct {
		Kind string            `yaml:"kind"`
		Type string            `yaml:"type"`
		Data map[string]string `yaml:"data"`
	}
	require.NoError(t, yaml.Unmarshal(out, &secret))
	assert.Equal(t, "Secret", secret.Kind)
	assert.Equal(t, "Opaque", secret.Type)
	decoded, err := base64.StdEncoding.DecodeString(secret.Data["api_key"])
	require.NoError(t, err)
	assert.Equal(t, "sk-123", string(decoded))
}

func TestRenderTerraform(t *testing.T) {
	t.Parallel()

	items := []export.Item{
		{Key: "port", Value: "8080", Kind: model.KindNumber},
		{Key: "db.password", Value: `p"w${x}`, Kind: model.KindSecret, Secret: true},
		{Key: "enabled", Value: "false", Kind: model.KindBoolean},
	}
	out, err := export.Render(items, export.FormatTerraform, export.Options{IncludeSecrets: true})
	require.NoError(t, err)

	assert.Equal(t, `variable "db_password" {
  type      = string
  default   = "p\"w$${x}"
  sensitive = true
}

variable "enabled" {
  type      = bool
  default   = false
}

variable "port" {
  type      = number
  default   = 8080
}
`, string(out))
}

func TestRenderTerraformQuotesMalformedNumbers(t *testing.T) {
	t.Parallel()

	items := []export.Item{
		{Key: "ratio", Value: "NaN", Kind: model.KindNumber},
		{Key: "mask", Value: "0x1p-2", Kind: model.KindNumber},
	}
	out, err := export.Render(items, export.FormatTerraform, export.Options{})
	require.NoError(t, err)

	assert.Contains(t, string(out), `default   = "NaN"`)
	assert.Contains(t, string(out), `default   = "0x1p-2"`)
	assert.NotContains(t, string(out), "type      = number")
}
