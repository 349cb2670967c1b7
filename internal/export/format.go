// Package export renders resolved configuration into external formats and
// parses the line and flat-document formats back into writes.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
)

// Format names an export serialization.
type Format string

const (
	FormatDotenv       Format = "dotenv"
	FormatJSON         Format = "json"
	FormatYAML         Format = "yaml"
	FormatK8sConfigMap Format = "k8s-configmap"
	FormatK8sSecret    Format = "k8s-secret"
	FormatTerraform    Format = "terraform"
)

const defaultManifestName = "cfgvault-config"

var contentTypes = map[Format]string{
	FormatDotenv:       "text/plain",
	FormatJSON:         "application/json",
	FormatYAML:         "application/x-yaml",
	FormatK8sConfigMap: "application/x-yaml",
	FormatK8sSecret:    "application/x-yaml",
	FormatTerraform:    "text/plain",
}

// Formats returns every supported export format.
func Formats() []Format {
	return []Format{FormatDotenv, FormatJSON, FormatYAML, FormatK8sConfigMap, FormatK8sSecret, FormatTerraform}
}

// ParseFormat accepts a format name. The empty string means dotenv.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatDotenv, nil
	}
	f := Format(strings.ToLower(s))
	if _, ok := contentTypes[f]; !ok {
		names := make([]string, 0, len(contentTypes))
		for _, f := range Formats() {
			names = append(names, string(f))
		}
		return "", cverrors.UserError{
			Message:    fmt.Sprintf("unknown export format %q", s),
			Suggestion: "Use one of: " + strings.Join(names, ", "),
		}
	}
	return f, nil
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	return contentTypes[f]
}

// Key transforms applied before the prefix.
const (
	TransformNone  = "none"
	TransformUpper = "upper"
	TransformLower = "lower"
)

// Options control which keys are emitted and how they are named.
type Options struct {
	IncludeSecrets bool
	KeyPrefix      string
	KeyTransform   string
	// Name is the metadata.name of Kubernetes manifests.
	Name string
}

func (o Options) validate() error {
	switch o.KeyTransform {
	case "", TransformNone, TransformUpper, TransformLower:
		return nil
	}
	return cverrors.UserError{
		Message:    fmt.Sprintf("unknown key transform %q", o.KeyTransform),
		Suggestion: "Use upper, lower or none",
	}
}

func (o Options) keyName(k string) string {
	switch o.KeyTransform {
	case TransformUpper:
		k = strings.ToUpper(k)
	case TransformLower:
		k = strings.ToLower(k)
	}
	return o.KeyPrefix + k
}

// Item is one value to emit.
type Item struct {
	Key    string
	Value  string
	Kind   model.Kind
	Secret bool
}

// Render serializes items in format. Secret items are dropped unless
// opts.IncludeSecrets is set. Output keys are sorted.
func Render(items []Item, format Format, opts Options) ([]byte, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	named := make([]Item, 0, len(items))
	seen := make(map[string]string, len(items))
	for _, it := range items {
		if it.Secret && !opts.IncludeSecrets {
			continue
		}
		name := opts.keyName(it.Key)
		if prev, dup := seen[name]; dup {
			return nil, cverrors.UserError{
				Message: fmt.Sprintf("keys %s and %s both export as %s", prev, it.Key, name),
			}
		}
		seen[name] = it.Key
		it.Key = name
		named = append(named, it)
	}
	sort.Slice(named, func(i, j int) bool { return named[i].Key < named[j].Key })

	switch format {
	case FormatDotenv:
		return renderDotenv(named), nil
	case FormatJSON:
		return renderJSON(named)
	case FormatYAML:
		return renderYAML(named)
	case FormatK8sConfigMap:
		return renderConfigMap(named, opts.Name)
	case FormatK8sSecret:
		return renderSecret(named, opts.Name)
	case FormatTerraform:
		return renderTerraform(named), nil
	}
	return nil, fmt.Errorf("format %s has no renderer", format)
}

// jsonValue returns the document form of it: numbers and booleans keep
// their type and json values are embedded as-is.
func jsonValue(it Item) interface{} {
	switch it.Kind {
	case model.KindNumber:
		raw := strings.TrimSpace(it.Value)
		if json.Valid([]byte(raw)) {
			return json.RawMessage(raw)
		}
	case model.KindBoolean:
		if b, err := strconv.ParseBool(strings.TrimSpace(it.Value)); err == nil {
			return b
		}
	case model.KindJSON:
		if json.Valid([]byte(it.Value)) {
			return json.RawMessage(it.Value)
		}
	}
	return it.Value
}

func renderJSON(items []Item) ([]byte, error) {
	doc := make(map[string]interface{}, len(items))
	for _, it := range items {
		doc[it.Key] = jsonValue(it)
	}
	return marshalJSON(doc)
}

func renderYAML(items []Item) ([]byte, error) {
	doc := make(map[string]interface{}, len(items))
	for _, it := range items {
		v, err := model.TypedValue{Kind: it.Kind, Raw: it.Value}.Native()
		if err != nil {
			v = it.Value
		}
		doc[it.Key] = v
	}
	return marshalYAML(doc)
}

func marshalYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type manifestMeta struct {
	Name        string            `yaml:"name"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

type configMap struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   manifestMeta      `yaml:"metadata"`
	Data       map[string]string `yaml:"data"`
}

type secretManifest struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   manifestMeta      `yaml:"metadata"`
	Type       string            `yaml:"type"`
	Data       map[string]string `yaml:"data"`
}

var dnsLabelInvalid = regexp.MustCompile(`[^a-z0-9.-]+`)

// manifestName converts name to a DNS-1123 subdomain.
func manifestName(name string) string {
	n := dnsLabelInvalid.ReplaceAllString(strings.ToLower(name), "-")
	n = strings.Trim(n, "-.")
	if len(n) > 253 {
		n = strings.Trim(n[:253], "-.")
	}
	if n == "" {
		return defaultManifestName
	}
	return n
}

func manifestMetadata(name string, data map[string]string) manifestMeta {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + data[k] + "\n")
	}
	return manifestMeta{
		Name:        manifestName(name),
		Labels:      map[string]string{"app.kubernetes.io/managed-by": "cfgvault"},
		Annotations: map[string]string{"cfgvault.io/checksum": sha256Hash(b.String())},
	}
}

func renderConfigMap(items []Item, name string) ([]byte, error) {
	data := make(map[string]string, len(items))
	for _, it := range items {
		data[it.Key] = it.Value
	}
	return marshalYAML(configMap{
		APIVersion: "v1",
		Kind:       "ConfigMap",
		Metadata:   manifestMetadata(name, data),
		Data:       data,
	})
}

func renderSecret(items []Item, name string) ([]byte, error) {
	plain := make(map[string]string, len(items))
	data := make(map[string]string, len(items))
	for _, it := range items {
		plain[it.Key] = it.Value
		data[it.Key] = base64Encode(it.Value)
	}
	return marshalYAML(secretManifest{
		APIVersion: "v1",
		Kind:       "Secret",
		Metadata:   manifestMetadata(name, plain),
		Type:       "Opaque",
		Data:       data,
	})
}

var hclIdentInvalid = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// renderTerraform emits one variable block per key.
func renderTerraform(items []Item) []byte {
	var out strings.Builder
	for i, it := range items {
		if i > 0 {
			out.WriteString("\n")
		}
		name := hclIdentInvalid.ReplaceAllString(it.Key, "_")
		if name == "" || (name[0] >= '0' && name[0] <= '9') {
			name = "_" + name
		}

		var body strings.Builder
		fmt.Fprintf(&body, "type      = %s\n", terraformType(it))
		fmt.Fprintf(&body, "default   = %s\n", terraformLiteral(it))
		if it.Secret {
			body.WriteString("sensitive = true\n")
		}
		fmt.Fprintf(&out, "variable %q {\n%s}\n", name, indent(body.String(), "  "))
	}
	return []byte(out.String())
}

func terraformType(it Item) string {
	switch it.Kind {
	case model.KindNumber:
		if _, err := model.ParseTyped(model.KindNumber, it.Value); err == nil {
			return "number"
		}
	case model.KindBoolean:
		if _, err := strconv.ParseBool(strings.TrimSpace(it.Value)); err == nil {
			return "bool"
		}
	}
	return "string"
}

func terraformLiteral(it Item) string {
	switch terraformType(it) {
	case "number":
		f, _ := strconv.ParseFloat(strings.TrimSpace(it.Value), 64)
		return strconv.FormatFloat(f, 'f', -1, 64)
	case "bool":
		b, _ := strconv.ParseBool(strings.TrimSpace(it.Value))
		return strconv.FormatBool(b)
	}
	return hclString(it.Value)
}

var hclEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"${", "$${",
	"%{", "%%{",
)

func hclString(s string) string {
	return `"` + hclEscaper.Replace(s) + `"`
}
