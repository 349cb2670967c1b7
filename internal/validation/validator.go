// Package validation checks resolved configuration against a schema and its
// attached validators. Evaluation never short-circuits: every key and every
// rule is checked and all violations are reported together.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/model"
)

// Rule kinds reported for built-in per-key checks, alongside model.RuleKind.
const (
	CheckRequired   = "required"
	CheckType       = "type"
	CheckLength     = "length"
	CheckJSONSchema = "json_schema"
	CheckDeprecated = "deprecated"
	CheckUndeclared = "undeclared"
)

// Value is one resolved key handed to the validator.
type Value struct {
	Raw    string
	Kind   model.Kind
	Secret bool
}

// Report is the outcome of a validation run. Warnings never affect OK.
type Report struct {
	OK         bool                 `json:"ok"`
	Violations []cverrors.Violation `json:"violations,omitempty"`
	Warnings   []cverrors.Violation `json:"warnings,omitempty"`
}

// Err returns a ValidationError when the report failed.
func (r Report) Err() error {
	if r.OK {
		return nil
	}
	return cverrors.ValidationError{Violations: r.Violations}
}

// Validator evaluates reports. It is safe for concurrent use.
type Validator struct {
	custom *CustomRegistry
	logger *logging.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithCustomRegistry replaces the built-in custom checks.
func WithCustomRegistry(r *CustomRegistry) Option {
	return func(v *Validator) { v.custom = r }
}

// WithLogger sets the logger used for rule configuration problems.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator with the built-in custom checks.
func New(opts ...Option) *Validator {
	v := &Validator{custom: NewCustomRegistry(), logger: logging.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Custom returns the registry of named custom checks.
func (v *Validator) Custom() *CustomRegistry {
	return v.custom
}

type collector struct {
	violations []cverrors.Violation
	warnings   []cverrors.Violation
}

func (c *collector) fail(key, kind, format string, args ...interface{}) {
	c.violations = append(c.violations, cverrors.Violation{Key: key, RuleKind: kind, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) warn(key, kind, format string, args ...interface{}) {
	c.warnings = append(c.warnings, cverrors.Violation{Key: key, RuleKind: kind, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) failedKey(key string) []string {
	var kinds []string
	for _, v := range c.violations {
		if v.Key == key {
			kinds = append(kinds, v.RuleKind)
		}
	}
	return kinds
}

// Validate checks values against schema and rules. A nil schema only runs
// the rules. Rules are evaluated in ascending priority after the per-key
// checks.
func (v *Validator) Validate(values map[string]Value, schema *model.Schema, rules []model.Validator) Report {
	c := &collector{}

	if schema != nil {
		for _, def := range schema.Keys {
			val, ok := values[def.Name]
			v.checkKey(c, def, val, ok)
		}
		for _, key := range sortedKeys(values) {
			if _, declared := schema.Key(key); !declared {
				c.warn(key, CheckUndeclared, "key is not declared in schema %s v%d", schema.Name, schema.Version)
			}
		}
	}

	ordered := append([]model.Validator(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	for _, rule := range ordered {
		v.checkRule(c, rule, values)
	}

	return Report{OK: len(c.violations) == 0, Violations: c.violations, Warnings: c.warnings}
}

func (v *Validator) checkKey(c *collector, def model.KeyDef, val Value, present bool) {
	if !present {
		if def.Required && def.Default == nil {
			c.fail(def.Name, CheckRequired, "required key is missing")
		}
		return
	}

	if def.Deprecated {
		c.warn(def.Name, CheckDeprecated, "key is deprecated")
	}

	typed, err := model.ParseTyped(def.Kind, val.Raw)
	if err != nil {
		c.fail(def.Name, CheckType, "expected %s: %s", def.Kind, describe(val, err))
		return
	}

	if def.Pattern != "" {
		checkPattern(c, def.Name, def.Pattern, val, string(model.RulePattern), "")
	}
	if len(def.Enum) > 0 {
		checkEnum(c, def.Name, def.Enum, val, "")
	}
	if def.Min != nil || def.Max != nil {
		checkRange(c, def.Name, def.Min, def.Max, val, "")
	}
	if def.MinLength != nil || def.MaxLength != nil {
		n := utf8.RuneCountInString(val.Raw)
		if def.MinLength != nil && n < *def.MinLength {
			c.fail(def.Name, CheckLength, "length %d is shorter than %d", n, *def.MinLength)
		}
		if def.MaxLength != nil && n > *def.MaxLength {
			c.fail(def.Name, CheckLength, "length %d is longer than %d", n, *def.MaxLength)
		}
	}
	if def.Kind == model.KindJSON && len(def.JSONSchema) > 0 {
		checkJSONSchema(c, def.Name, def.JSONSchema, typed.Raw)
	}
}

func checkPattern(c *collector, key, pattern string, val Value, kind, message string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.fail(key, kind, "invalid pattern %q: %v", pattern, err)
		return
	}
	if !re.MatchString(val.Raw) {
		c.fail(key, kind, "%s", orDefault(message, fmt.Sprintf("value %s does not match %s", display(val), pattern)))
	}
}

func checkEnum(c *collector, key string, allowed []string, val Value, message string) {
	for _, a := range allowed {
		if val.Raw == a {
			return
		}
	}
	c.fail(key, string(model.RuleEnum), "%s", orDefault(message,
		fmt.Sprintf("value %s is not one of [%s]", display(val), strings.Join(allowed, ", "))))
}

func checkRange(c *collector, key string, min, max *float64, val Value, message string) {
	n, err := model.TypedValue{Kind: model.KindNumber, Raw: val.Raw}.Native()
	if err != nil {
		c.fail(key, string(model.RuleRange), "range applies to numbers: %s", describe(val, err))
		return
	}
	f := n.(float64)
	if (min != nil && f < *min) || (max != nil && f > *max) {
		c.fail(key, string(model.RuleRange), "%s", orDefault(message,
			fmt.Sprintf("value %s is outside [%s, %s]", display(val), bound(min, "-inf"), bound(max, "+inf"))))
	}
}

func checkJSONSchema(c *collector, key string, schema map[string]interface{}, raw string) {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewStringLoader(raw))
	if err != nil {
		c.fail(key, CheckJSONSchema, "json schema error: %v", err)
		return
	}
	for _, desc := range result.Errors() {
		c.fail(key, CheckJSONSchema, "%s", desc.String())
	}
}

func (v *Validator) checkRule(c *collector, rule model.Validator, values map[string]Value) {
	switch rule.Kind {
	case model.RulePattern:
		var cfg PatternConfig
		if !v.decode(c, rule, &cfg) {
			return
		}
		if val, ok := values[rule.Key]; ok {
			checkPattern(c, rule.Key, cfg.Pattern, val, string(model.RulePattern), rule.Message)
		}

	case model.RuleRange:
		var cfg RangeConfig
		if !v.decode(c, rule, &cfg) {
			return
		}
		if val, ok := values[rule.Key]; ok {
			checkRange(c, rule.Key, cfg.Min, cfg.Max, val, rule.Message)
		}

	case model.RuleEnum:
		var cfg EnumConfig
		if !v.decode(c, rule, &cfg) {
			return
		}
		if val, ok := values[rule.Key]; ok {
			checkEnum(c, rule.Key, cfg.Values, val, rule.Message)
		}

	case model.RuleDependency:
		var cfg DependencyConfig
		if !v.decode(c, rule, &cfg) {
			return
		}
		v.checkDependency(c, rule, cfg, values)

	case model.RuleCustom:
		var cfg CustomConfig
		if !v.decode(c, rule, &cfg) {
			return
		}
		val, ok := values[rule.Key]
		if !ok {
			return
		}
		check, known := v.custom.Get(cfg.Check)
		if !known {
			c.fail(rule.Key, string(model.RuleCustom), "unknown custom check %q", cfg.Check)
			return
		}
		if err := check(val.Raw); err != nil {
			c.fail(rule.Key, string(model.RuleCustom), "%s", orDefault(rule.Message, fmt.Sprintf("%s: %s", cfg.Check, describe(val, err))))
		}

	default:
		c.fail(rule.Key, string(rule.Kind), "unknown rule kind %q", rule.Kind)
	}
}

func (v *Validator) checkDependency(c *collector, rule model.Validator, cfg DependencyConfig, values map[string]Value) {
	target := cfg.Require
	if target == "" {
		target = rule.Key
	}
	trigger, ok := values[cfg.When]
	if !ok {
		return
	}
	if cfg.Equals != nil && trigger.Raw != *cfg.Equals {
		return
	}
	if _, present := values[target]; present {
		return
	}

	condition := cfg.When + " is set"
	if cfg.Equals != nil {
		condition = fmt.Sprintf("%s = %s", cfg.When, display(Value{Raw: *cfg.Equals, Secret: trigger.Secret}))
	}
	msg := orDefault(rule.Message, fmt.Sprintf("%s is required when %s", target, condition))
	if prior := c.failedKey(target); len(prior) > 0 {
		msg += fmt.Sprintf(" (already reported: %s)", strings.Join(prior, ", "))
	}
	c.fail(target, string(model.RuleDependency), "%s", msg)
}

func (v *Validator) decode(c *collector, rule model.Validator, out interface{}) bool {
	if err := DecodeRuleConfig(rule, out); err != nil {
		v.logger.Warn("validator %s on schema %s: %v", rule.ID, rule.SchemaID, err)
		c.fail(rule.Key, string(rule.Kind), "invalid %s rule configuration: %v", rule.Kind, err)
		return false
	}
	return true
}

// display renders a value for a message; secrets never appear.
func display(v Value) string {
	if v.Secret || v.Kind == model.KindSecret {
		return "[REDACTED]"
	}
	if len(v.Raw) > 64 {
		return fmt.Sprintf("%q...", v.Raw[:61])
	}
	return fmt.Sprintf("%q", v.Raw)
}

func describe(v Value, err error) string {
	if v.Secret || v.Kind == model.KindSecret {
		return "value is malformed"
	}
	return err.Error()
}

func bound(f *float64, missing string) string {
	if f == nil {
		return missing
	}
	b, _ := json.Marshal(*f)
	return string(b)
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

func sortedKeys(values map[string]Value) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
