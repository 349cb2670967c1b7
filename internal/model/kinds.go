// Package model defines the persisted entities of cfgvault and the small
// closed enums they use. Models carry `db` tags for sqlx scanning and `json`
// tags for CLI/JSON output; ciphertext and credentials never serialize.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the typed value union.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindJSON    Kind = "json"
	KindSecret  Kind = "secret"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindString, KindNumber, KindBoolean, KindJSON, KindSecret:
		return k, nil
	case "":
		return KindString, nil
	}
	return "", fmt.Errorf("unknown value kind %q", s)
}

// jsonNumber is the JSON number grammar. strconv.ParseFloat alone also
// accepts NaN, Inf, hex floats and a leading '+', none of which render.
var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// TypedValue is a raw textual value tagged with its kind. Raw is what gets
// encrypted; Native interprets it.
type TypedValue struct {
	Kind Kind
	Raw  string
}

// ParseTyped checks that raw is well-formed for kind.
func ParseTyped(kind Kind, raw string) (TypedValue, error) {
	tv := TypedValue{Kind: kind, Raw: raw}
	if _, err := tv.Native(); err != nil {
		return TypedValue{}, err
	}
	return tv, nil
}

// Native returns the Go representation: string, float64, bool, or the decoded JSON document.
func (v TypedValue) Native() (interface{}, error) {
	switch v.Kind {
	case KindString, KindSecret, "":
		return v.Raw, nil
	case KindNumber:
		raw := strings.TrimSpace(v.Raw)
		if !jsonNumber.MatchString(raw) {
			return nil, fmt.Errorf("value %q is not a number", v.Raw)
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is out of range for a number", v.Raw)
		}
		return f, nil
	case KindBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean", v.Raw)
		}
		return b, nil
	case KindJSON:
		var doc interface{}
		if err := json.Unmarshal([]byte(v.Raw), &doc); err != nil {
			return nil, fmt.Errorf("value is not valid JSON: %w", err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("unknown value kind %q", v.Kind)
}

// KindOf infers a kind and its raw text from a JSON value, either decoded
// or still encoded as a json.RawMessage. Encoded numbers keep their text and
// encoded objects keep their key order. JSON null is an error.
func KindOf(v interface{}) (Kind, string, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return kindOfRaw(t)
	case string:
		return KindString, t, nil
	case float64:
		return KindNumber, strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return KindNumber, t.String(), nil
	case bool:
		return KindBoolean, strconv.FormatBool(t), nil
	case nil:
		return "", "", fmt.Errorf("null has no kind")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", "", err
		}
		return KindJSON, string(b), nil
	}
}

func kindOfRaw(raw json.RawMessage) (Kind, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", "", fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", "", err
		}
		return KindString, s, nil
	case 't', 'f':
		b, err := strconv.ParseBool(string(raw))
		if err != nil {
			return "", "", fmt.Errorf("value %q is not a boolean", raw)
		}
		return KindBoolean, strconv.FormatBool(b), nil
	case 'n':
		return "", "", fmt.Errorf("null has no kind")
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", "", err
		}
		return KindJSON, buf.String(), nil
	}
	if _, err := ParseTyped(KindNumber, string(raw)); err != nil {
		return "", "", err
	}
	return KindNumber, string(raw), nil
}

// Permission is an ordered access level: read < write < admin.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	}
	return 0
}

// Valid reports whether p is a known level.
func (p Permission) Valid() bool { return p.rank() > 0 }

// Allows reports whether p satisfies required.
func (p Permission) Allows(required Permission) bool {
	return p.Valid() && p.rank() >= required.rank()
}

// ChangeType classifies a history row.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Scope of a configuration set.
type Scope string

const (
	ScopeRepository   Scope = "repository"
	ScopeOrganization Scope = "organization"
	ScopeEnvironment  Scope = "environment"
)

// RuleKind of a schema validator.
type RuleKind string

const (
	RulePattern    RuleKind = "pattern"
	RuleRange      RuleKind = "range"
	RuleEnum       RuleKind = "enum"
	RuleDependency RuleKind = "dependency"
	RuleCustom     RuleKind = "custom"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool {
	switch k {
	case RulePattern, RuleRange, RuleEnum, RuleDependency, RuleCustom:
		return true
	}
	return false
}
