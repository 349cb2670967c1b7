package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/values"
)

// ImportError is one entry that could not be imported.
type ImportError struct {
	Key     string `json:"key,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// ImportResult counts what an import did. Skipped entries already held
// the same value and kind in the set.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// importFormats are the formats Import accepts; the rest are export-only.
var importFormats = map[Format]bool{FormatDotenv: true, FormatJSON: true}

// parseImport turns content into entries. Per-entry problems become
// ImportErrors; only an unreadable document fails outright.
func parseImport(content []byte, format Format) ([]values.Entry, []ImportError, error) {
	switch format {
	case FormatDotenv:
		pairs, lineErrs := ParseDotenv(string(content))
		entries := make([]values.Entry, 0, len(pairs))
		for _, p := range pairs {
			entries = append(entries, values.Entry{Key: p.Key, Value: p.Value})
		}
		errs := make([]ImportError, 0, len(lineErrs))
		for _, le := range lineErrs {
			errs = append(errs, ImportError{Line: le.Line, Message: le.Err.Error()})
		}
		return entries, errs, nil
	case FormatJSON:
		return parseJSONDocument(content)
	}
	return nil, nil, cverrors.UserError{
		Message:    fmt.Sprintf("format %s cannot be imported", format),
		Suggestion: "Import supports dotenv and json",
	}
}

// parseJSONDocument reads a flat object. Non-string values keep their type
// as the number, boolean or json kind; numbers keep their original text.
func parseJSONDocument(content []byte) ([]values.Entry, []ImportError, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, nil, cverrors.UserError{
			Message:    "import document is not a JSON object",
			Suggestion: "Provide a flat object such as {\"KEY\": \"value\"}",
			Err:        err,
		}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		entries []values.Entry
		errs    []ImportError
	)
	for _, k := range keys {
		if bytes.Equal(bytes.TrimSpace(doc[k]), []byte("null")) {
			errs = append(errs, ImportError{Key: k, Message: "null values cannot be imported"})
			continue
		}
		kind, value, err := model.KindOf(doc[k])
		if err != nil {
			errs = append(errs, ImportError{Key: k, Message: err.Error()})
			continue
		}
		e := values.Entry{Key: k, Value: value}
		if kind != model.KindString {
			e.Kind = kind
		}
		entries = append(entries, e)
	}
	return entries, errs, nil
}
