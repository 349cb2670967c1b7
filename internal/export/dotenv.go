package export

import (
	"fmt"
	"strings"
)

var dotenvEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
)

// dotenvQuote returns v ready for the right-hand side of KEY=v.
func dotenvQuote(v string) string {
	if v == "" {
		return ""
	}
	if !strings.ContainsAny(v, " \t#\"'`\\\n\r") && strings.TrimSpace(v) == v {
		return v
	}
	return `"` + dotenvEscaper.Replace(v) + `"`
}

func renderDotenv(items []Item) []byte {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.Key)
		b.WriteByte('=')
		b.WriteString(dotenvQuote(it.Value))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Pair is one parsed KEY=value assignment.
type Pair struct {
	Key   string
	Value string
	Line  int
}

// LineError is a dotenv line that could not be parsed.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseDotenv reads KEY=value lines. Blank lines and '#' comments are
// ignored, an "export " prefix is accepted, and values may be single quoted
// (literal) or double quoted (with \n \r \t \" \\ escapes, possibly spanning
// lines). Unquoted values end at " #". Malformed lines are reported and
// skipped; they never stop the parse. Variables are not expanded.
func ParseDotenv(content string) ([]Pair, []LineError) {
	var (
		pairs []Pair
		errs  []LineError
	)
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			errs = append(errs, LineError{Line: lineNo, Err: fmt.Errorf("missing '='")})
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if key == "" || strings.ContainsAny(key, " \t\"'") {
			errs = append(errs, LineError{Line: lineNo, Err: fmt.Errorf("invalid key %q", key)})
			continue
		}
		rest := strings.TrimLeft(line[eq+1:], " \t")

		var (
			value string
			err   error
		)
		switch {
		case strings.HasPrefix(rest, `"`), strings.HasPrefix(rest, `'`):
			var consumed int
			value, consumed, err = parseQuoted(rest, lines[i+1:])
			i += consumed
		default:
			value = rest
			if idx := strings.Index(value, " #"); idx >= 0 {
				value = value[:idx]
			}
			value = strings.TrimSpace(value)
		}
		if err != nil {
			errs = append(errs, LineError{Line: lineNo, Err: err})
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: value, Line: lineNo})
	}
	return pairs, errs
}

// parseQuoted reads a quoted value starting at s. When the closing quote is
// not on this line, following lines are consumed; consumed reports how many.
func parseQuoted(s string, next []string) (value string, consumed int, err error) {
	quote := s[0]
	text := s[1:]
	for {
		if end := closingQuote(text, quote); end >= 0 {
			tail := strings.TrimSpace(text[end+1:])
			if tail != "" && !strings.HasPrefix(tail, "#") {
				return "", consumed, fmt.Errorf("unexpected text after closing quote")
			}
			raw := text[:end]
			if quote == '"' {
				raw = unescapeDouble(raw)
			}
			return raw, consumed, nil
		}
		if consumed >= len(next) {
			return "", consumed, fmt.Errorf("unterminated %c quote", quote)
		}
		text += "\n" + next[consumed]
		consumed++
	}
}

func closingQuote(s string, quote byte) int {
	for i := 0; i < len(s); i++ {
		switch {
		case quote == '"' && s[i] == '\\':
			i++
		case s[i] == quote:
			return i
		}
	}
	return -1
}

func unescapeDouble(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '"', '\\', '$':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
