package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/systmms/cfgvault/internal/model"
)

// PatternConfig is the config document of a pattern rule.
type PatternConfig struct {
	Pattern string `json:"pattern"`
}

// RangeConfig is the config document of a range rule.
type RangeConfig struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// EnumConfig is the config document of an enum rule.
type EnumConfig struct {
	Values []string `json:"values"`
}

// DependencyConfig makes Require mandatory when When is present, or when it
// equals Equals if that is set. Require defaults to the rule's key.
type DependencyConfig struct {
	When    string  `json:"when"`
	Equals  *string `json:"equals,omitempty"`
	Require string  `json:"require,omitempty"`
}

// CustomConfig names a check in the CustomRegistry.
type CustomConfig struct {
	Check string `json:"check"`
}

// DecodeRuleConfig decodes and sanity-checks the config of rule into out.
func DecodeRuleConfig(rule model.Validator, out interface{}) error {
	if err := rule.Config.Decode(out); err != nil {
		return err
	}
	switch cfg := out.(type) {
	case *PatternConfig:
		if cfg.Pattern == "" {
			return fmt.Errorf("pattern is required")
		}
		if _, err := regexp.Compile(cfg.Pattern); err != nil {
			return fmt.Errorf("pattern does not compile: %w", err)
		}
	case *RangeConfig:
		if cfg.Min == nil && cfg.Max == nil {
			return fmt.Errorf("range needs min or max")
		}
		if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
			return fmt.Errorf("range min %v is greater than max %v", *cfg.Min, *cfg.Max)
		}
	case *EnumConfig:
		if len(cfg.Values) == 0 {
			return fmt.Errorf("enum needs at least one value")
		}
	case *DependencyConfig:
		if cfg.When == "" {
			return fmt.Errorf("dependency needs a 'when' key")
		}
		if cfg.Require == "" && rule.Key == "" {
			return fmt.Errorf("dependency needs a 'require' key or a target key")
		}
	case *CustomConfig:
		if cfg.Check == "" {
			return fmt.Errorf("custom rule needs a 'check' name")
		}
	}
	return nil
}

// CheckFunc inspects a raw value and returns a reason when it is invalid.
type CheckFunc func(raw string) error

// CustomRegistry maps names to custom checks.
type CustomRegistry struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

var hostnameRE = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// NewCustomRegistry returns a registry holding url, hostname, port and nonempty.
func NewCustomRegistry() *CustomRegistry {
	r := &CustomRegistry{checks: make(map[string]CheckFunc)}
	r.Register("url", func(raw string) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("not a valid URL")
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("URL needs a scheme and host")
		}
		return nil
	})
	r.Register("hostname", func(raw string) error {
		if net.ParseIP(raw) != nil {
			return nil
		}
		if len(raw) > 253 || !hostnameRE.MatchString(raw) {
			return fmt.Errorf("not a valid hostname")
		}
		return nil
	})
	r.Register("port", func(raw string) error {
		p, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("not a port number between 1 and 65535")
		}
		return nil
	})
	r.Register("nonempty", func(raw string) error {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("value is empty")
		}
		return nil
	})
	return r
}

// Register adds or replaces a named check.
func (r *CustomRegistry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// Get returns the named check.
func (r *CustomRegistry) Get(name string) (CheckFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.checks[name]
	return fn, ok
}

// Names lists registered checks in order.
func (r *CustomRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for n := range r.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
