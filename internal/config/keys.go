package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// Kind is the value type of a config key.
type Kind string

const (
	KindString   Kind = "string"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindEnum     Kind = "enum"
	KindSchedule Kind = "schedule"
	KindURL      Kind = "url"
	KindAddr     Kind = "address"
)

// Key describes one dot-separated config key.
type Key struct {
	Name     string
	Kind     Kind
	Usage    string
	Secret   bool
	Optional bool     // the empty string is accepted
	Min, Max float64  // numeric bounds; Max 0 means unbounded
	Values   []string // accepted values of an enum
}

// scheduleParser accepts the same cron dialect as the janitor scheduler.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var registry = []Key{
	{Name: "data_dir", Kind: KindString, Usage: "directory for history, diffs and document snapshots"},
	{Name: "log_level", Kind: KindEnum, Usage: "minimum log level", Values: []string{"debug", "info", "warn", "error"}},
	{Name: "log_format", Kind: KindEnum, Usage: "log handler", Values: []string{"text", "json"}},
	{Name: "max_concurrent", Kind: KindInt, Usage: "generations running at once across all chats", Min: 1},

	{Name: "http.listen", Kind: KindAddr, Usage: "HTTP listen address"},
	{Name: "http.rate_limit_rps", Kind: KindFloat, Usage: "AI chat requests per second per document, 0 disables"},
	{Name: "http.rate_limit_burst", Kind: KindInt, Usage: "AI chat burst per document", Min: 1},

	{Name: "llm.provider", Kind: KindString, Usage: "provider name used in logs and breaker state"},
	{Name: "llm.base_url", Kind: KindURL, Usage: "OpenAI-compatible API base URL"},
	{Name: "llm.api_key", Kind: KindString, Usage: "provider API key", Secret: true, Optional: true},
	{Name: "llm.model", Kind: KindString, Usage: "model used for every generation"},
	{Name: "llm.max_tokens", Kind: KindInt, Usage: "completion token limit", Min: 1},
	{Name: "llm.temperature", Kind: KindFloat, Usage: "sampling temperature", Max: 2},
	{Name: "llm.max_context_tokens", Kind: KindInt, Usage: "model context window", Min: 1},
	{Name: "llm.output_reserve", Kind: KindInt, Usage: "context tokens kept free for the answer"},
	{Name: "llm.stream", Kind: KindBool, Usage: "stream tokens instead of waiting for the full answer"},
	{Name: "llm.timeout_seconds", Kind: KindInt, Usage: "timeout of one provider request", Min: 1},

	{Name: "generation.max_duration_seconds", Kind: KindInt, Usage: "age at which a running generation is cancelled, 0 disables"},
	{Name: "generation.sweep_schedule", Kind: KindSchedule, Usage: "when stale generations are swept", Optional: true},

	{Name: "documents.flush_schedule", Kind: KindSchedule, Usage: "when changed documents are saved", Optional: true},
	{Name: "documents.evict_schedule", Kind: KindSchedule, Usage: "when idle documents are evicted", Optional: true},
	{Name: "documents.idle_evict_minutes", Kind: KindInt, Usage: "idle time before a document is evicted, 0 disables"},

	{Name: "redis.addr", Kind: KindAddr, Usage: "Redis address for op fan-out, empty disables", Optional: true},
	{Name: "redis.password", Kind: KindString, Usage: "Redis password", Secret: true, Optional: true},
	{Name: "redis.db", Kind: KindInt, Usage: "Redis database"},
	{Name: "redis.channel_prefix", Kind: KindString, Usage: "prefix of the per-document op channels"},

	{Name: "preview.webhook_url", Kind: KindURL, Usage: "URL notified after each generation, empty disables", Optional: true},
}

var byName = func() map[string]Key {
	m := make(map[string]Key, len(registry))
	for _, k := range registry {
		m[k.Name] = k
	}
	return m
}()

// Lookup returns the key called name.
func Lookup(name string) (Key, bool) {
	k, ok := byName[name]
	return k, ok
}

// Keys returns every known key in display order.
func Keys() []Key {
	return slices.Clone(registry)
}

// Parse converts command-line text into the value stored for k.
func (k Key) Parse(raw string) (any, error) {
	text := strings.TrimSpace(raw)
	switch k.Kind {
	case KindInt:
		n, err := strconv.Atoi(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", k.Name, raw)
		}
		if err := k.Check(float64(n)); err != nil {
			return nil, err
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", k.Name, raw)
		}
		if err := k.Check(f); err != nil {
			return nil, err
		}
		return f, nil
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not true or false", k.Name, raw)
		}
		return b, nil
	}
	if err := k.Check(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Check reports whether v is an acceptable value for k. Numbers may be int
// or float64, as decoded from JSON.
func (k Key) Check(v any) error {
	switch k.Kind {
	case KindInt, KindFloat:
		f, ok := number(v)
		if !ok {
			return fmt.Errorf("%s must be a number", k.Name)
		}
		if k.Kind == KindInt && f != math.Trunc(f) {
			return fmt.Errorf("%s must be an integer", k.Name)
		}
		if f < k.Min {
			return fmt.Errorf("%s must be at least %v", k.Name, k.Min)
		}
		if k.Max > 0 && f > k.Max {
			return fmt.Errorf("%s must be at most %v", k.Name, k.Max)
		}
		return nil
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s must be true or false", k.Name)
		}
		return nil
	}

	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%s must be a string", k.Name)
	}
	if s == "" {
		if k.Optional {
			return nil
		}
		return fmt.Errorf("%s must not be empty", k.Name)
	}
	switch k.Kind {
	case KindEnum:
		if !slices.Contains(k.Values, s) {
			return fmt.Errorf("%s must be one of %s", k.Name, strings.Join(k.Values, ", "))
		}
	case KindSchedule:
		if _, err := scheduleParser.Parse(s); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", k.Name, s, err)
		}
	case KindURL:
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http or https URL", k.Name)
		}
	case KindAddr:
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("%s must be host:port", k.Name)
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// Validate checks every key of c and the limits that span keys.
func (c *Config) Validate() error {
	m, err := ToMap(c)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var errs []error
	for _, k := range registry {
		if err := k.Check(flat[k.Name]); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LLM.OutputReserve >= c.LLM.MaxContextTokens {
		errs = append(errs, errors.New("llm.output_reserve must be less than llm.max_context_tokens"))
	}
	return errors.Join(errs...)
}

// Flatten turns the nested JSON form of a config into dot-separated keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Mask hides a secret, keeping only its last four characters ("***wxyz").
// Secrets of four characters or fewer are hidden entirely.
func Mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// MaskSecrets returns a copy of flat with the values of secret keys masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if key, ok := byName[k]; ok && key.Secret {
			if s, ok := v.(string); ok {
				v = Mask(s)
			}
		}
		out[k] = v
	}
	return out
}
