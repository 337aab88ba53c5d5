package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type kind int

const (
	kindString kind = iota
	kindPositiveInt
	kindChoice
	kindURL
)

// keySpec describes one setting diagchat understands.
type keySpec struct {
	kind    kind
	choices []string
	secret  bool
	env     string
}

var keys = map[string]keySpec{
	"data_dir":                  {kind: kindString, env: "DIAGCHAT_DATA_DIR"},
	"log_level":                 {kind: kindChoice, choices: []string{"debug", "info", "warn", "error"}, env: "DIAGCHAT_LOG_LEVEL"},
	"api.base_url":              {kind: kindURL, env: "DIAGCHAT_API_URL"},
	"api.timeout_seconds":       {kind: kindPositiveInt},
	"api.max_concurrent":        {kind: kindPositiveInt},
	"realtime.base_delay_ms":    {kind: kindPositiveInt},
	"realtime.max_delay_ms":     {kind: kindPositiveInt},
	"realtime.max_attempts":     {kind: kindPositiveInt},
	"realtime.typing_window_ms": {kind: kindPositiveInt},
	"storage.driver":            {kind: kindChoice, choices: []string{"file", "sqlite"}, env: "DIAGCHAT_STORAGE"},
	"chat.estimator":            {kind: kindChoice, choices: []string{"heuristic", "tiktoken"}},
	"chat.model":                {kind: kindString},
	"auth.username":             {kind: kindString},
	"auth.password":             {kind: kindString, secret: true, env: "DIAGCHAT_PASSWORD"},
}

// Keys returns every setting name in sorted order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return keys[key].secret
}

// EnvVar names the environment variable that overrides key, if any.
func EnvVar(key string) string {
	return keys[key].env
}

// Mask hides a secret value. Only values long enough that the last four
// characters do not give the secret away keep them visible.
func Mask(s string) string {
	r := []rune(s)
	switch {
	case len(r) == 0:
		return ""
	case len(r) < 12:
		return "********"
	default:
		return "***" + string(r[len(r)-4:])
	}
}

// MaskSecrets returns a copy of flat with every secret value masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && IsSecretKey(k) {
			v = Mask(s)
		}
		out[k] = v
	}
	return out
}

// parseSetting converts a command-line value for key into what the config
// file stores. Known keys are checked against their kind; keys outside the
// diagchat sections are stored as a bool, number or string.
func parseSetting(key, raw string) (any, error) {
	spec, ok := keys[key]
	if !ok {
		section, _, nested := strings.Cut(key, ".")
		if nested && knownSection(section) {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
		return parseValue(raw), nil
	}

	switch spec.kind {
	case kindPositiveInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
		}
		return n, nil
	case kindChoice:
		v := strings.ToLower(strings.TrimSpace(raw))
		for _, c := range spec.choices {
			if v == c {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(spec.choices, ", "), raw)
	case kindURL:
		if err := checkBaseURL(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return strings.TrimRight(raw, "/"), nil
	}
	return raw, nil
}

func knownSection(section string) bool {
	for k := range keys {
		if strings.HasPrefix(k, section+".") {
			return true
		}
	}
	return false
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host: %q", raw)
	}
	return nil
}

func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// flatten turns {"api": {"base_url": "x"}} into {"api.base_url": "x"}.
func flatten(m map[string]any) map[string]any {
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

// unflatten is the inverse of flatten. A scalar in the way of a nested key
// is replaced by a section.
func unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		m := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[part] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}
	return out
}
