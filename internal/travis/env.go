// env.go normalizes the env section of .travis.yml and splits env strings
// into KEY=VALUE pairs with shell-style quoting rules.
package travis

import (
	"fmt"
	"strings"
)

// EnvEntry is one entry from the env section: either plain KEY=VALUE text
// (possibly several pairs in one string) or an encrypted blob that is
// decrypted at expansion time.
type EnvEntry struct {
	// Raw is the entry text as written, or the base64 ciphertext for
	// secure entries.
	Raw string `json:"raw"`

	// Secure marks entries declared as {secure: <blob>}.
	Secure bool `json:"secure,omitempty"`
}

// EnvConfig is the normalized env section.
//
// Global entries apply to every job. Jobs entries are matrix cells: each
// one expands into its own job, carrying every KEY=VALUE pair inside it.
type EnvConfig struct {
	Global []EnvEntry `json:"global,omitempty"`
	Jobs   []EnvEntry `json:"jobs,omitempty"`
}

// DecryptFunc decrypts the ciphertext of a secure env entry. The travis
// package never decrypts by itself; the caller supplies the function so
// key handling stays outside configuration parsing.
type DecryptFunc func(ciphertext string) (string, error)

// normalizeEnv resolves the three env shapes:
//
//	env: FOO=bar                  one matrix cell
//	env: [FOO=bar, FOO=baz]       one matrix cell per list entry
//	env: {global: [...], jobs: [...]}
//
// The map form accepts "matrix" as the historical alias for "jobs".
func normalizeEnv(v interface{}) (EnvConfig, []string, error) {
	var env EnvConfig
	var warnings []string

	switch value := v.(type) {
	case nil:
	case map[string]interface{}:
		for key, section := range value {
			switch key {
			case "global":
				entries, err := envEntries(section)
				if err != nil {
					return EnvConfig{}, nil, fmt.Errorf("env.global: %w", err)
				}
				env.Global = entries
			case "jobs", "matrix":
				entries, err := envEntries(section)
				if err != nil {
					return EnvConfig{}, nil, fmt.Errorf("env.%s: %w", key, err)
				}
				env.Jobs = append(env.Jobs, entries...)
			default:
				warnings = append(warnings, fmt.Sprintf("env.%s is not a recognized section and was ignored", key))
			}
		}
	default:
		entries, err := envEntries(v)
		if err != nil {
			return EnvConfig{}, nil, err
		}
		env.Jobs = entries
	}

	return env, warnings, nil
}

// envEntries coerces a scalar-or-list env value into entries, recognizing
// {secure: <blob>} maps.
func envEntries(v interface{}) ([]EnvEntry, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		entries := make([]EnvEntry, 0, len(value))
		for _, item := range value {
			entry, err := envEntry(item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		return entries, nil
	default:
		entry, err := envEntry(v)
		if err != nil {
			return nil, err
		}
		return []EnvEntry{entry}, nil
	}
}

// envEntry coerces one env item: a string, a scalar, or a secure map.
func envEntry(v interface{}) (EnvEntry, error) {
	switch value := v.(type) {
	case map[string]interface{}:
		blob, ok := value["secure"]
		if !ok || len(value) != 1 {
			return EnvEntry{}, fmt.Errorf("env entries must be strings or {secure: <blob>} maps, got map with keys %v", mapKeys(value))
		}
		s, ok := formatScalar(blob)
		if !ok {
			return EnvEntry{}, fmt.Errorf("secure env value must be a string")
		}
		return EnvEntry{Raw: s, Secure: true}, nil
	default:
		if s, ok := formatScalar(v); ok {
			return EnvEntry{Raw: s}, nil
		}
		return EnvEntry{}, fmt.Errorf("env entries must be strings or {secure: <blob>} maps, got %T", v)
	}
}

// ResolveEnvEntries flattens entries into KEY=VALUE pairs. Secure entries
// are decrypted with the supplied function; when decrypt is nil or fails,
// the entry is skipped with a warning, mirroring how Travis handles
// builds that lack the repository key.
func ResolveEnvEntries(entries []EnvEntry, decrypt DecryptFunc) (pairs []string, warnings []string) {
	for _, entry := range entries {
		raw := entry.Raw
		if entry.Secure {
			if decrypt == nil {
				warnings = append(warnings, "secure env entry skipped: no decryption key configured")
				continue
			}
			plain, err := decrypt(raw)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("secure env entry skipped: %v", err))
				continue
			}
			raw = plain
		}

		split, err := SplitEnvPairs(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("env entry %q skipped: %v", raw, err))
			continue
		}
		pairs = append(pairs, split...)
	}
	return pairs, warnings
}

// SplitEnvPairs splits an env string like `A=1 B="two words"` into
// KEY=VALUE pairs with shell-style quote handling. Quotes around values
// are removed; whitespace inside quotes is preserved.
func SplitEnvPairs(s string) ([]string, error) {
	fields, err := splitQuoted(s)
	if err != nil {
		return nil, err
	}

	pairs := make([]string, 0, len(fields))
	for _, field := range fields {
		key, _, found := strings.Cut(field, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("%q is not a KEY=VALUE pair", field)
		}
		pairs = append(pairs, field)
	}
	return pairs, nil
}

// splitQuoted splits on unquoted whitespace, honoring single and double
// quotes. Quote characters are stripped from the result.
func splitQuoted(s string) ([]string, error) {
	var fields []string
	var current strings.Builder
	var quote rune
	inField := false

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, current.String())
				current.Reset()
				inField = false
			}
		default:
			current.WriteRune(r)
			inField = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inField {
		fields = append(fields, current.String())
	}
	return fields, nil
}

// mapKeys returns the keys of a generic map, for error messages.
func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
