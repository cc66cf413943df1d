// Package env composes the child's environment from the watchdog's own
// environment and the configured overrides.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

var ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Merge overlays overrides onto base. Both are KEY=VALUE lists; malformed
// entries and empty keys are skipped. ${VAR} in an override value expands
// to the value VAR has at that point, so PATH=${HOME}/.cargo/bin:${PATH}
// extends the inherited PATH. Unknown references are kept verbatim. The
// result is sorted by key.
func Merge(base, overrides []string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	for _, kv := range overrides {
		if k, v, ok := split(kv); ok {
			m[k] = expand(v, m)
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// ForChild returns the process environment with overrides applied.
func ForChild(overrides []string) []string {
	return Merge(os.Environ(), overrides)
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func expand(s string, m map[string]string) string {
	return ref.ReplaceAllStringFunc(s, func(match string) string {
		if v, ok := m[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}
