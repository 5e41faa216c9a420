package environ

import (
	"os"
	"sort"
	"strings"
)

// FromOS returns the process environment as a map.
func FromOS() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Merge overlays the given maps left to right into a new map. Later maps win.
func Merge(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// ToEnviron converts a map into the sorted KEY=value form expected by
// exec.Cmd.
func ToEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Getenv returns the named process environment variable, or fallback when it
// is unset or empty.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TruthyString reports whether a string value counts as true for `when`
// gates. An environment variable is either the string "true" (or "1") or it
// is not; unset, empty, and every other spelling are false.
func TruthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	}
	return false
}
