// Package strings normalizes list-valued configuration.
package strings

import "strings"

// SplitList splits a comma-separated value such as a broker list, trimming
// each element and dropping empties and repeats. Order is kept.
func SplitList(value string) []string {
	return Dedupe(strings.Split(value, ","), strings.TrimSpace)
}

// Dedupe maps each value through norm and keeps the first occurrence of every
// non-empty result. A nil norm keeps values as they are.
func Dedupe(values []string, norm func(string) string) []string {
	if norm == nil {
		norm = func(s string) string { return s }
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
