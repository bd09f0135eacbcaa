package strings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	cases := map[string][]string{
		"":                                {},
		"broker-1:9092":                   {"broker-1:9092"},
		" broker-1:9092 , broker-2:9092 ": {"broker-1:9092", "broker-2:9092"},
		"broker-1:9092,,broker-1:9092, ,": {"broker-1:9092"},
		"broker-2:9092,broker-1:9092":     {"broker-2:9092", "broker-1:9092"},
	}
	for in, want := range cases {
		assert.Equal(t, want, SplitList(in), "input %q", in)
	}
}

func TestDedupe(t *testing.T) {
	t.Run("normalizer decides equality", func(t *testing.T) {
		got := Dedupe([]string{"Pastor", " pastor", "FINANCE"}, func(s string) string {
			return strings.ToLower(strings.TrimSpace(s))
		})
		assert.Equal(t, []string{"pastor", "finance"}, got)
	})

	t.Run("nil normalizer keeps values verbatim", func(t *testing.T) {
		assert.Equal(t, []string{"a", " a"}, Dedupe([]string{"a", " a", "a", ""}, nil))
	})

	t.Run("nil input yields an empty list", func(t *testing.T) {
		assert.Empty(t, Dedupe(nil, nil))
	})
}
