package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"empty", "", ""},
		{"firefox linux", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0", "Firefox on Linux"},
		{"chrome windows", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Chrome on Windows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(tt.ua))
		})
	}
}

func TestLabelMarksBots(t *testing.T) {
	label := Label("Googlebot/2.1 (+http://www.google.com/bot.html)")
	assert.True(t, strings.HasPrefix(label, "bot"), label)
}

func TestLabelIsBounded(t *testing.T) {
	assert.LessOrEqual(t, len(Label(strings.Repeat("x", 300))), maxLabelLength)
}
