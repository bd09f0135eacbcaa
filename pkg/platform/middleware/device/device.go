// Package device derives short, human-readable device labels from
// User-Agent strings for audit entries.
package device

import (
	"strings"

	"github.com/mssola/useragent"
)

const maxLabelLength = 64

// Label returns "Browser on OS", or the best partial label it can build.
// Empty input yields an empty label.
func Label(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		name, _ := ua.Browser()
		if name == "" {
			return "bot"
		}
		return truncate("bot " + name)
	}

	browser, _ := ua.Browser()
	os := osName(ua.OSInfo())
	switch {
	case browser != "" && os != "":
		return truncate(browser + " on " + os)
	case browser != "":
		return truncate(browser)
	case os != "":
		return truncate(os)
	default:
		return truncate(userAgent)
	}
}

func osName(info useragent.OSInfo) string {
	switch {
	case strings.HasPrefix(info.Name, "Windows"):
		return "Windows"
	case info.Name == "Mac OS X" || strings.HasPrefix(info.FullName, "Intel Mac OS X"):
		return "macOS"
	case info.Name == "iPhone OS" || info.Name == "CPU iPhone OS":
		return "iOS"
	default:
		return info.Name
	}
}

func truncate(s string) string {
	if len(s) <= maxLabelLength {
		return s
	}
	return s[:maxLabelLength]
}
