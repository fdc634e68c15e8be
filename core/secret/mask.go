// Package secret masks credentials before they reach the logs.
package secret

import (
	"net/url"
	"strings"
)

// Mask hides most of a secret. Short values are fully masked; longer ones
// keep the first and last characters so operators can tell keys apart.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// MaskURL masks the password of a URL such as a Redis connection string.
// Values that do not parse as URLs with credentials are returned unchanged.
func MaskURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if pw, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), Mask(pw))
	}
	return u.String()
}
