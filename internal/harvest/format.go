package harvest

import (
	"strconv"
	"strings"
	"time"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Format renders cookies as plain-text blocks, one per cookie, separated
// by a blank line. The output depends only on the input order.
func Format(cookies []models.Cookie) string {
	var b strings.Builder
	for i, c := range cookies {
		if i > 0 {
			b.WriteByte('\n')
		}
		field(&b, "name", c.Name)
		field(&b, "value", c.Value)
		field(&b, "domain", c.Domain)
		field(&b, "path", c.Path)
		if c.Session() {
			field(&b, "expires", "session")
		} else {
			field(&b, "expires", c.Expires.UTC().Format(time.RFC3339))
		}
		field(&b, "httpOnly", strconv.FormatBool(c.HTTPOnly))
		field(&b, "secure", strconv.FormatBool(c.Secure))
		if c.SameSite != "" {
			field(&b, "sameSite", c.SameSite)
		}
	}
	return b.String()
}

func field(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}
