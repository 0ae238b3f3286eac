// Package identity turns free-text account lists into identity records and
// binds them to sandboxes.
package identity

import (
	"bufio"
	"strings"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Separator is the canonical field separator used by Format.
const Separator = ";"

const primarySeparators = ";,\t"

// Parse reads one identity per line in the order email, password,
// recoveryEmail. Fields may be separated by ';', ',', tab or '-'. A hyphen
// only separates fields on lines that use none of the other separators, so
// hyphenated addresses survive when the line is ';' or ',' delimited. Lines
// that yield fewer than three fields are discarded.
func Parse(text string) []models.Identity {
	var out []models.Identity

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := splitFields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		out = append(out, models.Identity{
			Email:         fields[0],
			Password:      fields[1],
			RecoveryEmail: fields[2],
		})
	}
	return out
}

func splitFields(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	seps := primarySeparators
	if !strings.ContainsAny(line, primarySeparators) {
		seps = "-"
	}

	raw := strings.FieldsFunc(line, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})

	fields := make([]string, 0, len(raw))
	for _, f := range raw {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Format serializes identities one per line with the canonical separator.
func Format(identities []models.Identity) string {
	var b strings.Builder
	for _, id := range identities {
		b.WriteString(id.Email)
		b.WriteString(Separator)
		b.WriteString(id.Password)
		b.WriteString(Separator)
		b.WriteString(id.RecoveryEmail)
		b.WriteByte('\n')
	}
	return b.String()
}
