package harvest

import (
	"sort"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

type cookieKey struct {
	domain, name, path string
}

// Dedup collapses cookies sharing (domain, name, path). The last
// observation wins but keeps the position of the first.
func Dedup(cookies []models.Cookie) []models.Cookie {
	index := make(map[cookieKey]int, len(cookies))
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		k := cookieKey{c.Domain, c.Name, c.Path}
		if i, ok := index[k]; ok {
			out[i] = c
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}

// Sort orders cookies by domain, then path, then name
func Sort(cookies []models.Cookie) {
	sort.SliceStable(cookies, func(i, j int) bool {
		a, b := cookies[i], cookies[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Name < b.Name
	})
}

// Normalize de-duplicates and sorts a harvest
func Normalize(cookies []models.Cookie) []models.Cookie {
	out := Dedup(cookies)
	Sort(out)
	return out
}
