package harvest

import (
	"net/url"
	"strings"
)

// CandidateURLs returns the URLs cookies are enumerated for: the page's
// canonical URL (scheme, host and path) followed by the http and https
// roots of its host. Non-web pages yield nothing.
func CandidateURLs(pageURL string) []string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	canonical := u.Scheme + "://" + u.Host + path

	out := []string{canonical}
	for _, root := range []string{"http://" + u.Host + "/", "https://" + u.Host + "/"} {
		if root != canonical {
			out = append(out, root)
		}
	}
	return out
}

// Domain returns the host name of pageURL, lower-cased, or "" when it has
// none.
func Domain(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
