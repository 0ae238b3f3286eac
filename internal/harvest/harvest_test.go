package harvest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/chromedp/cdproto/network"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestCandidateURLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"https://example.com/account?tab=1#top", []string{
			"https://example.com/account", "http://example.com/", "https://example.com/",
		}},
		{"https://example.com", []string{"https://example.com/", "http://example.com/"}},
		{"http://localhost:8080/", []string{"http://localhost:8080/", "https://localhost:8080/"}},
		{"about:blank", nil},
		{"chrome://newtab/", nil},
		{"not a url", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CandidateURLs(tc.in), tc.in)
	}
}

func TestDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "www.example.com", Domain("https://WWW.Example.com:8443/x"))
	assert.Equal(t, "", Domain("about:blank"))
}

func TestDedupLastObservationWins(t *testing.T) {
	t.Parallel()

	got := Dedup([]models.Cookie{
		{Domain: ".example.com", Name: "sid", Path: "/", Value: "old"},
		{Domain: ".example.com", Name: "lang", Path: "/", Value: "en"},
		{Domain: ".example.com", Name: "sid", Path: "/", Value: "new"},
		{Domain: ".example.com", Name: "sid", Path: "/app", Value: "other-path"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "new", got[0].Value)
	assert.Equal(t, "other-path", got[2].Value)
}

func TestNormalizeSortsByDomainPathName(t *testing.T) {
	t.Parallel()

	got := Normalize([]models.Cookie{
		{Domain: "b.com", Path: "/", Name: "a"},
		{Domain: "a.com", Path: "/z", Name: "a"},
		{Domain: "a.com", Path: "/", Name: "b"},
		{Domain: "a.com", Path: "/", Name: "a"},
	})
	var keys []string
	for _, c := range got {
		keys = append(keys, c.Domain+c.Path+c.Name)
	}
	assert.Equal(t, []string{"a.com/a", "a.com/b", "a.com/za", "b.com/a"}, keys)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	exp := time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)
	out := Format([]models.Cookie{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: &exp, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		{Name: "pref", Value: "1", Domain: "example.com", Path: "/"},
	})
	assert.Equal(t, `name: sid
value: abc
domain: .example.com
path: /
expires: 2027-01-02T03:04:05Z
httpOnly: true
secure: true
sameSite: Lax

name: pref
value: 1
domain: example.com
path: /
expires: session
httpOnly: false
secure: false
`, out)
	assert.Empty(t, Format(nil))
}

func TestFromProtocol(t *testing.T) {
	t.Parallel()

	got := FromProtocol([]*network.Cookie{
		{Name: "a", Value: "1", Domain: "x.com", Path: "/", Expires: 1800000000.5, HTTPOnly: true, SameSite: network.CookieSameSiteStrict},
		{Name: "b", Value: "2", Domain: "x.com", Path: "/", Expires: -1, Session: true},
		{Name: "c", Value: "3", Domain: "x.com", Path: "/"},
		nil,
	})
	require.Len(t, got, 3)

	require.NotNil(t, got[0].Expires)
	assert.Equal(t, int64(1800000000), got[0].Expires.Unix())
	assert.True(t, got[0].HTTPOnly)
	assert.Equal(t, "Strict", got[0].SameSite)
	assert.Empty(t, got[1].SameSite)
	assert.True(t, got[1].Session())
	assert.True(t, got[2].Session())
}
