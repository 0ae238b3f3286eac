package automation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/browsertest"
)

func visibleSet(visible ...bool) func(int) bool {
	return func(i int) bool { return visible[i] }
}

func TestMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		texts    []string
		keywords []string
		visible  []bool
		want     int
	}{
		{
			name:     "second candidate carries the later keyword",
			texts:    []string{"Register", "用户登录"},
			keywords: []string{"Sign in", "登录"},
			visible:  []bool{true, true},
			want:     1,
		},
		{
			name:     "only textual match is hidden",
			texts:    []string{"Help", "用户登录"},
			keywords: []string{"Sign in", "登录"},
			visible:  []bool{true, false},
			want:     -1,
		},
		{
			name:     "keyword order beats document order",
			texts:    []string{"登录", "Sign in"},
			keywords: []string{"Sign in", "登录"},
			visible:  []bool{true, true},
			want:     1,
		},
		{
			name:     "document order within a keyword",
			texts:    []string{"Sign in here", "Sign in there"},
			keywords: []string{"Sign in"},
			visible:  []bool{true, true},
			want:     0,
		},
		{
			name:     "hidden first match falls through to the next",
			texts:    []string{"Sign in here", "Sign in there"},
			keywords: []string{"Sign in"},
			visible:  []bool{false, true},
			want:     1,
		},
		{
			name:     "case and whitespace insensitive",
			texts:    []string{"  SIGN\n\t IN  "},
			keywords: []string{"sign in"},
			visible:  []bool{true},
			want:     0,
		},
		{
			name:     "empty keywords never match",
			texts:    []string{"anything"},
			keywords: []string{"", "   "},
			visible:  []bool{true},
			want:     -1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(tc.texts, tc.keywords, visibleSet(tc.visible...)))
		})
	}
}

func TestMatchChecksVisibilityOnce(t *testing.T) {
	t.Parallel()

	calls := map[int]int{}
	idx := Match([]string{"Google 登录", "Other"}, []string{"Google 登录", "Google", "登录"}, func(i int) bool {
		calls[i]++
		return false
	})
	assert.Equal(t, -1, idx)
	assert.Equal(t, map[int]int{0: 1}, calls)
}

func TestFindReleasesUnchosenHandles(t *testing.T) {
	t.Parallel()

	hidden := browsertest.Hidden("Sign in")
	other := browsertest.Visible("Help")
	chosen := browsertest.Visible("用户登录")
	page := browsertest.NewPage().
		Set("button", hidden, other).
		Set("a", chosen)

	el, ok := Find(context.Background(), page, Query{Keywords: []string{"Sign in", "登录"}, Selectors: []string{"button", "a"}})
	require.True(t, ok)
	assert.Same(t, chosen, el)
	assert.Equal(t, 1, hidden.Released())
	assert.Equal(t, 1, other.Released())
	assert.Equal(t, 0, chosen.Released())
}

func TestFindNotFound(t *testing.T) {
	t.Parallel()

	only := browsertest.Hidden("登录")
	page := browsertest.NewPage().Set("button", only)

	el, ok := Find(context.Background(), page, SiteLogin)
	assert.False(t, ok)
	assert.Nil(t, el)
	assert.Equal(t, 1, only.Released())

	_, ok = Find(context.Background(), browsertest.NewPage(), SiteLogin)
	assert.False(t, ok)
}
