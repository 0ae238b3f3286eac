package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []models.Identity
	}{
		{
			name:  "semicolon",
			input: "a@x.com;pw1;r@x.com",
			want:  []models.Identity{{Email: "a@x.com", Password: "pw1", RecoveryEmail: "r@x.com"}},
		},
		{
			name:  "mixed separators and blank lines",
			input: "a@x.com, pw1 ,r@x.com\n\n  b@y.com\tpw2\ts@y.com  \n",
			want: []models.Identity{
				{Email: "a@x.com", Password: "pw1", RecoveryEmail: "r@x.com"},
				{Email: "b@y.com", Password: "pw2", RecoveryEmail: "s@y.com"},
			},
		},
		{
			name:  "hyphen only line",
			input: "c@z.com - pw3 - t@z.com",
			want:  []models.Identity{{Email: "c@z.com", Password: "pw3", RecoveryEmail: "t@z.com"}},
		},
		{
			name:  "hyphenated email keeps its hyphen",
			input: "first-last@x.com;pw;rec-ov@x.com",
			want:  []models.Identity{{Email: "first-last@x.com", Password: "pw", RecoveryEmail: "rec-ov@x.com"}},
		},
		{
			name:  "short lines discarded",
			input: "only@x.com;pw\nnothing\n",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParseIsIdempotent(t *testing.T) {
	t.Parallel()

	input := "a@x.com, pw1, r@x.com\nb@y.com-pw2-s@y.com\nbroken\nc@z.com;p;q;extra\n"
	first := Parse(input)
	require.Len(t, first, 3)

	second := Parse(Format(first))
	assert.Equal(t, first, second)
	assert.Equal(t, Format(first), Format(second))
}

func TestAssignRoundRobin(t *testing.T) {
	t.Parallel()

	pool := Parse("a@x.com;1;r@x.com\nb@x.com;2;s@x.com")
	got := Assign(pool, 5)
	require.Len(t, got, 5)

	emails := make([]string, 0, len(got))
	for _, id := range got {
		require.NotNil(t, id)
		emails = append(emails, id.Email)
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com", "a@x.com", "b@x.com", "a@x.com"}, emails)

	got[0].Email = "mutated"
	assert.Equal(t, "a@x.com", got[2].Email, "bindings must not share storage")
}

func TestAssignEmptyPool(t *testing.T) {
	t.Parallel()

	got := Assign(nil, 3)
	assert.Equal(t, []*models.Identity{nil, nil, nil}, got)
	assert.Nil(t, Assign(nil, 0))
}
