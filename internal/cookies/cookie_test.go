package cookies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	t.Parallel()

	t.Run("plain name=value", func(t *testing.T) {
		cookie, err := FromString("thing=stuff")
		require.NoError(t, err)
		assert.Equal(t, "thing", cookie.Name)
		assert.Equal(t, "stuff", cookie.Value)
		assert.Equal(t, SessionExpiry, cookie.Expires)
		assert.Equal(t, "/", cookie.Path)
		assert.Equal(t, "*", cookie.Domain)
		assert.False(t, cookie.HTTPOnly)
	})

	t.Run("value may contain equals signs", func(t *testing.T) {
		cookie, err := FromString("token=a=b=c; path=/x")
		require.NoError(t, err)
		assert.Equal(t, "token", cookie.Name)
		assert.Equal(t, "a=b=c", cookie.Value)
		assert.Equal(t, "/x", cookie.Path)
	})

	t.Run("leading Set-Cookie label is stripped", func(t *testing.T) {
		cookie, err := FromString("Set-Cookie: thing=stuff; domain=.example.com")
		require.NoError(t, err)
		assert.Equal(t, "thing", cookie.Name)
		assert.Equal(t, ".example.com", cookie.Domain)
	})

	t.Run("attribute keys tolerate spelling variants", func(t *testing.T) {
		cookie, err := FromString("a=b; Expiry=1700000000000; HttpOnly")
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000000), cookie.Expires)
		assert.True(t, cookie.HTTPOnly)

		cookie, err = FromString("a=b; expires=Wed, 21 Oct 2065 07:28:00 GMT")
		require.NoError(t, err)
		assert.Positive(t, cookie.Expires)
	})

	t.Run("unparseable input", func(t *testing.T) {
		_, err := FromString("")
		require.ErrorIs(t, err, ErrUnparseable)
		_, err = FromString("no-equals-here")
		require.ErrorIs(t, err, ErrUnparseable)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	original := &Cookie{
		Name:     "session",
		Value:    "abc123",
		Expires:  1890000000000,
		Path:     "/app",
		Domain:   ".example.com",
		HTTPOnly: true,
	}

	parsed, err := FromString(original.SetCookieString())
	require.NoError(t, err)
	assert.Equal(t, original.Name, parsed.Name)
	assert.Equal(t, original.Value, parsed.Value)
	assert.Equal(t, original.Expires, parsed.Expires)
	assert.Equal(t, original.Path, parsed.Path)
	assert.Equal(t, original.Domain, parsed.Domain)
	assert.Equal(t, original.HTTPOnly, parsed.HTTPOnly)
}

func TestExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()

	session := &Cookie{Name: "a", Expires: SessionExpiry}
	assert.False(t, session.Expired(now))

	past := &Cookie{Name: "b", Expires: now.Add(-time.Hour).UnixMilli()}
	assert.True(t, past.Expired(now))

	future := &Cookie{Name: "c", Expires: now.Add(time.Hour).UnixMilli()}
	assert.False(t, future.Expired(now))
}

func TestMatchDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		stored    string
		candidate string
		want      bool
	}{
		{"wildcard matches all", "*", "anything.example.com", true},
		{"exact match", "example.com", "example.com", true},
		{"stored suffix of candidate", "example.com", "sub.example.com", true},
		{"leading dot ignored", ".example.com", "sub.example.com", true},
		{"candidate suffix of stored does not widen scope", "sub.example.com", "example.com", false},
		{"unrelated domains", "example.com", "example.org", false},
		{"suffix must break on a label", "ample.com", "example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cookie := &Cookie{Name: "x", Domain: tt.stored}
			assert.Equal(t, tt.want, cookie.MatchDomain(tt.candidate))
		})
	}
}

func TestMatchPath(t *testing.T) {
	t.Parallel()

	cookie := &Cookie{Name: "x", Path: "/app"}
	assert.True(t, cookie.MatchPath("/app"))
	assert.True(t, cookie.MatchPath("/app/deeper"))
	assert.False(t, cookie.MatchPath("/other"))

	empty := &Cookie{Name: "x", Path: ""}
	assert.True(t, empty.MatchPath("/anything"))
}
