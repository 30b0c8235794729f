package inbox

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestUserIDFromToken(t *testing.T) {
	t.Run("userId claim", func(t *testing.T) {
		id, err := UserIDFromToken(signToken(t, jwt.MapClaims{"userId": "U1"}))
		require.NoError(t, err)
		require.Equal(t, "U1", id)
	})

	t.Run("bearer prefix and id claim", func(t *testing.T) {
		id, err := UserIDFromToken("Bearer " + signToken(t, jwt.MapClaims{"id": "U2"}))
		require.NoError(t, err)
		require.Equal(t, "U2", id)
	})

	t.Run("subject fallback", func(t *testing.T) {
		id, err := UserIDFromToken(signToken(t, jwt.MapClaims{"sub": "U3"}))
		require.NoError(t, err)
		require.Equal(t, "U3", id)
	})

	t.Run("no identity", func(t *testing.T) {
		_, err := UserIDFromToken(signToken(t, jwt.MapClaims{"role": "buyer"}))
		require.ErrorIs(t, err, ErrNoSession)

		_, err = UserIDFromToken("")
		require.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := UserIDFromToken("not-a-jwt")
		require.Error(t, err)
	})
}

func TestStaticSessionInvalidate(t *testing.T) {
	calls := 0
	s := NewStaticSession("U1", "tok", func() { calls++ })

	s.Invalidate()
	s.Invalidate()

	require.Equal(t, 1, calls)
	require.True(t, s.Invalidated())
	require.Equal(t, "", s.UserID())
	require.Equal(t, "", s.Token())
}

func TestNewTokenSession(t *testing.T) {
	s, err := NewTokenSession(signToken(t, jwt.MapClaims{"_id": "U9"}), nil)
	require.NoError(t, err)
	require.Equal(t, "U9", s.UserID())
}
