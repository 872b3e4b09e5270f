package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator(testSecret, "dues-engine")

	token, err := a.Issue(dues.Actor{ID: "admin-1", Role: dues.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	actor, err := a.Parse(token)

	require.NoError(t, err)
	assert.Equal(t, dues.Actor{ID: "admin-1", Role: dues.RoleAdmin}, actor)
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator(testSecret, "dues-engine")
	now := time.Date(2025, 12, 5, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	expired, err := a.Issue(dues.Actor{ID: "m1", Role: dues.RoleMember}, time.Minute)
	require.NoError(t, err)

	system, err := a.Issue(dues.SystemActor, time.Hour)
	require.NoError(t, err)

	other := NewAuthenticator("another-secret-of-sufficient-length!!", "dues-engine")
	other.now = a.now
	forged, err := other.Issue(dues.Actor{ID: "m1", Role: dues.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	wrongIssuer := NewAuthenticator(testSecret, "someone-else")
	wrongIssuer.now = a.now
	foreign, err := wrongIssuer.Issue(dues.Actor{ID: "m1", Role: dues.RoleMember}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "m1", "role": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"system role", system},
		{"wrong secret", forged},
		{"wrong issuer", foreign},
		{"alg none", none},
		{"garbage", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Parse(tt.token)
			assert.Error(t, err)
		})
	}
}
