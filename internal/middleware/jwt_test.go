package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, JWTClaims{
		UserID:      "alice",
		DisplayName: "Alice",
		MeetingID:   "m1",
		IsHost:      true,
	}, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, "m1", claims.MeetingID)
	assert.True(t, claims.IsHost)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestParseToken_Rejects(t *testing.T) {
	wrongSecret, err := IssueToken("other", JWTClaims{UserID: "alice"}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, JWTClaims{UserID: "alice"}, -time.Minute)
	require.NoError(t, err)
	noUser, err := IssueToken(secret, JWTClaims{}, time.Hour)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", wrongSecret},
		{"expired", expired},
		{"no user", noUser},
		{"unsigned", unsigned},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestPeekClaims(t *testing.T) {
	token, err := IssueToken("server-only", JWTClaims{UserID: "bob", MeetingID: "m1"}, time.Hour)
	require.NoError(t, err)

	claims, err := PeekClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.UserID)
	assert.Equal(t, "m1", claims.MeetingID)
	assert.False(t, claims.IsHost)

	_, err = PeekClaims("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":      c.GetString(ContextUserID),
			"display_name": c.GetString(ContextDisplayName),
		})
	})

	token, err := IssueToken(secret, JWTClaims{UserID: "alice", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.JSONEq(t, `{"user_id":"alice","display_name":"Alice"}`, w.Body.String())
			}
		})
	}
}
