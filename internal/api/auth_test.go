package api

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

func TestNewTokenAuthority_RequiresSecret(t *testing.T) {
	_, err := NewTokenAuthority("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestTokenAuthority_IssueAndValidate(t *testing.T) {
	authority, err := NewTokenAuthority("secret")
	require.NoError(t, err)

	token, err := authority.Issue("operator", time.Hour)
	require.NoError(t, err)

	claims, err := authority.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
}

func TestTokenAuthority_RejectsExpired(t *testing.T) {
	authority, err := NewTokenAuthority("secret")
	require.NoError(t, err)

	token, err := authority.Issue("operator", -time.Minute)
	require.NoError(t, err)

	_, err = authority.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenAuthority_RejectsOtherSecret(t *testing.T) {
	issuer, _ := NewTokenAuthority("one")
	verifier, _ := NewTokenAuthority("two")

	token, err := issuer.Issue("operator", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenAuthority_RejectsNoneAlgorithm(t *testing.T) {
	authority, _ := NewTokenAuthority("secret")

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "operator"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = authority.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authority, _ := NewTokenAuthority("secret")
	valid, err := authority.Issue("operator", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.token", http.StatusUnauthorized},
		{"valid token", "Bearer " + valid, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/private", AuthMiddleware(authority), func(c *gin.Context) {
				c.String(http.StatusOK, c.GetString("subject"))
			})

			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "operator", w.Body.String())
			}
		})
	}
}
