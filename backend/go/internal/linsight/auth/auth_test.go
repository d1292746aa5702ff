package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/backend/go/internal/models"
)

func TestIssueAndParse(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("u1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestParse_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	other, err := NewVerifier("other").Issue("u1", time.Hour)
	require.NoError(t, err)
	_, err = v.Parse(other)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Parse(expired)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iat": 1}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Parse(noSub)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestParse_NumericSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": 42}).SignedString([]byte("secret"))
	require.NoError(t, err)
	userID, err := NewVerifier("secret").Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=q", nil)
	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "q", token)

	r.Header.Set("Authorization", "Bearer h")
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "h", token)

	r.Header.Set("Authorization", "Basic h")
	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = TokenFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewVerifier("secret")
	r := gin.New()
	r.GET("/me", v.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := v.Issue("u1", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}
