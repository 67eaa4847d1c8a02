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

const testSecret = "test-secret"

func sign(t *testing.T, secret, typ string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func newRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("userId")) })
	return r
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter(testSecret)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing token", "", "", http.StatusUnauthorized},
		{"bearer header", "Bearer " + sign(t, testSecret, "access", time.Minute), "", http.StatusOK},
		{"lowercase bearer", "bearer " + sign(t, testSecret, "access", time.Minute), "", http.StatusOK},
		{"query token", "", sign(t, testSecret, "access", time.Minute), http.StatusOK},
		{"wrong secret", "Bearer " + sign(t, "other", "access", time.Minute), "", http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, testSecret, "access", -time.Minute), "", http.StatusUnauthorized},
		{"refresh token", "Bearer " + sign(t, testSecret, "refresh", time.Minute), "", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := "/ping"
			if tc.query != "" {
				path += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Equal(t, "user-1", w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_DisabledWithoutSecret(t *testing.T) {
	r := newRouter("")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
