package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

// capture returns a handler that records the principal it was called with.
func capture() (http.Handler, func() (*Claims, bool)) {
	var (
		got   *Claims
		found bool
	)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return h, func() (*Claims, bool) { return got, found }
}

func TestNewHS256Validator(t *testing.T) {
	_, err := NewHS256Validator("")
	require.Error(t, err)

	v, err := NewHS256Validator(testSecret)
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestHS256Validator_Validate(t *testing.T) {
	v, err := NewHS256Validator(testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub":             "analyst",
			"securityContext": map[string]interface{}{"tenant": "acme"},
			"exp":             time.Now().Add(time.Hour).Unix(),
		})
		claims, err := v.Validate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "analyst", claims.Subject)
		assert.Equal(t, "acme", claims.SecurityContext["tenant"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "x"})
		_, err := v.Validate(ctx, tok)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
			"sub": "x",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		_, err := v.Validate(ctx, tok)
		require.Error(t, err)
	})

	t.Run("other algorithm", func(t *testing.T) {
		tok := signToken(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "x"})
		_, err := v.Validate(ctx, tok)
		require.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Validate(ctx, "not.a.jwt")
		require.Error(t, err)
	})
}

func TestAuth(t *testing.T) {
	v, err := NewHS256Validator(testSecret)
	require.NoError(t, err)
	tok := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "analyst"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"bearer token", "Bearer " + tok, http.StatusOK},
		{"raw token", tok, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, got := capture()
			req := httptest.NewRequest(http.MethodGet, "/v1/meta", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Auth(v)(next).ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			claims, found := got()
			if tt.want == http.StatusOK {
				require.True(t, found)
				assert.Equal(t, "analyst", claims.Subject)
				return
			}
			assert.False(t, found)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.InDelta(t, float64(401), body["code"], 0.001)
		})
	}
}

func TestAuth_NilValidatorIsOpen(t *testing.T) {
	next, got := capture()
	rec := httptest.NewRecorder()
	Auth(nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/meta", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	_, found := got()
	assert.False(t, found)
}
