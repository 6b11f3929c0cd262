package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialFetcher(t *testing.T) {
	expires := time.Now().Add(time.Minute).Unix()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, DefaultModel, r.URL.Query().Get("model"))
		assert.Equal(t, "verse", r.URL.Query().Get("voice"))
		assert.Equal(t, "Be terse.", r.URL.Query().Get("instructions"))
		assert.Equal(t, "demo", r.Header.Get("X-App"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_123","expires_at":` + strconv.FormatInt(expires, 10) + `}}`))
	}))
	defer srv.Close()

	fetcher := NewCredentialFetcher(srv.URL+"/token", map[string]string{"X-App": "demo"})
	params := DefaultSessionParams()
	params.Instructions = "Be terse."

	cred, err := fetcher.Fetch(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "ek_123", cred.Value)
	assert.Equal(t, expires, cred.ExpiresAt.Unix())
	assert.Greater(t, cred.TTL(), time.Duration(0))
}

func TestCredentialFetcherFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"not json", http.StatusOK, `<html>`},
		{"missing secret", http.StatusOK, `{"id":"sess_1"}`},
		{"empty value", http.StatusOK, `{"client_secret":{"value":""}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewCredentialFetcher(srv.URL, nil).Fetch(context.Background(), DefaultSessionParams())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCredential)
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewCredentialFetcher(url, nil).Fetch(context.Background(), DefaultSessionParams())
		assert.ErrorIs(t, err, ErrCredential)
	})
}

func TestParseCredentialJWTExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Second).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("secret"))
	require.NoError(t, err)

	cred, err := parseCredential([]byte(`{"client_secret":{"value":"` + token + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, exp.Unix(), cred.ExpiresAt.Unix())

	cred, err = parseCredential([]byte(`{"client_secret":{"value":"ek_opaque"}}`))
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.IsZero())
	assert.Equal(t, time.Duration(0), cred.TTL())
}
