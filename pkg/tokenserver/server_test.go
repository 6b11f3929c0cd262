package tokenserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

func init() {
	realtime.SetGlobalLogger(realtime.NopLogger())
}

func newUpstream(t *testing.T, status int, reply string) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func doToken(t *testing.T, s *Server, query string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/token?"+query, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, s.Token(c))
	return rec
}

func TestTokenRelaysUpstreamSession(t *testing.T) {
	upstream, got := newUpstream(t, http.StatusOK, `{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1734000000}}`)
	s := NewServer(Config{APIKey: "sk-test", UpstreamURL: upstream.URL})

	rec := doToken(t, s, "model=gpt-4o-realtime-preview-2024-12-17&voice=verse&instructions=Be+kind")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1734000000}}`, rec.Body.String())

	assert.Equal(t, "gpt-4o-realtime-preview-2024-12-17", (*got)["model"])
	assert.Equal(t, "verse", (*got)["voice"])
	assert.Equal(t, "Be kind", (*got)["instructions"])
	assert.Equal(t, map[string]interface{}{"model": "whisper-1"}, (*got)["input_audio_transcription"])
	assert.Equal(t, []interface{}{"text", "audio"}, (*got)["modalities"])
}

func TestTokenMissingInstructionsSendsEmpty(t *testing.T) {
	upstream, got := newUpstream(t, http.StatusOK, `{"client_secret":{"value":"ek"}}`)
	s := NewServer(Config{APIKey: "sk-test", UpstreamURL: upstream.URL})

	rec := doToken(t, s, "model=m&voice=alloy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", (*got)["instructions"])
}

func TestTokenValidation(t *testing.T) {
	s := NewServer(Config{APIKey: "sk-test", UpstreamURL: "http://127.0.0.1:1"})
	assert.Equal(t, http.StatusBadRequest, doToken(t, s, "voice=verse").Code)
	assert.Equal(t, http.StatusBadRequest, doToken(t, s, "model=m").Code)
}

func TestTokenUpstreamFailure(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key"}}`)
	s := NewServer(Config{APIKey: "sk-test", UpstreamURL: upstream.URL})

	rec := doToken(t, s, "model=m&voice=verse")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to get token")
}

func TestTokenWithoutAPIKey(t *testing.T) {
	s := NewServer(Config{UpstreamURL: "http://127.0.0.1:1"})
	rec := doToken(t, s, "model=m&voice=verse")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthRoute(t *testing.T) {
	e := NewEcho(NewServer(Config{}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestCredentialFetcherAgainstTokenServer(t *testing.T) {
	upstream, _ := newUpstream(t, http.StatusOK, `{"client_secret":{"value":"ek_live","expires_at":4102444800}}`)
	e := NewEcho(NewServer(Config{APIKey: "sk-test", UpstreamURL: upstream.URL}))
	srv := httptest.NewServer(e)
	defer srv.Close()

	cred, err := realtime.NewCredentialFetcher(srv.URL+"/token", nil).Fetch(t.Context(), realtime.DefaultSessionParams())
	require.NoError(t, err)
	assert.Equal(t, "ek_live", cred.Value)
	assert.Equal(t, int64(4102444800), cred.ExpiresAt.Unix())
}
