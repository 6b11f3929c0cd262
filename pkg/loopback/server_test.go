package loopback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

func init() {
	realtime.SetGlobalLogger(realtime.NopLogger())
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(Config{Secret: []byte("test-secret")})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestTokenIssuesVerifiableCredential(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/token?model=m1&voice=alloy", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, s.Token(e.NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Model        string `json:"model"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "m1", body.Model)
	assert.NotEmpty(t, body.ClientSecret.Value)
	assert.InDelta(t, time.Now().Add(DefaultTokenTTL).Unix(), body.ClientSecret.ExpiresAt, 2)

	claims, err := s.VerifyToken(body.ClientSecret.Value)
	require.NoError(t, err)
	assert.Equal(t, "m1", claims.Model)
	assert.Equal(t, "alloy", claims.Voice)
}

func TestVerifyTokenRejects(t *testing.T) {
	s := newTestServer(t)

	other, err := NewServer(Config{Secret: []byte("other-secret")})
	require.NoError(t, err)
	foreign, _, err := other.IssueToken("m", "verse")
	require.NoError(t, err)
	_, err = s.VerifyToken(foreign)
	assert.Error(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = s.VerifyToken(expired)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.VerifyToken(none)
	assert.Error(t, err)
}

func TestOfferRequiresBearer(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()

	for _, auth := range []string{"", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/realtime?model=m", strings.NewReader("v=0"))
		req.Header.Set("Content-Type", "application/sdp")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		require.NoError(t, s.Offer(e.NewContext(req, rec)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
	}
}

func TestOfferRejectsEmptyBody(t *testing.T) {
	s := newTestServer(t)
	token, _, err := s.IssueToken("m", "verse")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/realtime?model=m", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	require.NoError(t, s.Offer(echo.New().NewContext(req, rec)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownSession(t *testing.T) {
	s := newTestServer(t)
	e := NewEcho(s)

	req := httptest.NewRequest(http.MethodPost, "/session/stop/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type recorder struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (r *recorder) send(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func newRecordingPeer(t *testing.T) (*peer, *recorder) {
	t.Helper()
	s := newTestServer(t)
	p, err := s.newPeer("m", "verse")
	require.NoError(t, err)
	t.Cleanup(p.close)
	rec := &recorder{}
	p.send = rec.send
	return p, rec
}

func TestPeerRepliesToTextTurn(t *testing.T) {
	p, rec := newRecordingPeer(t)

	item, err := json.Marshal(realtime.NewUserTextItem("hello").WithID("ev_1"))
	require.NoError(t, err)
	p.handle(item)
	create, err := json.Marshal(realtime.ResponseCreate{EventID: "ev_2"})
	require.NoError(t, err)
	p.handle(create)

	assert.Equal(t, []string{
		"conversation.item.created",
		"response.created",
		"response.text.delta",
		"response.done",
	}, rec.types())

	// the final frame must interpret to one AI turn with the echoed text
	last, err := json.Marshal(rec.frames[len(rec.frames)-1])
	require.NoError(t, err)
	evt, err := realtime.ParseServerEvent(last)
	require.NoError(t, err)
	turns := realtime.Interpret(evt, time.Now())
	require.Len(t, turns, 1)
	assert.Equal(t, realtime.RoleAI, turns[0].Role)
	assert.Equal(t, "received: hello", turns[0].Text)
}

func TestPeerReportsMalformedEvents(t *testing.T) {
	p, rec := newRecordingPeer(t)

	p.handle([]byte(`{oops`))
	p.handle([]byte(`{"type":"conversation.item.create"}`))
	p.handle([]byte(`{"type":"input_audio_buffer.clear"}`))

	assert.Equal(t, []string{"error", "error"}, rec.types())
}

func TestPeerEchoesSessionUpdate(t *testing.T) {
	p, rec := newRecordingPeer(t)

	data, err := json.Marshal(realtime.SessionUpdate{Session: realtime.SessionOptions{Instructions: "be brief"}})
	require.NoError(t, err)
	p.handle(data)

	require.Equal(t, []string{"session.updated"}, rec.types())
	session, _ := rec.frames[0]["session"].(map[string]interface{})
	assert.Equal(t, "be brief", session["instructions"])
}

// TestSessionEndToEnd negotiates a real peer connection against the loopback
// server and exchanges one text turn.
func TestSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}

	s := newTestServer(t)
	srv := httptest.NewServer(NewEcho(s))
	defer srv.Close()

	config := realtime.NewConfig()
	config.TokenEndpoint = srv.URL + "/token"
	config.RealtimeURL = srv.URL + "/v1/realtime"
	config.NegotiationTimeout = 10 * time.Second

	negotiator, err := realtime.NewWebRTCNegotiator(config, nil, nil, nil)
	require.NoError(t, err)
	session := realtime.NewSession(config, realtime.NewCredentialFetcher(config.TokenEndpoint, nil), negotiator)
	defer session.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, session.Start(ctx))
	require.NoError(t, session.WaitActive(ctx))
	assert.Equal(t, 1, s.SessionCount())

	require.NoError(t, session.SendTextMessage("hello"))

	require.Eventually(t, func() bool {
		for _, turn := range session.Messages() {
			if turn.Role == realtime.RoleAI && turn.Text == "received: hello" {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	session.Stop()
	assert.False(t, session.IsActive())
	assert.Nil(t, session.Link())
}
