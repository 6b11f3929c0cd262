// Package loopback is a local stand-in for the hosted model. It issues signed
// credentials, answers SDP offers with its own peer connection and replies to
// text turns over the event channel, so sessions can be exercised offline.
package loopback

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pion/webrtc/v4"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

const (
	DefaultTokenTTL    = time.Minute
	DefaultReplyPrefix = "received: "
)

type Config struct {
	Secret      []byte
	TokenTTL    time.Duration
	ReplyPrefix string
}

// ConfigFromEnv reads VOCALS_RT_LOOPBACK_SECRET, generating a random secret
// when it is unset.
func ConfigFromEnv() Config {
	secret := os.Getenv("VOCALS_RT_LOOPBACK_SECRET")
	if secret == "" {
		secret = uuid.NewString()
	}
	return Config{
		Secret:      []byte(secret),
		TokenTTL:    DefaultTokenTTL,
		ReplyPrefix: DefaultReplyPrefix,
	}
}

type credentialClaims struct {
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
	jwt.RegisteredClaims
}

// Server answers offers with in-process peers.
type Server struct {
	config Config
	api    *webrtc.API
	logger *realtime.Logger

	mu    sync.Mutex
	peers map[string]*peer
}

func NewServer(config Config) (*Server, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("loopback secret is required")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	if config.ReplyPrefix == "" {
		config.ReplyPrefix = DefaultReplyPrefix
	}
	api, err := realtime.NewPCMUAPI()
	if err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		api:    api,
		logger: realtime.GetGlobalLogger().WithComponent("Loopback"),
		peers:  make(map[string]*peer),
	}, nil
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/token", s.Token)
	e.POST("/v1/realtime", s.Offer)
	e.POST("/session/stop/:session_id", s.Stop)
	e.GET("/health", s.Health)
}

func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	s.RegisterRoutes(e)
	return e
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.SessionCount(),
	})
}

// IssueToken signs a credential for model and voice.
func (s *Server) IssueToken(model, voice string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenTTL)
	claims := credentialClaims{
		Model: model,
		Voice: voice,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return value, expiresAt, nil
}

// VerifyToken checks signature and expiry of a credential.
func (s *Server) VerifyToken(value string) (*credentialClaims, error) {
	claims := &credentialClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid credential")
	}
	return claims, nil
}

// Token mirrors the shape of an upstream realtime session.
func (s *Server) Token(c echo.Context) error {
	model := c.QueryParam("model")
	if model == "" {
		model = realtime.DefaultModel
	}
	voice := c.QueryParam("voice")
	if voice == "" {
		voice = string(realtime.DefaultVoice)
	}

	value, expiresAt, err := s.IssueToken(model, voice)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":           "sess_" + uuid.NewString(),
		"object":       "realtime.session",
		"model":        model,
		"voice":        voice,
		"instructions": c.QueryParam("instructions"),
		"client_secret": map[string]interface{}{
			"value":      value,
			"expires_at": expiresAt.Unix(),
		},
	})
}

// Offer answers an SDP offer authorized by a bearer credential.
func (s *Server) Offer(c echo.Context) error {
	auth := c.Request().Header.Get("Authorization")
	value, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || value == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer credential"})
	}
	claims, err := s.VerifyToken(value)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing offer"})
	}

	model := c.QueryParam("model")
	if model == "" {
		model = claims.Model
	}

	p, err := s.newPeer(model, claims.Voice)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	answer, err := p.answer(c.Request().Context(), string(body))
	if err != nil {
		p.close()
		s.logger.WithError(err).Warn("Failed to answer offer")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{"session_id": p.id, "model": model}).Info("Session started")
	c.Response().Header().Set("X-Session-Id", p.id)
	return c.Blob(http.StatusCreated, "application/sdp", []byte(answer))
}

// Stop closes one peer by its session id.
func (s *Server) Stop(c echo.Context) error {
	id := c.Param("session_id")
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}
	p.close()
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close tears down every peer.
func (s *Server) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}
