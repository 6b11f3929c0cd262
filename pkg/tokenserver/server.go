// Package tokenserver is the trusted backend that turns the server's API key
// into short-lived realtime credentials for clients.
package tokenserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

const (
	DefaultUpstreamURL        = "https://api.openai.com/v1/realtime/sessions"
	DefaultTranscriptionModel = "whisper-1"
)

type Config struct {
	APIKey             string
	UpstreamURL        string
	TranscriptionModel string
	Timeout            time.Duration
}

// ConfigFromEnv reads OPENAI_API_KEY.
func ConfigFromEnv() Config {
	return Config{
		APIKey:             os.Getenv("OPENAI_API_KEY"),
		UpstreamURL:        DefaultUpstreamURL,
		TranscriptionModel: DefaultTranscriptionModel,
		Timeout:            30 * time.Second,
	}
}

// Server handles credential requests.
type Server struct {
	config     Config
	httpClient *http.Client
	logger     *realtime.Logger
}

func NewServer(config Config) *Server {
	if config.UpstreamURL == "" {
		config.UpstreamURL = DefaultUpstreamURL
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = DefaultTranscriptionModel
	}
	return &Server{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: realtime.GetGlobalLogger().WithComponent("TokenServer"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/token", s.Token)
	e.GET("/health", s.Health)
}

// NewEcho builds an echo instance with the token routes and the usual
// middleware. Browsers call /token cross-origin, hence CORS.
func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	s.RegisterRoutes(e)
	return e
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type sessionRequest struct {
	Model                   string                        `json:"model"`
	Voice                   string                        `json:"voice"`
	Instructions            string                        `json:"instructions"`
	InputAudioTranscription realtime.TranscriptionOptions `json:"input_audio_transcription"`
	Modalities              []string                      `json:"modalities"`
}

// Token mints an upstream realtime session and relays its JSON, which carries
// client_secret.value.
func (s *Server) Token(c echo.Context) error {
	model := c.QueryParam("model")
	voice := c.QueryParam("voice")
	if model == "" || voice == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "model and voice are required"})
	}
	if s.config.APIKey == "" {
		s.logger.Error("OPENAI_API_KEY is not set")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get token: server has no API key"})
	}

	body, err := json.Marshal(sessionRequest{
		Model:                   model,
		Voice:                   voice,
		Instructions:            c.QueryParam("instructions"),
		InputAudioTranscription: realtime.TranscriptionOptions{Model: s.config.TranscriptionModel},
		Modalities:              []string{realtime.ContentTypeText, realtime.ContentTypeAudio},
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	payload, err := s.createSession(c.Request(), body)
	if err != nil {
		s.logger.WithError(err).WithField("model", model).Error("Upstream session request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Failed to get token: %v", err)})
	}

	s.logger.WithFields(map[string]interface{}{"model": model, "voice": voice}).Info("Credential issued")
	return c.JSONBlob(http.StatusOK, payload)
}

func (s *Server) createSession(r *http.Request, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.config.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("upstream returned invalid JSON")
	}
	return payload, nil
}
