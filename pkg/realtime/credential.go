package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Credential is the ephemeral key authorizing one negotiation.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// TTL is zero when the expiry is unknown or already past.
func (c *Credential) TTL() time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	if ttl := time.Until(c.ExpiresAt); ttl > 0 {
		return ttl
	}
	return 0
}

type credentialResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CredentialSource is anything that can produce a credential for a session.
type CredentialSource interface {
	Fetch(ctx context.Context, params SessionParams) (*Credential, error)
}

// CredentialFetcher asks the trusted backend for a short-lived credential.
type CredentialFetcher struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	logger     *Logger
}

func NewCredentialFetcher(endpoint string, headers map[string]string) *CredentialFetcher {
	return &CredentialFetcher{
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "credential " + r.URL.Path
				}),
			),
		},
		logger: GetGlobalLogger().WithComponent("CredentialFetcher"),
	}
}

// Fetch performs one GET; there is no retry.
func (cf *CredentialFetcher) Fetch(ctx context.Context, params SessionParams) (*Credential, error) {
	u, err := url.Parse(cf.endpoint)
	if err != nil {
		return nil, NewCredentialError("invalid token endpoint", err).AddDetail("endpoint", cf.endpoint)
	}
	q := u.Query()
	q.Set("model", params.Model)
	q.Set("voice", string(params.Voice))
	q.Set("instructions", params.Instructions)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, NewCredentialError("failed to build token request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range cf.headers {
		req.Header.Set(k, v)
	}

	resp, err := cf.httpClient.Do(req)
	if err != nil {
		return nil, NewCredentialError("token endpoint unreachable", err).AddDetail("endpoint", cf.endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewCredentialError("failed to read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewCredentialError(fmt.Sprintf("token endpoint returned %s", resp.Status), nil).
			AddDetail("status_code", resp.StatusCode)
	}

	cred, err := parseCredential(body)
	if err != nil {
		return nil, err
	}

	cf.logger.WithField("model", params.Model).WithField("ttl", cred.TTL().String()).Debug("Credential issued")
	return cred, nil
}

func parseCredential(body []byte) (*Credential, error) {
	var data credentialResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, NewCredentialError("malformed token response", err)
	}
	if data.ClientSecret == nil || data.ClientSecret.Value == "" {
		return nil, NewCredentialError("malformed token response", errors.New("client_secret.value missing"))
	}

	cred := &Credential{Value: data.ClientSecret.Value}
	if data.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(data.ClientSecret.ExpiresAt, 0)
	} else if exp, ok := jwtExpiry(cred.Value); ok {
		cred.ExpiresAt = exp
	}
	return cred, nil
}

// jwtExpiry reads the exp claim of a JWT-shaped credential without verifying
// it. Opaque keys simply report no expiry.
func jwtExpiry(value string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}
