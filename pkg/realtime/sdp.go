package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SDPExchanger submits a local offer to the model endpoint and returns the
// answer SDP.
type SDPExchanger interface {
	Exchange(ctx context.Context, model string, credential *Credential, offer string) (string, error)
}

// HTTPSDPExchanger does the one-shot POST of the offer.
type HTTPSDPExchanger struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSDPExchanger(baseURL string) *HTTPSDPExchanger {
	if baseURL == "" {
		baseURL = DefaultRealtimeURL
	}
	return &HTTPSDPExchanger{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "sdp exchange " + r.URL.Path
				}),
			),
		},
	}
}

func (x *HTTPSDPExchanger) Exchange(ctx context.Context, model string, credential *Credential, offer string) (string, error) {
	u, err := url.Parse(x.baseURL)
	if err != nil {
		return "", NewNegotiationError("invalid realtime endpoint", err).AddDetail("endpoint", x.baseURL)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", NewNegotiationError("failed to build SDP request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential.Value)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", NewNegotiationError("SDP exchange failed", err).AddDetail("endpoint", u.Host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewNegotiationError("failed to read SDP answer", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", NewNegotiationError(fmt.Sprintf("SDP exchange returned %d", resp.StatusCode), nil).
			AddDetail("status_code", resp.StatusCode).
			AddDetail("body", truncate(msg, 200))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", NewNegotiationError("empty SDP answer", nil)
	}
	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
