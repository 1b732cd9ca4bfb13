// Package exchange sends a user utterance to the remote assistant endpoint and
// returns its reply.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FallbackReply is returned when the endpoint answers without a reply text.
const FallbackReply = "Tidak ada balasan."

const actionSendMessage = "sendMessage"

var ErrExchangeFailed = errors.New("exchange failed")

type Exchanger interface {
	Exchange(ctx context.Context, sessionID, text string) (string, error)
}

type ExchangerFunc func(ctx context.Context, sessionID, text string) (string, error)

func (f ExchangerFunc) Exchange(ctx context.Context, sessionID, text string) (string, error) {
	return f(ctx, sessionID, text)
}

type Settings struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type request struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
	ChatInput string `json:"chatInput"`
}

type response struct {
	AIResponse *string `json:"aiResponse"`
}

// HTTPClient posts requests to a webhook-style endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient validates the endpoint. A zero timeout leaves the transport
// default in place.
func NewHTTPClient(s Settings) (*HTTPClient, error) {
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		return nil, errors.New("exchange endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "invalid exchange endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("exchange endpoint must be http(s), got %q", u.Scheme)
	}
	return &HTTPClient{
		endpoint: u.String(),
		client:   &http.Client{Timeout: s.Timeout},
	}, nil
}

func (c *HTTPClient) Endpoint() string { return c.endpoint }

func (c *HTTPClient) Exchange(ctx context.Context, sessionID, text string) (string, error) {
	body, err := json.Marshal([]request{{
		SessionID: sessionID,
		Action:    actionSendMessage,
		ChatInput: text,
	}})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal exchange request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(ErrExchangeFailed, err.Error())
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	logger := log.With().Str("component", "exchange").Str("session_id", sessionID).Str("request_id", requestID).Logger()
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("exchange request failed")
		return "", errors.Wrap(ErrExchangeFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(ErrExchangeFailed, "read response body: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn().Int("status", resp.StatusCode).Msg("exchange endpoint returned an error status")
		return "", errors.Wrapf(ErrExchangeFailed, "HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
	}

	reply, err := ParseReply(respBody)
	if err != nil {
		logger.Warn().Err(err).Msg("exchange endpoint returned an unparsable body")
		return "", err
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Int("reply_len", len(reply)).Msg("exchange completed")
	return reply, nil
}

// ParseReply extracts the reply text from a response body: a JSON array whose
// first element carries aiResponse, or a bare object. An empty array or a
// missing/empty aiResponse yields FallbackReply.
func ParseReply(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.Wrap(ErrExchangeFailed, "empty response body")
	}

	var first response
	switch trimmed[0] {
	case '[':
		var items []response
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return "", errors.Wrapf(ErrExchangeFailed, "decode response: %v", err)
		}
		if len(items) == 0 {
			return FallbackReply, nil
		}
		first = items[0]
	case '{':
		if err := json.Unmarshal(trimmed, &first); err != nil {
			return "", errors.Wrapf(ErrExchangeFailed, "decode response: %v", err)
		}
	default:
		return "", errors.Wrap(ErrExchangeFailed, "response is not JSON")
	}

	if first.AIResponse == nil || *first.AIResponse == "" {
		return FallbackReply, nil
	}
	return *first.AIResponse, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
