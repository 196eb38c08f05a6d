package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http2"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// maxResponseBody bounds how much of a collector reply is kept.
const maxResponseBody = 64 << 10

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Endpoint is the collector URL records are POSTed to.
	Endpoint string

	// Timeout bounds a single request. Default: 10s.
	Timeout time.Duration

	// JWTSecret, when set, signs an HS256 bearer token per request.
	JWTSecret string

	// Issuer is the token subject and issuer, usually the node's self id.
	Issuer string

	// TokenTTL is the bearer token lifetime. Default: 1m.
	TokenTTL time.Duration

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// HTTPTransport POSTs each record as JSON.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

// NewHTTPTransport creates an HTTP transport. The default client negotiates
// HTTP/2 with TLS collectors and falls back to HTTP/1.1.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, perrors.InvalidConfig("http transport requires an endpoint")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}

	client := cfg.Client
	if client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(base); err != nil {
			return nil, perrors.Wrap(err, "configure http2")
		}
		client = &http.Client{Transport: base, Timeout: cfg.Timeout}
	}

	t := &HTTPTransport{
		endpoint: cfg.Endpoint,
		client:   client,
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
		now:      time.Now,
	}
	if cfg.JWTSecret != "" {
		t.secret = []byte(cfg.JWTSecret)
	}
	return t, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, rec Record) (*Response, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, perrors.WrapWithCode(err, perrors.ErrCodeInvalidInput, "encode record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, perrors.InvalidConfig("build request", perrors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	if t.secret != nil {
		token, err := t.sign()
		if err != nil {
			return nil, perrors.Wrap(err, "sign bearer token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, perrors.TransportFailed(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, perrors.TransportFailed(err, perrors.WithStatus(resp.StatusCode))
	}

	out := &Response{StatusCode: resp.StatusCode}
	if json.Valid(body) {
		out.Body = body
	}
	return out, nil
}

// sign issues a short-lived token identifying this node.
func (t *HTTPTransport) sign() (string, error) {
	now := t.now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   t.issuer,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
