package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Credential keys a unit must configure for HTTP transmission.
	CredentialClientID     = "client_id"
	CredentialClientSecret = "client_secret"

	submitPath       = "/v1/remittances"
	maxResponseBytes = 1 << 20
	tokenLifetime    = 5 * time.Minute
	redacted         = "[REDACTED]"
)

// HTTPConfig configures the authority client.
type HTTPConfig struct {
	BaseURL            string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	TokenIssuer        string
}

// HTTPGateway posts exchange documents to the authority behind a circuit
// breaker. Each request carries a short-lived HS256 bearer assertion signed
// with the unit's client secret.
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

type HTTPOption func(*HTTPGateway)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		g.client = c
	}
}

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(g *HTTPGateway) {
		g.logger = logger
	}
}

func WithClock(now func() time.Time) HTTPOption {
	return func(g *HTTPGateway) {
		g.now = now
	}
}

func NewHTTPGateway(cfg HTTPConfig, opts ...HTTPOption) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	g := &HTTPGateway{
		cfg:    cfg,
		tracer: otel.Tracer("fiscalbridge/gateway"),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          50,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		}
	}
	maxFailures := cfg.BreakerMaxFailures
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Rejections are the authority answering; only outages trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("gateway circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return g
}

// BreakerState exposes the circuit state for health reporting.
func (g *HTTPGateway) BreakerState() string {
	return g.breaker.State().String()
}

type submitResponse struct {
	Protocol  string `json:"protocol"`
	Protocolo string `json:"protocolo"`
	Message   string `json:"message"`
	Mensagem  string `json:"mensagem"`
}

func (g *HTTPGateway) Transmit(ctx context.Context, req Request) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Transmit", trace.WithAttributes(
		attribute.String("remittance.id", req.RemittanceID.String()),
		attribute.String("remittance.module", req.Module),
		attribute.String("unit.environment", req.Environment),
	))
	defer span.End()

	result := Result{
		Method:      http.MethodPost,
		URL:         strings.TrimRight(g.cfg.BaseURL, "/") + submitPath,
		RequestBody: string(req.Payload),
	}
	token, err := g.assertion(req)
	if err != nil {
		span.SetStatus(codes.Error, "credentials")
		return result, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, result.Method, result.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return result, NewError(ErrorInternal, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Unit-Code", req.UnitCode)
	httpReq.Header.Set("X-Remittance-ID", req.RemittanceID.String())
	result.RequestHeaders = flattenHeaders(httpReq.Header)

	start := g.now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := g.do(httpReq)
		if err != nil {
			return resp, classifyTransportErr(ctx, err)
		}
		return resp, nil
	})
	result.Duration = g.now().Sub(start)
	if resp, ok := out.(*rawResponse); ok && resp != nil {
		result.StatusCode = resp.status
		result.ResponseBody = resp.body
		result.ResponseHeaders = resp.headers
	}
	span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))

	if err != nil {
		err = classifyTransportErr(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(GetCategory(err)))
		if IsRetryable(err) {
			return result, err
		}
		// Rejections carry a response; report them as unsuccessful results.
		var ge *Error
		if errors.As(err, &ge) && result.StatusCode != 0 {
			return result, nil
		}
		return result, err
	}

	var parsed submitResponse
	if err := json.Unmarshal([]byte(result.ResponseBody), &parsed); err != nil {
		span.SetStatus(codes.Error, "bad response")
		return result, NewError(ErrorBadResponse, "authority response is not JSON", err)
	}
	protocol := strings.TrimSpace(parsed.Protocol)
	if protocol == "" {
		protocol = strings.TrimSpace(parsed.Protocolo)
	}
	if protocol == "" {
		span.SetStatus(codes.Error, "missing protocol")
		return result, NewError(ErrorBadResponse, "authority accepted the request without a protocol", nil)
	}
	result.Success = true
	result.Protocol = protocol
	span.SetStatus(codes.Ok, "")
	return result, nil
}

type rawResponse struct {
	status  int
	body    string
	headers map[string]string
}

// do performs the round trip. Non-2xx answers are returned together with an
// error so the breaker can count outages while the caller keeps the body.
func (g *HTTPGateway) do(req *http.Request) (*rawResponse, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(ErrorOutage, "failed to read response", err)
	}
	raw := &rawResponse{status: resp.StatusCode, body: string(body), headers: flattenHeaders(resp.Header)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return raw, NewError(ErrorRateLimited, "authority rate limited the request", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return raw, NewError(ErrorAuthentication, "authority refused unit credentials", nil)
	case resp.StatusCode >= 500:
		return raw, NewError(ErrorOutage, fmt.Sprintf("authority answered %d", resp.StatusCode), nil)
	default:
		return raw, NewError(ErrorRejected, fmt.Sprintf("authority rejected the payload with %d", resp.StatusCode), nil)
	}
}

func classifyTransportErr(ctx context.Context, err error) error {
	var ge *Error
	switch {
	case errors.As(err, &ge):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return NewError(ErrorCircuitOpen, "authority circuit is open", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewError(ErrorTimeout, "authority did not answer in time", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrorTimeout, "authority did not answer in time", err)
	}
	return NewError(ErrorOutage, "authority unreachable", err)
}

// assertion signs the bearer token presented to the authority.
func (g *HTTPGateway) assertion(req Request) (string, error) {
	clientID := req.Credentials[CredentialClientID]
	secret := req.Credentials[CredentialClientSecret]
	if clientID == "" || secret == "" {
		return "", NewError(ErrorAuthentication, "unit credentials need client_id and client_secret", nil)
	}
	now := g.now()
	claims := jwt.RegisteredClaims{
		Issuer:    g.cfg.TokenIssuer,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{req.Environment},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", NewError(ErrorInternal, "failed to sign assertion", err)
	}
	return signed, nil
}

// flattenHeaders joins multi-valued headers and redacts credentials.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "Authorization") {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}
