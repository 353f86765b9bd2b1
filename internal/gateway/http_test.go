package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalbridge/pkg/domain"
)

const testSecret = "unit-secret"

func testRequest() Request {
	return Request{
		RemittanceID: domain.NewRemittanceID(),
		UnitCode:     "PM-001",
		Environment:  "STAGING",
		Module:       "CONTRACT",
		Competency:   "202401",
		Payload:      []byte(`{"header":{"unit_code":"PM-001"},"body":{"valor":300000}}`),
		Credentials: map[string]string{
			CredentialClientID:     "client-1",
			CredentialClientSecret: testSecret,
		},
	}
}

func newTestGateway(t *testing.T, handler http.HandlerFunc, cfg HTTPConfig) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.TokenIssuer == "" {
		cfg.TokenIssuer = "fiscalbridge"
	}
	return NewHTTPGateway(cfg, WithHTTPClient(srv.Client()))
}

func TestHTTPGateway_Success(t *testing.T) {
	req := testRequest()
	var gotAuth, gotUnit, gotBody string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, submitPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotUnit = r.Header.Get("X-Unit-Code")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"protocol":"TCE-2024-000456"}`))
	}, HTTPConfig{})

	res, err := g.Transmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "TCE-2024-000456", res.Protocol)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PM-001", gotUnit)
	assert.Equal(t, string(req.Payload), gotBody)
	assert.Equal(t, string(req.Payload), res.RequestBody)
	assert.Equal(t, redacted, res.RequestHeaders["Authorization"])

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(gotAuth, "Bearer "), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithAudience("STAGING"), jwt.WithIssuer("fiscalbridge"))
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestHTTPGateway_AcceptsPortugueseProtocolField(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"protocolo": "TCE-2024-000999"})
	}, HTTPConfig{})

	res, err := g.Transmit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "TCE-2024-000999", res.Protocol)
}

func TestHTTPGateway_Failures(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantErr      bool
		wantCategory ErrorCategory
	}{
		{name: "rejected payload is a result", status: http.StatusUnprocessableEntity, body: `{"message":"invalid competency"}`},
		{name: "refused credentials are a result", status: http.StatusUnauthorized, body: `{}`},
		{name: "outage", status: http.StatusServiceUnavailable, body: `down`, wantErr: true, wantCategory: ErrorOutage},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: true, wantCategory: ErrorRateLimited},
		{name: "accepted without protocol", status: http.StatusOK, body: `{}`, wantErr: true, wantCategory: ErrorBadResponse},
		{name: "accepted with garbage", status: http.StatusOK, body: `<html>`, wantErr: true, wantCategory: ErrorBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, HTTPConfig{})

			res, err := g.Transmit(context.Background(), testRequest())
			assert.False(t, res.Success)
			assert.Empty(t, res.Protocol)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.body, res.ResponseBody)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCategory, GetCategory(err))
		})
	}
}

func TestHTTPGateway_Timeout(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, HTTPConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := g.Transmit(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, ErrorTimeout, GetCategory(err))
	assert.True(t, IsRetryable(err))
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.URL)
}

func TestHTTPGateway_MissingCredentials(t *testing.T) {
	var hits atomic.Int32
	g := newTestGateway(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) }, HTTPConfig{})

	req := testRequest()
	req.Credentials = nil
	_, err := g.Transmit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, ErrorAuthentication, GetCategory(err))
	assert.Zero(t, hits.Load())
}

func TestHTTPGateway_BreakerOpensOnOutages(t *testing.T) {
	var hits atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, HTTPConfig{BreakerMaxFailures: 2, BreakerOpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := g.Transmit(context.Background(), testRequest())
		require.Error(t, err)
		assert.Equal(t, ErrorOutage, GetCategory(err))
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.Transmit(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, ErrorCircuitOpen, GetCategory(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPGateway_RejectionsDoNotTripBreaker(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}, HTTPConfig{BreakerMaxFailures: 1})

	for i := 0; i < 3; i++ {
		_, err := g.Transmit(context.Background(), testRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", g.BreakerState())
}

func TestStub(t *testing.T) {
	s := NewStub()
	req := testRequest()

	res, err := s.Transmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Regexp(t, `^TCE-\d{4}-\d{6}$`, res.Protocol)
	assert.Equal(t, string(req.Payload), res.RequestBody)

	s.Respond(func(_ context.Context, r Request) (Result, error) {
		return Rejected(r, http.StatusUnprocessableEntity, `{"message":"no"}`), nil
	})
	res, err = s.Transmit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, s.Calls(), 2)

	s.Respond(nil)
	res, err = s.Transmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
}
