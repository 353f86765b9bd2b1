package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// Responder decides the outcome of a stubbed attempt.
type Responder func(ctx context.Context, req Request) (Result, error)

// Stub is an in-process gateway for development and tests. By default every
// attempt succeeds with a generated protocol number.
type Stub struct {
	mu        sync.Mutex
	responder Responder
	calls     []Request
	now       func() time.Time
}

func NewStub() *Stub {
	s := &Stub{now: time.Now}
	s.responder = s.accept
	return s
}

// Respond replaces the responder; nil restores the default.
func (s *Stub) Respond(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		r = s.accept
	}
	s.responder = r
}

// Calls returns every request received so far.
func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

func (s *Stub) Transmit(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	responder := s.responder
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return stubRequest(req), NewError(ErrorTimeout, "stub attempt cancelled", err)
	}
	return responder(ctx, req)
}

func (s *Stub) accept(_ context.Context, req Request) (Result, error) {
	protocol := fmt.Sprintf("TCE-%d-%06d", s.now().Year(), rand.IntN(1_000_000))
	return Accepted(req, protocol), nil
}

// Accepted builds a successful stub result carrying protocol.
func Accepted(req Request, protocol string) Result {
	res := stubRequest(req)
	res.Success = true
	res.Protocol = protocol
	res.StatusCode = http.StatusOK
	res.ResponseBody = fmt.Sprintf(`{"protocol":%q}`, protocol)
	res.ResponseHeaders = map[string]string{"Content-Type": "application/json"}
	res.Duration = time.Millisecond
	return res
}

// Rejected builds a stub result where the authority refused the payload.
func Rejected(req Request, status int, body string) Result {
	res := stubRequest(req)
	res.StatusCode = status
	res.ResponseBody = body
	res.ResponseHeaders = map[string]string{"Content-Type": "application/json"}
	res.Duration = time.Millisecond
	return res
}

func stubRequest(req Request) Result {
	return Result{
		Method: http.MethodPost,
		URL:    "stub://authority" + submitPath,
		RequestHeaders: map[string]string{
			"Content-Type":    "application/json",
			"X-Unit-Code":     req.UnitCode,
			"X-Remittance-ID": req.RemittanceID.String(),
		},
		RequestBody: string(req.Payload),
	}
}
