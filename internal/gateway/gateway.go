// Package gateway adapts the compliance authority's intake endpoint.
//
// Transmit performs one attempt and reports everything needed to append the
// request and response verbatim to the remittance communication log, even
// when the attempt fails before a response arrives.
package gateway

import (
	"context"
	"time"

	"fiscalbridge/pkg/domain"
)

// Request is one transmission attempt of a remittance payload.
type Request struct {
	RemittanceID domain.RemittanceID
	UnitCode     string
	Environment  string
	Module       string
	Competency   string
	Payload      []byte
	// Credentials are the unit's opened credentials for Environment.
	Credentials map[string]string
}

// Result describes an attempt. Method, URL and the request side are filled
// whenever a request was built; the response side only when one arrived.
type Result struct {
	Success         bool
	Protocol        string
	StatusCode      int
	ResponseBody    string
	ResponseHeaders map[string]string
	Duration        time.Duration

	Method         string
	URL            string
	RequestHeaders map[string]string
	RequestBody    string
}

// DurationMs reports the attempt duration in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Gateway transmits remittance payloads to the authority.
type Gateway interface {
	// Transmit returns a non-nil error when no usable response was obtained
	// (timeout, network failure, open circuit). A response that the authority
	// rejected is reported with Success=false and a nil error.
	Transmit(ctx context.Context, req Request) (Result, error)
}
