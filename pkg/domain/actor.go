package domain

import (
	"strings"

	dErrors "fiscalbridge/pkg/domain-errors"
)

// Actor identifies who triggered a mutation. It is passed explicitly into
// every mutating service call so audit attribution never depends on ambient
// session state.
type Actor struct {
	ID    string `json:"id"`
	Agent string `json:"agent,omitempty"` // operator client, e.g. "Firefox 128 / Linux"
}

// SystemActor attributes transitions driven by the service itself.
var SystemActor = Actor{ID: "system"}

// NewActor validates an operator identity at a trust boundary.
func NewActor(id, agent string) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Actor{}, dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	if len(id) > 128 {
		return Actor{}, dErrors.New(dErrors.CodeInvalidInput, "actor identity must be 128 characters or less")
	}
	return Actor{ID: id, Agent: agent}, nil
}

func (a Actor) IsZero() bool {
	return a.ID == ""
}
