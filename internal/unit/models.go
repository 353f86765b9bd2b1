// Package unit manages the lifecycle of managing units: the organizations
// that own raw records and hold their own transmission credentials.
package unit

import (
	"strings"
	"time"

	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// Environment selects which authority endpoint and credential set a unit uses.
type Environment string

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentStaging    Environment = "STAGING"
)

func (e Environment) IsValid() bool {
	return e == EnvironmentProduction || e == EnvironmentStaging
}

// ParseEnvironment accepts either case.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToUpper(strings.TrimSpace(s)))
	if !env.IsValid() {
		return "", dErrors.Newf(dErrors.CodeValidation, "environment must be PRODUCTION or STAGING, got %q", s)
	}
	return env, nil
}

// Unit is the aggregate root for a managing unit.
//
// Invariants:
//   - Code is non-empty, at most 32 characters and unique
//   - Units are never deleted, only deactivated
//   - An inactive unit cannot ingest records nor create or send remittances
type Unit struct {
	ID          domain.UnitID `json:"id"`
	Code        string        `json:"code"`
	Name        string        `json:"name"`
	Environment Environment   `json:"environment"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func NewUnit(id domain.UnitID, code, name string, env Environment, now time.Time) (*Unit, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit code cannot be empty")
	}
	if len(code) > 32 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit code must be 32 characters or less")
	}
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit name cannot be empty")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit name must be 128 characters or less")
	}
	if !env.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit environment is invalid")
	}
	return &Unit{
		ID:          id,
		Code:        code,
		Name:        name,
		Environment: env,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CanDeactivate checks if the unit can transition to inactive.
func (u *Unit) CanDeactivate() error {
	if !u.Active {
		return dErrors.New(dErrors.CodeInvariantViolation, "unit is already inactive")
	}
	return nil
}

func (u *Unit) ApplyDeactivation(now time.Time) {
	u.Active = false
	u.UpdatedAt = now
}

// CanReactivate checks if the unit can transition to active.
func (u *Unit) CanReactivate() error {
	if u.Active {
		return dErrors.New(dErrors.CodeInvariantViolation, "unit is already active")
	}
	return nil
}

func (u *Unit) ApplyReactivation(now time.Time) {
	u.Active = true
	u.UpdatedAt = now
}

// ApplyEnvironment switches which credential set transmissions use.
func (u *Unit) ApplyEnvironment(env Environment, now time.Time) {
	u.Environment = env
	u.UpdatedAt = now
}

// Credentials are opaque key/value pairs handed to the transmission gateway.
type Credentials map[string]string

// Validate rejects empty or oversized credential sets.
func (c Credentials) Validate() error {
	if len(c) == 0 {
		return dErrors.New(dErrors.CodeValidation, "credentials cannot be empty")
	}
	if len(c) > 16 {
		return dErrors.New(dErrors.CodeValidation, "credentials may have at most 16 entries")
	}
	for k, v := range c {
		if strings.TrimSpace(k) == "" {
			return dErrors.New(dErrors.CodeValidation, "credential keys cannot be empty")
		}
		if len(v) > 4096 {
			return dErrors.Newf(dErrors.CodeValidation, "credential %q is too long", k)
		}
	}
	return nil
}
