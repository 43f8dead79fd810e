// Package fault classifies engine errors so callers can react to the
// category without matching on individual sentinel values.
package fault

import (
	"errors"
	"fmt"

	fpmath "DefiLedger/internal/math"
)

// Kind is the error category.
type Kind int32

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientResource
	KindLedgerRejection
	KindConfiguration
	KindAmbiguousOutcome
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientResource:
		return "insufficient-resource"
	case KindLedgerRejection:
		return "ledger-rejection"
	case KindConfiguration:
		return "configuration"
	case KindAmbiguousOutcome:
		return "ambiguous-outcome"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Kinded is implemented by every classified error.
type Kinded interface {
	error
	Kind() Kind
}

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Kind() Kind    { return s.kind }

// New creates a comparable sentinel error of the given kind.
func New(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

// KindOf walks the wrap chain and returns the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Resource names what ran short.
type Resource string

const (
	ResourceBalance    Resource = "balance"
	ResourceLiquidity  Resource = "liquidity"
	ResourceCollateral Resource = "collateral"
	ResourceCredit     Resource = "credit-score"
	ResourcePosition   Resource = "position"
)

// InsufficientError reports a shortfall with the amounts involved.
type InsufficientError struct {
	Resource  Resource
	Asset     string
	Required  fpmath.Amount
	Available fpmath.Amount
}

func (e *InsufficientError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("insufficient %s for %s: required %s, available %s",
			e.Resource, e.Asset, e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient %s: required %s, available %s",
		e.Resource, e.Required, e.Available)
}

func (e *InsufficientError) Kind() Kind { return KindInsufficientResource }

// Shortfall is how much more of the resource is needed.
func (e *InsufficientError) Shortfall() fpmath.Amount {
	if e.Required <= e.Available {
		return fpmath.Zero
	}
	return e.Required - e.Available
}

// Insufficient builds an InsufficientError.
func Insufficient(resource Resource, asset string, required, available fpmath.Amount) *InsufficientError {
	return &InsufficientError{
		Resource:  resource,
		Asset:     asset,
		Required:  required,
		Available: available,
	}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RequirePositive rejects zero and negative amounts.
func RequirePositive(field string, v fpmath.Amount) error {
	if v <= 0 {
		return Invalid(field, "must be positive")
	}
	return nil
}
