package protocol

import (
	"errors"
	"fmt"
)

const (
	// Caller-supplied data fails a business rule.
	ErrInvalidInput = "E_INVALID_INPUT"

	// Resource shortfalls.
	ErrInsufficientFunds = "E_INSUFFICIENT_FUNDS"
	ErrInsufficientStock = "E_INSUFFICIENT_STOCK"

	// Referential integrity against master data. Always fatal to the operation.
	ErrDefinitionUnavailable = "E_DEFINITION_UNAVAILABLE"

	// Missing durable records.
	ErrNotFound = "E_NOT_FOUND"

	// Story gating.
	ErrStoryLocked = "E_STORY_LOCKED"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrInvalidInput:          {},
	ErrInsufficientFunds:     {},
	ErrInsufficientStock:     {},
	ErrDefinitionUnavailable: {},
	ErrNotFound:              {},
	ErrStoryLocked:           {},
	ErrInternal:              {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Coded errors carry a stable code for the transport boundary. Every
// caller-facing error also carries the numbers/ids needed to render a precise
// message; a generic catch-all is not acceptable at the boundary.
type Coded interface {
	error
	Code() string
}

// CodeOf maps any error to its boundary code.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ErrInternal
}

type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Reason }
func (e *InvalidInputError) Code() string  { return ErrInvalidInput }

type InsufficientFundsError struct {
	Required  uint32
	Available uint32
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.Required, e.Available)
}
func (e *InsufficientFundsError) Code() string { return ErrInsufficientFunds }

type InsufficientStockError struct {
	Required  uint16
	Available uint16
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: required %d, available %d", e.Required, e.Available)
}
func (e *InsufficientStockError) Code() string { return ErrInsufficientStock }

type DefinitionUnavailableError struct {
	Kind string
	IDs  []uint16
}

func (e *DefinitionUnavailableError) Error() string {
	return fmt.Sprintf("definition unavailable: %s %v", e.Kind, e.IDs)
}
func (e *DefinitionUnavailableError) Code() string { return ErrDefinitionUnavailable }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }
func (e *NotFoundError) Code() string  { return ErrNotFound }

type StoryLockedError struct {
	NodeID uint16
}

func (e *StoryLockedError) Error() string { return fmt.Sprintf("story node %d is locked", e.NodeID) }
func (e *StoryLockedError) Code() string  { return ErrStoryLocked }
