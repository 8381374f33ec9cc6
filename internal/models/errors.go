package models

import (
	"errors"
	"fmt"
)

// ErrDataProviderUnavailable aborts a whole cycle: no decision is made on partial data.
var ErrDataProviderUnavailable = errors.New("data provider unavailable")

// ErrCycleInProgress is returned to a trigger that arrives while a cycle is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

// ErrStaleGuardrailState means another writer committed a newer guardrail version.
var ErrStaleGuardrailState = errors.New("stale guardrail state")

// DataUnavailable wraps err so errors.Is(err, ErrDataProviderUnavailable) holds.
func DataUnavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDataProviderUnavailable, what, err)
}

// SelectionFailure means no eligible contract. The theme is skipped this cycle.
type SelectionFailure struct {
	Underlying string
	Reason     string
}

func (e *SelectionFailure) Error() string {
	return fmt.Sprintf("no contract for %s: %s", e.Underlying, e.Reason)
}

// GovernanceDenied is an expected veto, not a fault.
type GovernanceDenied struct {
	Check  string
	Reason string
}

func (e *GovernanceDenied) Error() string { return e.Reason }

// PreflightFailure aborts one order before any broker call.
type PreflightFailure struct {
	Symbol string
	Reason string
}

func (e *PreflightFailure) Error() string {
	return fmt.Sprintf("preflight failed for %s: %s", e.Symbol, e.Reason)
}

// BrokerRejected covers submission errors and broker-side rejects.
type BrokerRejected struct {
	Symbol string
	Reason string
}

func (e *BrokerRejected) Error() string {
	return fmt.Sprintf("broker rejected %s: %s", e.Symbol, e.Reason)
}

// BrokerTimeout means no terminal status inside the poll budget; a cancel was requested.
type BrokerTimeout struct {
	Symbol        string
	BrokerOrderID string
	Waited        string
}

func (e *BrokerTimeout) Error() string {
	return fmt.Sprintf("order %s for %s not terminal after %s, cancel requested", e.BrokerOrderID, e.Symbol, e.Waited)
}
