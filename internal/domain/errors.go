package domain

import (
	"context"
	"errors"
	"fmt"
)

type ParseErrorKind string

const (
	ParseMalformed   ParseErrorKind = "malformed"
	ParseAmbiguous   ParseErrorKind = "ambiguous"
	ParseUnsupported ParseErrorKind = "unsupported"
)

type ParseError struct {
	Kind   ParseErrorKind
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return "parse: " + string(e.Kind)
	}
	return "parse: " + string(e.Kind) + ": " + e.Reason
}

// Is matches any ParseError of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

var (
	ErrMalformed   = &ParseError{Kind: ParseMalformed}
	ErrAmbiguous   = &ParseError{Kind: ParseAmbiguous}
	ErrUnsupported = &ParseError{Kind: ParseUnsupported}
)

func NewParseError(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

type RiskReason string

const (
	RiskLimitExceeded       RiskReason = "limit_exceeded"
	RiskDecisionUnavailable RiskReason = "decision_unavailable"
	RiskNothingToClose      RiskReason = "nothing_to_close"
	RiskOpposingPosition    RiskReason = "opposing_position"
	RiskInvalidPrice        RiskReason = "invalid_price"
	RiskTradingDisabled     RiskReason = "trading_disabled"
	RiskExpired             RiskReason = "expired"
	RiskSizeTooSmall        RiskReason = "size_too_small"
)

type Limit string

const (
	LimitRiskFraction    Limit = "max_risk_fraction_per_trade"
	LimitConcurrent      Limit = "max_concurrent_positions"
	LimitSymbolExposure  Limit = "max_symbol_exposure"
	LimitMinConfidence   Limit = "min_confidence"
	LimitEntryPrice      Limit = "max_entry_price"
	LimitAvailableMargin Limit = "available_margin"
)

// RiskError is a non-retryable rejection produced by the risk sizer.
type RiskError struct {
	Reason RiskReason
	Limit  Limit
	Detail string
}

func (e *RiskError) Error() string {
	msg := "risk: " + string(e.Reason)
	if e.Limit != "" {
		msg += "(" + string(e.Limit) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches on Reason, and on Limit when the target names one.
func (e *RiskError) Is(target error) bool {
	t, ok := target.(*RiskError)
	if !ok || t.Reason != e.Reason {
		return false
	}
	return t.Limit == "" || t.Limit == e.Limit
}

func LimitExceeded(limit Limit, format string, args ...any) *RiskError {
	return &RiskError{Reason: RiskLimitExceeded, Limit: limit, Detail: fmt.Sprintf(format, args...)}
}

func NewRiskError(reason RiskReason, format string, args ...any) *RiskError {
	return &RiskError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type LedgerErrorKind string

const (
	LedgerStaleSnapshot      LedgerErrorKind = "stale_snapshot"
	LedgerInsufficientMargin LedgerErrorKind = "insufficient_margin"
	LedgerInvalidOutcome     LedgerErrorKind = "invalid_outcome"
)

type LedgerError struct {
	Kind   LedgerErrorKind
	Detail string
}

func (e *LedgerError) Error() string {
	if e.Detail == "" {
		return "ledger: " + string(e.Kind)
	}
	return "ledger: " + string(e.Kind) + ": " + e.Detail
}

func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Kind == e.Kind
}

var (
	ErrStaleSnapshot      = &LedgerError{Kind: LedgerStaleSnapshot}
	ErrInsufficientMargin = &LedgerError{Kind: LedgerInsufficientMargin}
	ErrInvalidOutcome     = &LedgerError{Kind: LedgerInvalidOutcome}
)

type ExecutionErrorKind string

const (
	ExecTransient            ExecutionErrorKind = "transient"
	ExecDefinitive           ExecutionErrorKind = "definitive"
	ExecIdempotencyViolation ExecutionErrorKind = "idempotency_violation"
	ExecTimeout              ExecutionErrorKind = "timeout"
	ExecCircuitOpen          ExecutionErrorKind = "circuit_open"
	// ExecUnresolved means the venue may still hold a working or filled
	// order the caller could not confirm.
	ExecUnresolved ExecutionErrorKind = "unresolved"
)

type ExecutionError struct {
	Kind ExecutionErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "execution: " + string(e.Kind)
	}
	return "execution: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Kind == e.Kind
}

var (
	ErrTransient            = &ExecutionError{Kind: ExecTransient}
	ErrDefinitive           = &ExecutionError{Kind: ExecDefinitive}
	ErrIdempotencyViolation = &ExecutionError{Kind: ExecIdempotencyViolation}
	ErrUnresolved           = &ExecutionError{Kind: ExecUnresolved}
)

// ErrSymbolHalted rejects signals for a symbol awaiting operator intervention.
var ErrSymbolHalted = errors.New("symbol halted")

// ErrSuperseded marks a pending signal replaced by a newer one.
var ErrSuperseded = errors.New("superseded by newer signal")

// ErrCancelled marks a pending signal dropped by an operator.
var ErrCancelled = errors.New("cancelled by operator")

// ErrorKind returns a stable dotted kind for audit records.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return "parse." + string(pe.Kind)
	}
	var re *RiskError
	if errors.As(err, &re) {
		if re.Limit != "" {
			return "risk." + string(re.Reason) + "." + string(re.Limit)
		}
		return "risk." + string(re.Reason)
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return "ledger." + string(le.Kind)
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return "execution." + string(ee.Kind)
	}
	switch {
	case errors.Is(err, ErrSymbolHalted):
		return "orchestrator.halted"
	case errors.Is(err, ErrSuperseded):
		return "orchestrator.superseded"
	case errors.Is(err, ErrCancelled):
		return "orchestrator.cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal"
}

// Cause is the human-readable side of an audit entry.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
