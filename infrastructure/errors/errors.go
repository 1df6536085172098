// Package errors provides the error taxonomy shared by every WAVS subsystem.
package errors

import (
	"errors"
	"fmt"
)

// Class identifies which of the four taxonomy buckets an error belongs to.
// Each subsystem handles Transient locally with bounded retry; Validation is
// surfaced to the caller without retry; Execution is local to one job and
// never retried automatically; Fatal halts the owning subsystem but not the
// process.
type Class string

const (
	ClassTransient  Class = "transient"
	ClassValidation Class = "validation"
	ClassExecution  Class = "execution"
	ClassFatal      Class = "fatal"
)

// Code identifies a specific error condition within a Class.
type Code string

const (
	// Transient I/O (§7): network timeouts, provider rate limits, transient RPC failures.
	CodeRPCTimeout        Code = "RPC_TIMEOUT"
	CodeRPCUnavailable    Code = "RPC_UNAVAILABLE"
	CodeEndpointExhausted Code = "ENDPOINT_EXHAUSTED"

	// Validation (§7): malformed packet, payload/envelope conflict, signer not
	// found, insufficient quorum, signatures mis-ordered.
	CodeMalformedPacket     Code = "MALFORMED_PACKET"
	CodeEnvelopeConflict    Code = "ENVELOPE_CONFLICT"
	CodeSignerUnknown       Code = "SIGNER_UNKNOWN"
	CodeSignatureConflict   Code = "SIGNATURE_CONFLICT"
	CodeInsufficientQuorum  Code = "INSUFFICIENT_QUORUM"
	CodeBadOrdering         Code = "BAD_SIGNATURE_ORDERING"
	CodeGasEstimateOverCap  Code = "GAS_ESTIMATE_OVER_CAP"
	CodePacketTooLarge      Code = "PACKET_TOO_LARGE"
	CodeStaleReferenceBlock Code = "STALE_REFERENCE_BLOCK"

	// Execution (§7): component trap, fuel/time exhausted, component returned error.
	CodeFuelExhausted  Code = "FUEL_EXHAUSTED"
	CodeTimeExceeded   Code = "TIME_EXCEEDED"
	CodeComponentTrap  Code = "COMPONENT_TRAP"
	CodeComponentError Code = "COMPONENT_ERROR"
	CodeServicePaused  Code = "SERVICE_PAUSED"
	CodeServiceUnknown Code = "SERVICE_UNKNOWN"

	// Fatal (§7): corrupt on-disk state, key derivation failure.
	CodeKeyDerivationFailed Code = "KEY_DERIVATION_FAILED"
	CodeCorruptState        Code = "CORRUPT_STATE"
)

// Error is a structured error carrying a taxonomy class, a specific code,
// free-form correlation context, and an optional wrapped cause.
type Error struct {
	Class   Class
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a correlation field (service_id, workflow_id, event_id,
// source address/topic, ...) as spec.md §7 "Propagation policy" requires.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// New creates an Error of the given class/code.
func New(class Class, code Code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Wrap creates an Error that wraps an existing error.
func Wrap(class Class, code Code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

// Transient helpers.

func Timeout(operation string, err error) *Error {
	return Wrap(ClassTransient, CodeRPCTimeout, "operation timed out", err).With("operation", operation)
}

func Unavailable(endpoint string, err error) *Error {
	return Wrap(ClassTransient, CodeRPCUnavailable, "endpoint unavailable", err).With("endpoint", endpoint)
}

func EndpointsExhausted(chainID string) *Error {
	return New(ClassTransient, CodeEndpointExhausted, "all endpoints failed this backoff cycle").With("chain_id", chainID)
}

// Validation helpers.

func MalformedPacket(reason string) *Error {
	return New(ClassValidation, CodeMalformedPacket, reason)
}

func EnvelopeConflict(eventID string) *Error {
	return New(ClassValidation, CodeEnvelopeConflict, "payload disagrees with stored envelope").With("event_id", eventID)
}

func SignerUnknown(signer string) *Error {
	return New(ClassValidation, CodeSignerUnknown, "signer not recognized by service manager").With("signer", signer)
}

func SignatureConflict(signer string) *Error {
	return New(ClassValidation, CodeSignatureConflict, "signer present with a different signature").With("signer", signer)
}

func InsufficientQuorum(signed, threshold uint64) *Error {
	return New(ClassValidation, CodeInsufficientQuorum, "signed weight below threshold").
		With("signed_weight", signed).With("threshold_weight", threshold)
}

func BadOrdering() *Error {
	return New(ClassValidation, CodeBadOrdering, "signer addresses are not strictly increasing")
}

func GasEstimateOverCap(estimate, cap uint64) *Error {
	return New(ClassValidation, CodeGasEstimateOverCap, "gas estimate exceeds configured cap").
		With("estimate", estimate).With("cap", cap)
}

func PacketTooLarge(size, max int) *Error {
	return New(ClassValidation, CodePacketTooLarge, "packet exceeds maximum envelope size").
		With("size", size).With("max", max)
}

func StaleReferenceBlock(reference, current uint64) *Error {
	return New(ClassValidation, CodeStaleReferenceBlock, "reference_block is not behind current block or is outside the stale block window").
		With("reference_block", reference).With("current_block", current)
}

// Execution helpers.

func FuelExhausted(serviceID, workflowID string) *Error {
	return New(ClassExecution, CodeFuelExhausted, "component exhausted its fuel cap").
		With("service_id", serviceID).With("workflow_id", workflowID)
}

func TimeExceeded(serviceID, workflowID string) *Error {
	return New(ClassExecution, CodeTimeExceeded, "component exceeded its wall-clock cap").
		With("service_id", serviceID).With("workflow_id", workflowID)
}

func ComponentTrap(serviceID, workflowID string, err error) *Error {
	return Wrap(ClassExecution, CodeComponentTrap, "component trapped", err).
		With("service_id", serviceID).With("workflow_id", workflowID)
}

func ComponentError(serviceID, workflowID, message string) *Error {
	return New(ClassExecution, CodeComponentError, message).
		With("service_id", serviceID).With("workflow_id", workflowID)
}

func ServicePaused(serviceID string) *Error {
	return New(ClassExecution, CodeServicePaused, "service is paused").With("service_id", serviceID)
}

func ServiceUnknown(serviceID string) *Error {
	return New(ClassExecution, CodeServiceUnknown, "service not found").With("service_id", serviceID)
}

// Fatal helpers.

func KeyDerivationFailed(serviceID string, err error) *Error {
	return Wrap(ClassFatal, CodeKeyDerivationFailed, "key derivation failed", err).With("service_id", serviceID)
}

func CorruptState(what string, err error) *Error {
	return Wrap(ClassFatal, CodeCorruptState, "on-disk state is corrupt", err).With("what", what)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsClass reports whether err is an *Error of the given class.
func IsClass(err error, class Class) bool {
	e, ok := As(err)
	return ok && e.Class == class
}
