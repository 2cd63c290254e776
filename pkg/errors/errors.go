package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code classifies every failure the checkout core can surface.
type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeConnectivity        Code = "CONNECTIVITY"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeInvalidRecipient    Code = "INVALID_RECIPIENT"
	CodeSimulationFailure   Code = "SIMULATION_FAILURE"
	CodeSubmissionFailure   Code = "SUBMISSION_FAILURE"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeVerificationFailure Code = "VERIFICATION_FAILURE"
	CodeGatewayInit         Code = "GATEWAY_INIT_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeStateConflict       Code = "STATE_CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeUnknown             Code = "UNKNOWN"
)

// Metadata describes how a code should be handled by callers.
type Metadata struct {
	Retryable     bool
	PublicMessage string
	// FundsMayHaveMoved marks failures that occur after an irreversible
	// side effect; callers must reconcile rather than retry blindly.
	FundsMayHaveMoved bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		Retryable:     false,
		PublicMessage: "validation failed",
	},
	CodeConnectivity: {
		Retryable:     true,
		PublicMessage: "network unavailable",
	},
	CodeInsufficientFunds: {
		Retryable:     false,
		PublicMessage: "insufficient balance",
	},
	CodeInvalidRecipient: {
		Retryable:     false,
		PublicMessage: "invalid recipient address",
	},
	CodeSimulationFailure: {
		Retryable:     false,
		PublicMessage: "transaction simulation failed",
	},
	CodeSubmissionFailure: {
		Retryable:     true,
		PublicMessage: "transaction submission failed",
	},
	CodeConfirmationTimeout: {
		Retryable:         false,
		PublicMessage:     "confirmation window elapsed",
		FundsMayHaveMoved: true,
	},
	CodeVerificationFailure: {
		Retryable:     true,
		PublicMessage: "payment could not be verified",
	},
	CodeGatewayInit: {
		Retryable:     true,
		PublicMessage: "payment gateway unavailable",
	},
	CodeTimeout: {
		Retryable:         false,
		PublicMessage:     "payment timed out",
		FundsMayHaveMoved: true,
	},
	CodeStateConflict: {
		Retryable:     false,
		PublicMessage: "state transition disallowed",
	},
	CodeNotFound: {
		Retryable:     false,
		PublicMessage: "resource not found",
	},
	CodeUnknown: {
		Retryable:     false,
		PublicMessage: "unexpected error",
	},
}

// MetadataFor returns handling metadata for a code, defaulting to UNKNOWN.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeUnknown]
}

// Error is the typed failure carried across every checkout boundary.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

// New builds a fresh typed error.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

// Code returns the classification, defaulting to UNKNOWN on nil.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the internal message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Details returns structured context attached via WithDetails.
func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails attaches structured context (e.g. offending item ids).
func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts a typed error from an arbitrary error chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the classification of err, UNKNOWN when untyped.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
