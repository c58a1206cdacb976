package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an auth failure so transports can map it to a stable response.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindValidation
	KindEnrollment
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindEnrollment:
		return "enrollment"
	default:
		return "unknown"
	}
}

// Error is a terminal auth, validation or enrollment failure with a stable reason code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on reason code so wrapped copies compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) wrap(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

var (
	ErrInvalidToken   = &Error{Kind: KindAuthentication, Code: "invalid_token", Message: "missing or invalid bearer token"}
	ErrUnknownAgent   = &Error{Kind: KindAuthentication, Code: "unknown_agent", Message: "unknown agent"}
	ErrAgentRevoked   = &Error{Kind: KindAuthentication, Code: "agent_revoked", Message: "agent revoked"}
	ErrBadSignature   = &Error{Kind: KindAuthentication, Code: "bad_signature", Message: "invalid signature"}
	ErrReplayDetected = &Error{Kind: KindAuthentication, Code: "replay_detected", Message: "replay detected"}

	ErrMissingHeaders      = &Error{Kind: KindValidation, Code: "missing_headers", Message: "missing signed headers"}
	ErrUnsupportedProtocol = &Error{Kind: KindValidation, Code: "unsupported_protocol", Message: "unsupported protocol version"}
	ErrInvalidTimestamp    = &Error{Kind: KindValidation, Code: "invalid_timestamp", Message: "invalid timestamp"}
	ErrTimestampSkew       = &Error{Kind: KindValidation, Code: "timestamp_skew", Message: "timestamp outside skew window"}
	ErrPackageMalformed    = &Error{Kind: KindValidation, Code: "package_malformed", Message: "malformed enrollment package"}

	ErrProofRequired       = &Error{Kind: KindEnrollment, Code: "proof_required", Message: "enrollment required"}
	ErrProofAmbiguous      = &Error{Kind: KindEnrollment, Code: "proof_ambiguous", Message: "exactly one enrollment proof must be supplied"}
	ErrTokenInvalid        = &Error{Kind: KindEnrollment, Code: "token_invalid", Message: "invalid enrollment token"}
	ErrTokenUsed           = &Error{Kind: KindEnrollment, Code: "token_used", Message: "enrollment token already used"}
	ErrTokenExpired        = &Error{Kind: KindEnrollment, Code: "token_expired", Message: "enrollment token expired"}
	ErrTokenAgentMismatch  = &Error{Kind: KindEnrollment, Code: "token_agent_mismatch", Message: "enrollment token bound to different agent"}
	ErrTokenTenantMismatch = &Error{Kind: KindEnrollment, Code: "token_tenant_mismatch", Message: "enrollment token tenant mismatch"}
	ErrPackageSignature    = &Error{Kind: KindEnrollment, Code: "package_signature", Message: "invalid enrollment package signature"}
	ErrPackageMismatch     = &Error{Kind: KindEnrollment, Code: "package_mismatch", Message: "enrollment package mismatch"}
	ErrPackageExpired      = &Error{Kind: KindEnrollment, Code: "package_expired", Message: "enrollment package expired"}
	ErrTenantUnknown       = &Error{Kind: KindEnrollment, Code: "tenant_unknown", Message: "tenant not found"}
)

// ErrNotFound is returned by stores when a keyed lookup has no record.
var ErrNotFound = errors.New("not found")

// AsError extracts the typed auth error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
