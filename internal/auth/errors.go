package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialsMissing indicates the request carried neither an SSO payload nor a usable bypass identifier.
	ErrCredentialsMissing = errors.New("auth: credentials missing")
	// ErrSignatureInvalid indicates the payload signature did not match, or a required signature was absent.
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	// ErrPayloadMalformed indicates the SSO payload could not be decoded into an identity claim.
	ErrPayloadMalformed = errors.New("auth: payload malformed")
	// ErrStoreUnavailable indicates the identity store failed while persisting an authenticated claim.
	ErrStoreUnavailable = errors.New("auth: identity store unavailable")

	errMissingVerifier      = errors.New("auth: signature verifier required")
	errMissingIdentityStore = errors.New("auth: identity store required")
	errUnknownUnsignedMode  = errors.New("auth: unknown unsigned payload policy")

	errUnsignedPayloadRejected = fmt.Errorf("%w: unsigned payloads are not accepted", ErrSignatureInvalid)
)

const (
	reasonInvalidBase64     = "invalid_base64"
	reasonInvalidUTF8       = "invalid_utf8"
	reasonInvalidForm       = "invalid_form"
	reasonMissingExternalID = "missing_external_id"
	reasonInvalidExternalID = "invalid_external_id"
	reasonMissingUsername   = "missing_username"
)

// DecodeError describes why an SSO payload was rejected at the decode boundary.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrPayloadMalformed.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", ErrPayloadMalformed.Error(), e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports every DecodeError as ErrPayloadMalformed.
func (e *DecodeError) Is(target error) bool {
	return target == ErrPayloadMalformed
}

func newDecodeError(reason string, cause error) error {
	return &DecodeError{Reason: reason, Err: cause}
}

// RejectionReason maps a gate error onto a short, log-friendly reason code.
// The code is for server-side logs only and must never be sent to clients.
func RejectionReason(err error) string {
	var decodeErr *DecodeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &decodeErr):
		return decodeErr.Reason
	case errors.Is(err, errUnsignedPayloadRejected):
		return "unsigned_payload_rejected"
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials_missing"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "unknown"
	}
}
