// Package errors provides structured error handling with stable machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeNotFound Code = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired  Code = "CHALLENGE_EXPIRED"
	CodeChallengeMismatch Code = "CHALLENGE_MISMATCH"

	// Ceremony errors
	CodeAttestationInvalid     Code = "ATTESTATION_INVALID"
	CodeAssertionInvalid       Code = "ASSERTION_INVALID"
	CodeCeremonySessionInvalid Code = "CEREMONY_SESSION_INVALID"
	CodeCeremonySessionExpired Code = "CEREMONY_SESSION_EXPIRED"

	// Registry errors
	CodePrincipalNotFound    Code = "PRINCIPAL_NOT_FOUND"
	CodePrincipalEmptyName   Code = "PRINCIPAL_EMPTY_NAME"
	CodePrincipalInvalidName Code = "PRINCIPAL_INVALID_NAME"
	CodeUnknownDevice        Code = "UNKNOWN_DEVICE"
	CodeDuplicateDevice      Code = "DUPLICATE_DEVICE"
	CodeCounterRegression    Code = "COUNTER_REGRESSION"

	// Key binding errors
	CodeDecryptionFailed Code = "DECRYPTION_FAILED"
	CodeInvalidEnvelope  Code = "INVALID_ENVELOPE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the public surface.
//
// Ceremony verification failures never reach this mapping: handlers collapse
// them to a 200 with verified=false before the error crosses the boundary.
func (c Code) HTTPStatus() int {
	switch c {
	case CodePrincipalEmptyName,
		CodePrincipalInvalidName,
		CodeCeremonySessionInvalid,
		CodeCeremonySessionExpired,
		CodeUnknownDevice,
		CodeInvalidEnvelope:
		return http.StatusBadRequest

	case CodePrincipalNotFound,
		CodeNotFound:
		return http.StatusNotFound

	case CodeChallengeNotFound,
		CodeChallengeExpired,
		CodeChallengeMismatch,
		CodeAttestationInvalid,
		CodeAssertionInvalid,
		CodeDuplicateDevice,
		CodeCounterRegression,
		CodeDecryptionFailed:
		// Security-sensitive internals; surfaced as verified=false upstream.
		return http.StatusOK

	default:
		return http.StatusInternalServerError
	}
}
