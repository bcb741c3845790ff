package daemon

import (
	"errors"
	"log"
	"net/http"
	"strings"
)

const daemonErrorCodeVersion = "v1"

const (
	// Auth domain
	daemonErrorCodeAuthMissingBearerToken = daemonErrorCodeVersion + "/auth/missing_bearer_token"
	daemonErrorCodeAuthInvalidBearerToken = daemonErrorCodeVersion + "/auth/invalid_bearer_token"
	daemonErrorCodeAuthRemoteAddress      = daemonErrorCodeVersion + "/auth/remote_address_denied"
	daemonErrorCodeAuthMissingIdentity    = daemonErrorCodeVersion + "/auth/missing_identity"
	daemonErrorCodeAuthUnauthorized       = daemonErrorCodeVersion + "/auth/unauthorized"
	daemonErrorCodeAuthForbidden          = daemonErrorCodeVersion + "/auth/forbidden"
	daemonErrorCodeRateLimited            = daemonErrorCodeVersion + "/auth/rate_limited"

	// Validation domain
	daemonErrorCodeValidationBadRequest    = daemonErrorCodeVersion + "/validation/bad_request"
	daemonErrorCodeValidationMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeValidationMissingField  = daemonErrorCodeVersion + "/validation/missing_required_field"
	daemonErrorCodeValidationInvalidValue  = daemonErrorCodeVersion + "/validation/invalid_value"
	daemonErrorCodeMethodNotAllowed        = daemonErrorCodeVersion + "/validation/method_not_allowed"

	// Lock domain
	daemonErrorCodeLockConflict    = daemonErrorCodeVersion + "/lock/conflict"
	daemonErrorCodeLockNotHolder   = daemonErrorCodeVersion + "/lock/not_holder"
	daemonErrorCodeLockNotLockable = daemonErrorCodeVersion + "/lock/not_lockable"

	// Token domain
	daemonErrorCodeTokenUsed    = daemonErrorCodeVersion + "/token/used"
	daemonErrorCodeTokenExpired = daemonErrorCodeVersion + "/token/expired"
	daemonErrorCodeTokenInvalid = daemonErrorCodeVersion + "/token/invalid"

	// Pool domain
	daemonErrorCodePoolNotFound  = daemonErrorCodeVersion + "/pool/not_found"
	daemonErrorCodePoolNotEmpty  = daemonErrorCodeVersion + "/pool/not_empty"
	daemonErrorCodePoolNameTaken = daemonErrorCodeVersion + "/pool/name_taken"

	// Agent domain
	daemonErrorCodeAgentNotDelegated     = daemonErrorCodeVersion + "/agent/not_delegated"
	daemonErrorCodeAgentAlreadyDelegated = daemonErrorCodeVersion + "/agent/already_delegated"
	daemonErrorCodeAgentNotFound         = daemonErrorCodeVersion + "/agent/not_found"
	daemonErrorCodeAgentLocationMismatch = daemonErrorCodeVersion + "/agent/location_mismatch"

	// Contract domain
	daemonErrorCodeContractNotFound          = daemonErrorCodeVersion + "/contract/not_found"
	daemonErrorCodeContractExists            = daemonErrorCodeVersion + "/contract/already_exists"
	daemonErrorCodeContractInvalidTransition = daemonErrorCodeVersion + "/contract/invalid_transition"
	daemonErrorCodeOfferingNotFound          = daemonErrorCodeVersion + "/offering/not_found"

	// Generic fallbacks
	daemonErrorCodeResourceNotFound = daemonErrorCodeVersion + "/resource/not_found"
	daemonErrorCodeConflict         = daemonErrorCodeVersion + "/resource/conflict"
	daemonErrorCodeInternalError    = daemonErrorCodeVersion + "/internal/error"
	daemonErrorCodeServerError      = daemonErrorCodeVersion + "/internal/server_error"
	daemonErrorCodeUnavailable      = daemonErrorCodeVersion + "/internal/unavailable"
)

type apiErrorMapping struct {
	target error
	status int
	code   string
}

// apiErrorMappings is consulted in order; more specific sentinels first.
var apiErrorMappings = []apiErrorMapping{
	{ErrLockConflict, http.StatusConflict, daemonErrorCodeLockConflict},
	{ErrNotLockHolder, http.StatusForbidden, daemonErrorCodeLockNotHolder},
	{ErrContractNotLockable, http.StatusConflict, daemonErrorCodeLockNotLockable},
	{ErrTokenAlreadyUsed, http.StatusGone, daemonErrorCodeTokenUsed},
	{ErrTokenExpired, http.StatusGone, daemonErrorCodeTokenExpired},
	{ErrTokenInvalid, http.StatusUnauthorized, daemonErrorCodeTokenInvalid},
	{ErrPoolNotEmpty, http.StatusConflict, daemonErrorCodePoolNotEmpty},
	{ErrPoolNameTaken, http.StatusConflict, daemonErrorCodePoolNameTaken},
	{ErrPoolNotFound, http.StatusNotFound, daemonErrorCodePoolNotFound},
	{ErrContractNotFound, http.StatusNotFound, daemonErrorCodeContractNotFound},
	{ErrContractExists, http.StatusConflict, daemonErrorCodeContractExists},
	{ErrOfferingNotFound, http.StatusNotFound, daemonErrorCodeOfferingNotFound},
	{ErrAgentNotDelegated, http.StatusForbidden, daemonErrorCodeAgentNotDelegated},
	{ErrAgentAlreadyDelegated, http.StatusConflict, daemonErrorCodeAgentAlreadyDelegated},
	{ErrDelegationNotFound, http.StatusNotFound, daemonErrorCodeAgentNotFound},
	{ErrLocationMismatch, http.StatusConflict, daemonErrorCodeAgentLocationMismatch},
	{ErrInvalidTransition, http.StatusConflict, daemonErrorCodeContractInvalidTransition},
}

// writeAPIError maps err onto the versioned error contract. Unmapped errors
// become 500; the cause is logged, not returned.
func writeAPIError(w http.ResponseWriter, err error) {
	var invalid validationError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, invalid.msg)
		return
	}
	for _, mapping := range apiErrorMappings {
		if errors.Is(err, mapping.target) {
			writeErrorCode(w, mapping.status, mapping.code, mapping.target.Error(), err)
			return
		}
	}
	log.Printf("fleetd: internal error: %s", errorRedactor.Redact(err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error", err)
}

func daemonErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := daemonErrorCodeFromMessage(normalized); code != "" {
			return code
		}
	}
	return daemonErrorCodeByStatus(status)
}

func daemonErrorCodeFromMessage(normalized string) string {
	switch {
	case strings.Contains(normalized, "missing bearer token"):
		return daemonErrorCodeAuthMissingBearerToken
	case strings.Contains(normalized, "invalid bearer token"):
		return daemonErrorCodeAuthInvalidBearerToken
	case strings.Contains(normalized, "remote address not allowed"):
		return daemonErrorCodeAuthRemoteAddress
	case strings.Contains(normalized, "identity header"):
		return daemonErrorCodeAuthMissingIdentity
	case strings.Contains(normalized, "rate limit exceeded"):
		return daemonErrorCodeRateLimited
	case strings.Contains(normalized, "method not allowed"):
		return daemonErrorCodeMethodNotAllowed
	case strings.Contains(normalized, "request body is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid json"),
		strings.Contains(normalized, "unexpected trailing data"),
		strings.Contains(normalized, "unknown field"),
		strings.Contains(normalized, "cannot unmarshal"),
		strings.Contains(normalized, "invalid character"),
		strings.Contains(normalized, "unexpected eof"),
		strings.Contains(normalized, "request body too large"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid"),
		strings.Contains(normalized, "unknown"),
		strings.Contains(normalized, "must be"),
		strings.Contains(normalized, "exceeds"):
		return daemonErrorCodeValidationInvalidValue
	}
	return ""
}

func daemonErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return daemonErrorCodeAuthUnauthorized
	case http.StatusForbidden:
		return daemonErrorCodeAuthForbidden
	case http.StatusBadRequest:
		return daemonErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return daemonErrorCodeResourceNotFound
	case http.StatusMethodNotAllowed:
		return daemonErrorCodeMethodNotAllowed
	case http.StatusConflict:
		return daemonErrorCodeConflict
	case http.StatusTooManyRequests:
		return daemonErrorCodeRateLimited
	case http.StatusInternalServerError:
		return daemonErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return daemonErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeServerError
		}
	}
	return daemonErrorCodeInternalError
}
