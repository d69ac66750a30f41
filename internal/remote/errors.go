package remote

import (
	"errors"
	"fmt"
)

// TransportKind classifies connector-level failures that happen before an
// HTTP status is available.
type TransportKind string

const (
	DNSFailure    TransportKind = "dns_failure"
	CannotConnect TransportKind = "cannot_connect"
	Timeout       TransportKind = "timeout"
	Unexpected    TransportKind = "unexpected"
)

// TransportError wraps a network-level failure with its classification.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s", e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIKind classifies failures reported by the remote API itself, either via
// HTTP status or a structured error body.
type APIKind string

const (
	AuthExpired      APIKind = "auth_expired"
	RateLimited      APIKind = "rate_limited"
	QuotaExceeded    APIKind = "quota_exceeded"
	PermissionDenied APIKind = "permission_denied"
	TransientServer  APIKind = "transient_server"
	ProtocolError    APIKind = "protocol_error"
)

// APIError is a failure the remote API reported.
type APIError struct {
	Kind   APIKind
	Status int
	Reason string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote api %s (status %d): %s", e.Kind, e.Status, e.Reason)
	}
	return fmt.Sprintf("remote api %s (status %d)", e.Kind, e.Status)
}

// IsTransport reports whether err is a TransportError of the given kind.
func IsTransport(err error, kind TransportKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// IsAPI reports whether err is an APIError of the given kind.
func IsAPI(err error, kind APIKind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == kind
}

// Retryable reports whether the caller should retry err with backoff.
// AuthExpired is deliberately excluded: it must surface to the credential
// refresh collaborator rather than being retried blind. Protocol errors,
// quota exhaustion and permission problems won't heal on their own either.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case TransientServer, RateLimited:
			return true
		}
	}
	return false
}

// DNSClassified reports whether err indicates a name-resolution problem, the
// signal for flipping the resolver to its alternate nameservers.
func DNSClassified(err error) bool {
	return IsTransport(err, DNSFailure)
}
