package safefetch

import (
	"errors"
	"fmt"
)

// Reason is the outcome code of URL validation.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidURL          Reason = "invalid_url"
	ReasonSchemeNotAllowed    Reason = "scheme_not_allowed"
	ReasonMissingHostname     Reason = "missing_hostname"
	ReasonIPLiteralNotAllowed Reason = "ip_literal_not_allowed"
	ReasonHostnameDenied      Reason = "hostname_denied"
	ReasonResolutionFailed    Reason = "resolution_failed"
	ReasonPrivateAddress      Reason = "private_address"
	ReasonReservedAddress     Reason = "reserved_address"
	ReasonMetadataAddress     Reason = "metadata_address"
	ReasonPortDenied          Reason = "port_denied"
)

// Kind classifies a failed fetch.
type Kind string

const (
	KindUnsafeURL            Kind = "unsafe_url"
	KindUnsafeRedirectTarget Kind = "unsafe_redirect_target"
	KindRedirectLoop         Kind = "redirect_loop"
	KindTooManyRedirects     Kind = "too_many_redirects"
	KindMissingLocation      Kind = "missing_location"
	KindHTTPError            Kind = "http_error"
	KindTooLarge             Kind = "too_large"
	KindTimeout              Kind = "timeout"
	KindTLSError             Kind = "tls_error"
	KindConnectionError      Kind = "connection_error"
	KindCancelled            Kind = "cancelled"
)

var kindMessages = map[Kind]string{
	KindUnsafeURL:            "the URL points to a destination that is not allowed",
	KindUnsafeRedirectTarget: "the URL redirected to a destination that is not allowed",
	KindRedirectLoop:         "the URL redirects in a loop",
	KindTooManyRedirects:     "the URL redirected too many times",
	KindMissingLocation:      "the server sent a redirect without a location",
	KindHTTPError:            "the server returned an error status",
	KindTooLarge:             "the response is larger than allowed",
	KindTimeout:              "the request timed out",
	KindTLSError:             "the server certificate could not be verified",
	KindConnectionError:      "the server could not be reached",
	KindCancelled:            "the request was cancelled",
}

// Error is the only error type returned by Fetch. Its message is safe to show
// to end users; the underlying cause is kept for logging via errors.Unwrap.
type Error struct {
	Kind   Kind
	Reason Reason // set for unsafe_url and unsafe_redirect_target
	Status int    // set for http_error
	URL    string

	err error
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", msg, e.Status)
	case e.Reason != ReasonNone:
		return fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

func newError(kind Kind, rawURL string, cause error) *Error {
	return &Error{Kind: kind, URL: rawURL, err: cause}
}

func unsafeError(kind Kind, rawURL string, v Verdict) *Error {
	return &Error{Kind: kind, Reason: v.Reason, URL: rawURL, err: errors.New(v.Message)}
}
