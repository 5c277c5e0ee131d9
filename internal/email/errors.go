package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"
)

// Kind classifies a send failure for retry handling.
type Kind int

const (
	// KindTransient failures may succeed on a later attempt.
	KindTransient Kind = iota
	// KindPermanent failures will not succeed no matter how often they are
	// retried, e.g. a rejected recipient address.
	KindPermanent
	// KindAuth failures mean the credentials are bad; they affect every
	// recipient, so the batch stops.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	default:
		return "transient"
	}
}

// Classify maps a provider error to a Kind. Unknown errors count as
// transient so they still get retried.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	// Cancellation is handled by the batch loop, not the retry policy
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		return classifySMTPCode(smtpErr.Code)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyGoogleAPI(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	return classifyText(err.Error())
}

// classifySMTPCode follows RFC 5321 reply code classes: 4yz is temporary,
// 5yz is permanent, with the authentication codes split out.
func classifySMTPCode(code int) Kind {
	switch code {
	// 530 auth required, 534/535 credentials rejected, 454 auth temporarily
	// unavailable; all of these poison every send in the batch
	case 454, 530, 534, 535:
		return KindAuth
	}
	switch {
	case code >= 400 && code < 500:
		return KindTransient
	case code >= 500:
		return KindPermanent
	}
	return KindTransient
}

func classifyGoogleAPI(e *googleapi.Error) Kind {
	if e.Code == http.StatusForbidden {
		// Gmail reports per-user rate limiting as 403
		for _, item := range e.Errors {
			if strings.Contains(strings.ToLower(item.Reason), "ratelimit") {
				return KindTransient
			}
		}
	}
	return classifyHTTPStatus(e.Code)
}

func classifyHTTPStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return KindTransient
	}
	switch {
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}

// classifyText catches providers that only surface flat error strings, such
// as the Resend API client.
func classifyText(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower,
		"unauthorized",
		"invalid api key",
		"api key is invalid",
		"authentication failed",
		"username and password not accepted",
	):
		return KindAuth
	case containsAny(lower,
		"validation_error",
		"invalid_to",
		"unprocessable",
	):
		return KindPermanent
	}
	return KindTransient
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isDisconnect reports whether err looks like the server dropped an open
// session, in which case one immediate reconnect is worth trying.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) && smtpErr.Code == 421 {
		return true
	}
	return false
}
