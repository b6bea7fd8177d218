package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// SMTPCoder is implemented by errors that carry an SMTP reply code.
type SMTPCoder interface {
	SMTPCode() int
}

// IsRetryable reports whether err looks transient: network failures and
// timeouts, HTTP 5xx and 429, and SMTP 4xx replies. The Coordinator does not
// consult it unless a Policy sets RetryIf.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 || code == 429
	}

	var smtp SMTPCoder
	if errors.As(err, &smtp) {
		code := smtp.SMTPCode()
		return code >= 400 && code < 500
	}

	return false
}
