package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/aptfetch/internal/apt"
)

var (
	// ErrTransport marks failures talking to a mirror.
	ErrTransport = errors.New("transport error")

	// ErrNotFound is returned when the mirror does not have the archive.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks an attempt that exceeded its own deadline.
	// The session itself was not cancelled.
	ErrTimeout = errors.New("attempt timed out")

	// ErrStorage marks failures writing to the archive directory.
	ErrStorage = errors.New("storage error")

	// ErrResolverMissing is returned when the resolver executable cannot be started.
	ErrResolverMissing = errors.New("resolver not available")

	// ErrLocked is returned when another aptfetch run holds the archive directory lock.
	ErrLocked = errors.New("archive directory is locked")
)

// TransferError is a non-success HTTP response.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %d %s: %v", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func newTransferError(url string, status int) error {
	var cause error
	switch status {
	case http.StatusNotFound, http.StatusGone:
		cause = ErrNotFound
	default:
		cause = ErrTransport
	}
	return &TransferError{URL: url, StatusCode: status, Err: cause}
}

// ErrorKind classifies the error of a failed fetch.
type ErrorKind int

// Error kinds, from most to least specific.
const (
	KindNone ErrorKind = iota
	KindChecksumMismatch
	KindTruncated
	KindSizeMismatch
	KindUnsupportedAlgorithm
	KindNotFound
	KindTimeout
	KindTransport
	KindStorage
	KindCancelled
	KindOther
)

var kindNames = map[ErrorKind]string{
	KindNone:                 "none",
	KindChecksumMismatch:     "checksum-mismatch",
	KindTruncated:            "truncated",
	KindSizeMismatch:         "size-mismatch",
	KindUnsupportedAlgorithm: "unsupported-algorithm",
	KindNotFound:             "not-found",
	KindTimeout:              "timeout",
	KindTransport:            "transport",
	KindStorage:              "storage",
	KindCancelled:            "cancelled",
	KindOther:                "other",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Classify returns the ErrorKind of err.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, apt.ErrChecksumMismatch):
		return KindChecksumMismatch
	case errors.Is(err, apt.ErrTruncated):
		return KindTruncated
	case errors.Is(err, apt.ErrSizeMismatch):
		return KindSizeMismatch
	case errors.Is(err, apt.ErrUnsupportedAlgorithm):
		return KindUnsupportedAlgorithm
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	return KindOther
}

// isContentError returns true if the bytes arrived but were wrong.
// Such failures are retried at most RetryPolicy.MismatchRetries times.
func isContentError(err error) bool {
	return errors.Is(err, apt.ErrChecksumMismatch) || errors.Is(err, apt.ErrSizeMismatch)
}

// DefaultRetryable reports whether another attempt could fix err.
//
// Interrupted or short transfers, server errors and attempt timeouts
// are transient. Missing archives, other client errors, storage
// failures and cancellation are not.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, apt.ErrUnsupportedAlgorithm):
		return false
	case errors.Is(err, ErrStorage):
		return false
	case errors.Is(err, apt.ErrTruncated):
		return true
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var te *TransferError
	if errors.As(err, &te) {
		switch {
		case te.StatusCode >= 500:
			return true
		case te.StatusCode == http.StatusRequestTimeout, te.StatusCode == http.StatusTooManyRequests:
			return true
		}
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, ErrTransport)
}

// NotFoundRetryable is DefaultRetryable that also retries missing archives,
// for mirrors that are still syncing.
func NotFoundRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) || DefaultRetryable(err)
}
