package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInvalidDocument is wrapped by ValidationError when a file is not a well-formed PDF
var ErrInvalidDocument = errors.New("invalid document")

// ValidationError reports bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown document, remote file or entity
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// TransientRemoteError is returned once retries against the remote index are exhausted
type TransientRemoteError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// RemoteRejectedError is a permanent 4xx-class rejection from the remote index
type RemoteRejectedError struct {
	Op   string
	Code int
	Err  error
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%d): %v", e.Op, e.Code, e.Err)
}

func (e *RemoteRejectedError) Unwrap() error { return e.Err }

// RateLimitedError is raised by an enrichment provider that is throttling us
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// ProviderUnavailableError is raised by an enrichment provider that cannot answer right now
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// AmbiguousError is raised when a lookup matches several distinct candidates
type AmbiguousError struct {
	Provider   string
	Candidates []Candidate
}

func (e *AmbiguousError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = c.Name
	}
	return fmt.Sprintf("%s returned %d candidates: %s", e.Provider, len(e.Candidates), strings.Join(names, "; "))
}

// IsUserFacing reports whether err carries a message that is safe to show an end user
func IsUserFacing(err error) bool {
	var vErr *ValidationError
	var nfErr *NotFoundError
	return errors.As(err, &vErr) || errors.As(err, &nfErr)
}

// remoteErrorClass is how a remote failure should be handled
type remoteErrorClass int

const (
	classTransient remoteErrorClass = iota
	classPermanent
	classNotFound
)

// classifyRemote inspects errors returned by the Gemini client. The File API
// surfaces *apierror.APIError, older REST paths *googleapi.Error, and gRPC
// transports a status. Throttling, server faults and network errors are
// transient. Any other 4xx is permanent.
func classifyRemote(err error) (remoteErrorClass, int) {
	if errors.Is(err, context.Canceled) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return classPermanent, 0
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyHTTP(gErr.Code)
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if code := apiErr.HTTPCode(); code > 0 {
			return classifyHTTP(code)
		}
		if st := apiErr.GRPCStatus(); st != nil {
			return classifyGRPC(st.Code())
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyGRPC(st.Code())
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return classTransient, 0
	}

	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return classPermanent, rejected.Code
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return classNotFound, http.StatusNotFound
	}

	// Unknown failures are retried; the attempt budget bounds the cost.
	return classTransient, 0
}

func classifyHTTP(code int) (remoteErrorClass, int) {
	switch {
	case code == http.StatusNotFound:
		return classNotFound, code
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return classTransient, code
	case code >= 400:
		return classPermanent, code
	}
	return classTransient, code
}

func classifyGRPC(c codes.Code) (remoteErrorClass, int) {
	switch c {
	case codes.NotFound:
		return classNotFound, http.StatusNotFound
	case codes.ResourceExhausted:
		return classTransient, http.StatusTooManyRequests
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return classTransient, http.StatusServiceUnavailable
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return classPermanent, http.StatusBadRequest
	case codes.Unauthenticated:
		return classPermanent, http.StatusUnauthorized
	case codes.PermissionDenied:
		return classPermanent, http.StatusForbidden
	}
	return classTransient, 0
}
