// Package nas provides an HTTP client for the NAS appliance's web API:
// endpoint resolution, per-family session management with single-flight
// login, file and folder operations, media-library lookups and streaming
// downloads.
package nas

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for remote failure classification.
// Use errors.Is(err, nas.ErrNotFound) to check.
var (
	ErrEndpointUnreachable  = errors.New("nas: no endpoint reachable")
	ErrAuthenticationFailed = errors.New("nas: authentication failed")
	ErrSessionRejected      = errors.New("nas: session rejected")
	ErrNotFound             = errors.New("nas: not found")
	ErrPermissionDenied     = errors.New("nas: permission denied")
	ErrAlreadyExists        = errors.New("nas: already exists")
	ErrTransientUpstream    = errors.New("nas: transient upstream error")
	ErrRemote               = errors.New("nas: remote error")
)

// Common error codes shared by every API of the appliance.
const (
	codeNoPermission     = 105
	codeSessionTimeout   = 106
	codeSessionInterrupt = 107
	codeSIDNotFound      = 119
)

// File API error codes.
const (
	codeFileBusy       = 402
	codeFileNotAllowed = 407
	codeFileNotFound   = 408
	codeFileExists     = 414
)

// APIError wraps a sentinel error with the API call that produced it, the
// remote error code (0 for transport-level failures) and the HTTP status.
type APIError struct {
	API        string
	Method     string
	Path       string // remote path the call operated on, if any
	Code       int
	HTTPStatus int
	Message    string // transport error text or truncated response body
	Err        error  // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	target := e.API + "." + e.Method
	if e.Path != "" {
		target += " " + e.Path
	}

	var msg string

	switch {
	case e.Code != 0:
		msg = fmt.Sprintf("nas: %s: error code %d: %v", target, e.Code, e.Err)
	case e.HTTPStatus != 0:
		msg = fmt.Sprintf("nas: %s: HTTP %d: %v", target, e.HTTPStatus, e.Err)
	default:
		msg = fmt.Sprintf("nas: %s: %v", target, e.Err)
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyCode maps a remote error code to a sentinel. The auth API reuses
// the 400 range with different meanings, so the api name takes part.
func classifyCode(api string, code int) error {
	switch code {
	case codeSessionTimeout, codeSessionInterrupt, codeSIDNotFound:
		return ErrSessionRejected
	}

	if api == apiAuth {
		if code >= 400 && code <= 410 {
			return ErrAuthenticationFailed
		}

		return ErrRemote
	}

	switch code {
	case codeNoPermission, codeFileNotAllowed:
		return ErrPermissionDenied
	case codeFileNotFound:
		return ErrNotFound
	case codeFileExists:
		return ErrAlreadyExists
	case codeFileBusy:
		return ErrTransientUpstream
	default:
		return ErrRemote
	}
}

// classifyStatus maps a non-2xx HTTP status from a binary endpoint to a
// sentinel. Returns nil for 2xx.
func classifyStatus(status int) error {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrSessionRejected
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return ErrTransientUpstream
	default:
		return ErrRemote
	}
}
