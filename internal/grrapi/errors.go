package grrapi

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"grrshell/internal/model"

	"github.com/pkg/errors"
)

// StatusError is a non-2xx answer from the GRR API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("grr api: http %d", e.Status)
	}
	return fmt.Sprintf("grr api: http %d: %s", e.Status, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case model.ErrRemoteFailure:
		return true
	case model.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
func (e *transportError) Is(target error) bool {
	return target == model.ErrRemoteFailure
}

// IsTransient reports whether a failed call may succeed when retried: network failures,
// throttling and server side errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transport *transportError
	return errors.As(err, &transport)
}

// IsUnauthorized reports authentication or approval failures.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Unauthorized()
}

func decodeStatusError(status int, payload []byte) error {
	var wrapper struct {
		Message string `json:"message"`
	}
	body := strings.TrimSpace(string(stripXSSI(payload)))
	if err := jsonUnmarshal([]byte(body), &wrapper); err == nil && strings.TrimSpace(wrapper.Message) != "" {
		return &StatusError{Status: status, Message: strings.TrimSpace(wrapper.Message)}
	}
	return &StatusError{Status: status, Message: body}
}
