package inbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Precondition failures. These are returned before any network call.
var (
	ErrNoSession           = errors.New("inbox: no local user in session")
	ErrEmptyContent        = errors.New("inbox: message content is empty")
	ErrMissingReceiver     = errors.New("inbox: receiver is required")
	ErrViewClosed          = errors.New("inbox: view is closed")
	ErrStoreClosed         = errors.New("inbox: store is closed")
	ErrUnknownConversation = errors.New("inbox: unknown conversation")
	ErrNotSelected         = errors.New("inbox: conversation is not selected")
)

// ErrUnauthorized is wrapped by every 401 APIError. The session has already
// been invalidated when a caller sees it.
var ErrUnauthorized = errors.New("inbox: session is no longer valid")

const validationFallback = "Please check the message and try again."

// APIError represents a failed persistence API call. Status 0 means the
// request never produced an HTTP response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return e.Err
}

// ValidationError is a 400/422 rejection with a message fit for the user.
type ValidationError struct {
	Status  int
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

func newAPIError(status int, code, message string, err error) *APIError {
	if code == "" {
		code = codeForStatus(status)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{Status: status, Code: code, Message: message, Err: err}
}

func codeForStatus(status int) string {
	switch {
	case status == 0:
		return "NETWORK"
	case status == http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return "BAD_REQUEST"
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status >= 500:
		return "INTERNAL_ERROR"
	default:
		return "HTTP_ERROR"
	}
}

// IsUnauthorized reports whether err came from a 401 response.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransport reports whether err is a request that never got a response.
func IsTransport(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 0
}

// IsValidation reports whether err is a local or server-side validation
// failure that the user can fix by editing their input.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr) ||
		errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrMissingReceiver)
}

// asValidation turns a 400/422 APIError into a ValidationError, verbatim
// server message when there is one.
func asValidation(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Status != http.StatusBadRequest && apiErr.Status != http.StatusUnprocessableEntity {
		return err
	}
	msg := apiErr.Message
	if msg == "" || msg == http.StatusText(apiErr.Status) {
		msg = validationFallback
	}
	return &ValidationError{Status: apiErr.Status, Message: msg, Err: apiErr}
}
