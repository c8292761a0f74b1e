package transport

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrLocalID is returned when a client-synthesized session id is about to be sent
// to the chat service. Such ids have no server-side existence.
var ErrLocalID = errors.New("transport: local session id cannot be sent to the server")

// TransportError describes a rejected request or a non-success status.
type TransportError struct {
	Op     string
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Method, e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: %s %s: status %d: %s", e.Op, e.Method, e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s %s: status %d", e.Op, e.Method, e.URL, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFound reports a 404 from the chat service.
func (e *TransportError) NotFound() bool {
	return e != nil && e.Status == http.StatusNotFound
}

// Temporary reports failures worth retrying later: connection errors, 429 and 5xx.
func (e *TransportError) Temporary() bool {
	if e == nil {
		return false
	}
	if e.Err != nil {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// IsNotFound unwraps err looking for a 404 TransportError.
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.NotFound()
}
