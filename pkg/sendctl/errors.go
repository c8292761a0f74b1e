package sendctl

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned when a send is already running on the controller.
	ErrBusy         = errors.New("sendctl: a message is already being sent")
	ErrEmptyMessage = errors.New("sendctl: empty message")
)

// SendError reports a failed send. The optimistic user message and any partial
// reply stay visible and the history has been reconciled with the server.
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to session %s: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
