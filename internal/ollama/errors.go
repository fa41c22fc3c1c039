package ollama

import (
	"errors"
	"fmt"
)

// Error taxonomy for the inference server boundary. Callers branch on
// these to decide retryability: an unreachable server is worth retrying,
// a missing model is not until the model changes, and a remote
// generation error is terminal for the request.
var (
	// ErrUnreachable wraps transport failures reaching the server.
	ErrUnreachable = errors.New("inference server unreachable")

	// ErrModelNotFound means the requested model is absent from the
	// server's catalog.
	ErrModelNotFound = errors.New("model not found")
)

// RemoteError is a generation failure signaled by the server inside a
// response line. Fragments delivered before the error remain valid;
// there is no rollback.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote generation error: %s", e.Message)
}

// ProtocolError means a server response could not be interpreted at all.
// Individual malformed stream lines are skipped, not surfaced; this is
// for responses that are unusable as a whole.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}
