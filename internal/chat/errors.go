package chat

import "errors"

// ErrValidation marks a malformed inbound frame: bad JSON or a missing
// required field. The frame is dropped without touching the connection.
var ErrValidation = errors.New("invalid frame")
