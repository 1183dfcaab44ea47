package srv

import "errors"

var (
	// ErrMalformedFrame is returned when a frame is not a single JSON object.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is reported when a connection buffers more than the
	// configured frame size without a terminator.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrUnauthorized is returned for a broadcast with the wrong secret or a
	// subscribe rejected by the auth gateway.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConnClosed is returned by Send on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)
