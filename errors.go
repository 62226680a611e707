package nbns

import "errors"

var (
	// ErrSocketNotInitialized is returned by AddName and DeleteName once the
	// name service socket has been closed or shutdown has begun.
	ErrSocketNotInitialized = errors.New("name service socket not initialized")

	// ErrMalformedPacket wraps every decode failure.
	ErrMalformedPacket = errors.New("malformed name service packet")

	ErrInvalidName     = errors.New("invalid NetBIOS name")
	ErrInvalidConfig   = errors.New("invalid name service configuration")
	ErrAlreadyStarted  = errors.New("name service already started")
	ErrShutdownTimeout = errors.New("name service shutdown timed out")
)
