package exchange

import "errors"

// Errors returned by the exchange package.
//
// Protocol failures (timeouts, resets, malformed options) are not errors:
// they are reported through MessageContext.ResponseCode.
var (
	// ErrClientClosed is returned when a ClientEngine is used after Close,
	// or when Close interrupts a pending SendReceive.
	ErrClientClosed = errors.New("exchange: client closed")

	// ErrEngineClosed is returned when a MessageEngine is used after Close.
	ErrEngineClosed = errors.New("exchange: engine closed")

	// ErrDuplicateRequest is returned when a request with the same token or
	// message ID is already waiting for a response.
	ErrDuplicateRequest = errors.New("exchange: request already pending")

	// ErrRequestNotFound is returned when deregistering a request that is
	// not tracked.
	ErrRequestNotFound = errors.New("exchange: request not found")

	// ErrNoMessage is returned when a MessageContext carries no message.
	ErrNoMessage = errors.New("exchange: context has no message")

	// ErrNoMessaging is returned when an engine is configured without a
	// Messaging instance.
	ErrNoMessaging = errors.New("exchange: messaging not configured")

	// ErrNoProcessorFactory is returned when a MessageEngine is configured
	// without a ProcessorFactory.
	ErrNoProcessorFactory = errors.New("exchange: processor factory not configured")

	// ErrInvalidRemote is returned when a ClientEngine has no valid remote.
	ErrInvalidRemote = errors.New("exchange: invalid remote endpoint")

	// ErrInvalidParameters is returned by TransmissionParameters.Validate.
	ErrInvalidParameters = errors.New("exchange: invalid transmission parameters")
)
