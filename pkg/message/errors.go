package message

import (
	"errors"
	"fmt"
)

// Message layer errors.
var (
	// Header decoding errors
	ErrMessageTooShort = errors.New("message: data too short")
	ErrInvalidVersion  = errors.New("message: invalid version (must be 1)")
	ErrInvalidToken    = errors.New("message: invalid token length (must be 0-8)")

	// Encoding errors
	ErrMessageTooLong = errors.New("message: exceeds maximum size")
	ErrEncodeFailed   = errors.New("message: encoding failed")
)

// OptionError reports a message whose fixed header and token decoded
// correctly but whose options or payload marker did not. The recovered
// header is enough to reject the message with a Reset (RFC 7252 Section 4.2).
type OptionError struct {
	// Header is the successfully parsed fixed header.
	Header Header

	// Err is the underlying decoder error.
	Err error
}

// Error implements error.
func (e *OptionError) Error() string {
	return fmt.Sprintf("message: malformed options in %s mid=%d: %v", TypeName(e.Header.Type), e.Header.MessageID, e.Err)
}

// Unwrap returns the underlying decoder error.
func (e *OptionError) Unwrap() error {
	return e.Err
}

// IsOptionError reports whether err carries a recoverable header.
func IsOptionError(err error) (*OptionError, bool) {
	var oe *OptionError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
