// Package resource defines the providers a CoAP server dispatches
// requests to, and a registry mapping paths to them.
package resource

import (
	"context"
	"strings"

	"github.com/backkem/coap/pkg/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/crypto/blake2b"
)

// ETagSize is the length of derived entity tags.
const ETagSize = 8

// Request is the provider's view of an inbound request.
type Request struct {
	Method  codes.Code
	Path    string
	Query   string
	Payload []byte

	// ETag is the entity tag the client already holds, if any.
	ETag []byte

	// Message is the decoded request.
	Message *message.Message
}

// NewRequest builds a Request from a decoded message.
func NewRequest(msg *message.Message) Request {
	return Request{
		Method:  msg.Code,
		Path:    msg.Path(),
		Query:   msg.Query(),
		Payload: msg.Payload,
		ETag:    msg.ETag(),
		Message: msg,
	}
}

// Result is a provider's answer.
type Result struct {
	Code    codes.Code
	Payload []byte

	// ETag identifies the representation. If empty the server derives one
	// from a 2.05 Content payload.
	ETag []byte

	// MaxAge is the freshness lifetime in seconds. Zero leaves the option
	// out, which clients read as 60 seconds.
	MaxAge uint32
}

// Provider executes requests for one resource.
type Provider interface {
	// ExecuteMethod runs the request. It may block, for example on an
	// upstream fetch; ctx is cancelled when the server shuts down.
	ExecuteMethod(ctx context.Context, req Request) Result

	// IsImmediate reports whether results are ready fast enough to be
	// piggy-backed on the acknowledgement.
	IsImmediate() bool

	// IsReadOnly reports whether only GET is allowed.
	IsReadOnly() bool
}

// ETag derives an entity tag from a representation with BLAKE2b.
func ETag(payload []byte) []byte {
	h, err := blake2b.New(ETagSize, nil)
	if err != nil {
		// Only reachable with an invalid size or key.
		panic(err)
	}
	h.Write(payload)
	return h.Sum(nil)
}

// CleanPath strips leading and trailing slashes.
func CleanPath(path string) string {
	return strings.Trim(path, "/")
}

func isMethod(c codes.Code) bool {
	switch c {
	case codes.GET, codes.POST, codes.PUT, codes.DELETE:
		return true
	}
	return false
}
