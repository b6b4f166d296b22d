package resource

import (
	"context"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// EchoProvider answers every method with the request payload, or the
// query string when the payload is empty.
type EchoProvider struct {
	// Delayed makes the server answer with a separate response.
	Delayed bool
}

// ExecuteMethod implements Provider.
func (e *EchoProvider) ExecuteMethod(_ context.Context, req Request) Result {
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte(req.Query)
	}
	return Result{Code: codes.Content, Payload: append([]byte(nil), payload...)}
}

// IsImmediate implements Provider.
func (e *EchoProvider) IsImmediate() bool { return !e.Delayed }

// IsReadOnly implements Provider.
func (e *EchoProvider) IsReadOnly() bool { return false }

// StaticProvider holds a value.
//
//	GET    2.05 with the value
//	PUT    replaces the value, 2.04
//	POST   appends the payload, 2.04
//	DELETE clears the value, 2.02
type StaticProvider struct {
	readOnly bool
	maxAge   uint32

	mu    sync.RWMutex
	value []byte
	etag  []byte
}

// NewStaticProvider creates a provider serving value. maxAge is the
// freshness lifetime in seconds; zero omits the option.
func NewStaticProvider(value []byte, readOnly bool, maxAge uint32) *StaticProvider {
	s := &StaticProvider{readOnly: readOnly, maxAge: maxAge}
	s.set(append([]byte(nil), value...))
	return s
}

func (s *StaticProvider) set(v []byte) {
	s.value = v
	s.etag = ETag(v)
}

// Value returns a copy of the current value.
func (s *StaticProvider) Value() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.value...)
}

// ExecuteMethod implements Provider.
func (s *StaticProvider) ExecuteMethod(_ context.Context, req Request) Result {
	if req.Method != codes.GET && s.readOnly {
		return Result{Code: codes.MethodNotAllowed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case codes.GET:
		return Result{
			Code:    codes.Content,
			Payload: append([]byte(nil), s.value...),
			ETag:    s.etag,
			MaxAge:  s.maxAge,
		}
	case codes.PUT:
		s.set(append([]byte(nil), req.Payload...))
		return Result{Code: codes.Changed, ETag: s.etag}
	case codes.POST:
		s.set(append(append([]byte(nil), s.value...), req.Payload...))
		return Result{Code: codes.Changed, ETag: s.etag}
	case codes.DELETE:
		s.set(nil)
		return Result{Code: codes.Deleted}
	}
	return Result{Code: codes.MethodNotAllowed}
}

// IsImmediate implements Provider.
func (s *StaticProvider) IsImmediate() bool { return true }

// IsReadOnly implements Provider.
func (s *StaticProvider) IsReadOnly() bool { return s.readOnly }
