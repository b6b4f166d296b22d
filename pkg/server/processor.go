package server

import (
	"bytes"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/resource"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// NewRequestProcessor implements exchange.ProcessorFactory.
func (s *Server) NewRequestProcessor(*exchange.MessageContext) exchange.Processor {
	return exchange.ProcessorFunc(s.processRequest)
}

// NewOptionErrorProcessor implements exchange.ProcessorFactory.
func (s *Server) NewOptionErrorProcessor(*exchange.MessageContext) exchange.Processor {
	return exchange.ProcessorFunc(s.processOptionError)
}

// NewErrorProcessor implements exchange.ProcessorFactory.
func (s *Server) NewErrorProcessor(*exchange.MessageContext) exchange.Processor {
	return exchange.ProcessorFunc(s.processError)
}

func (s *Server) processRequest(mc *exchange.MessageContext) {
	req := mc.Message
	path := req.Path()
	p, ok := s.registry.Lookup(path)
	if !ok {
		if s.log != nil {
			s.log.Debugf("%v /%s from %s: not found", req.Code, path, mc.Source)
		}
		s.respond(mc, resource.Result{Code: codes.NotFound}, false)
		return
	}
	if p.IsReadOnly() && req.Code != codes.GET {
		s.respond(mc, resource.Result{Code: codes.MethodNotAllowed}, false)
		return
	}

	separate := !p.IsImmediate()
	if separate && req.IsConfirmable() {
		if err := s.engine.Send(mc.Reply(message.NewEmptyAck(req.MessageID))); err != nil {
			return
		}
	}

	res := p.ExecuteMethod(s.context(), resource.NewRequest(req))
	if res.Code == codes.Content && len(res.ETag) == 0 {
		res.ETag = resource.ETag(res.Payload)
	}
	if req.Code == codes.GET && res.Code == codes.Content {
		if etag := req.ETag(); len(etag) > 0 && bytes.Equal(etag, res.ETag) {
			res.Code = codes.Valid
			res.Payload = nil
		}
	}

	if s.log != nil {
		s.log.Debugf("%v /%s from %s: %v", req.Code, path, mc.Source, res.Code)
	}
	s.respond(mc, res, separate)
}

// processOptionError rejects a request whose options could not be
// parsed. Only confirmable messages can be answered with a Reset.
func (s *Server) processOptionError(mc *exchange.MessageContext) {
	if !mc.Message.IsConfirmable() {
		if s.log != nil {
			s.log.Debugf("ignoring malformed %v from %s", mc.Message, mc.Source)
		}
		return
	}
	s.engine.Send(mc.Reply(message.NewReset(mc.Message.MessageID)))
}

func (s *Server) processError(mc *exchange.MessageContext) {
	if !mc.Message.IsRequest() {
		return
	}
	code := mc.ResponseCode
	if code == codes.Empty {
		code = codes.InternalServerError
	}
	s.respond(mc, resource.Result{Code: code}, false)
}

// respond answers the request in mc. Confirmable requests get a
// piggy-backed response unless separate is set, in which case a
// confirmable separate response follows the earlier empty ACK.
// Non-confirmable requests get a NON response.
func (s *Server) respond(mc *exchange.MessageContext, res resource.Result, separate bool) {
	req := mc.Message

	var resp *message.Message
	switch {
	case req.IsConfirmable() && !separate:
		resp = message.NewPiggyBackedResponse(req, res.Code, res.Payload)
	case req.IsConfirmable():
		resp = message.NewSeparateResponse(req, message.Confirmable, s.engine.NewMessageID(), res.Code, res.Payload)
	default:
		resp = message.NewSeparateResponse(req, message.NonConfirmable, s.engine.NewMessageID(), res.Code, res.Payload)
	}
	if len(res.ETag) > 0 {
		resp = resp.WithETag(res.ETag)
	}
	if res.MaxAge > 0 {
		resp = resp.WithMaxAge(res.MaxAge)
	}

	if err := s.engine.Send(mc.Reply(resp)); err != nil && s.log != nil {
		s.log.Warnf("responding to %v from %s: %v", req, mc.Source, err)
	}
}
