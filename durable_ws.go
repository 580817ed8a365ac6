package lopata

import (
	"context"
	"time"
)

const (
	doMaxWebSockets = 32768
	doMaxTags       = 10
	doMaxTagLength  = 256
)

// WebSocketRequestResponsePair configures an automatic reply to a fixed
// request message, served without waking the object.
type WebSocketRequestResponsePair struct {
	Request  string
	Response string
}

// AcceptWebSocket registers the server end of a pair with this
// instance. Inbound messages and the close event are delivered through
// the instance's serial task loop to the object's websocket handler
// methods.
func (s *DurableObjectState) AcceptWebSocket(ws *WebSocket, tags ...string) error {
	if len(tags) > doMaxTags {
		return errValidation("durable object: at most %d tags per websocket", doMaxTags)
	}
	for _, tag := range tags {
		if tag == "" || len(tag) > doMaxTagLength {
			return errValidation("durable object: tags must be 1..%d characters", doMaxTagLength)
		}
	}
	s.mu.Lock()
	if len(s.sockets) >= doMaxWebSockets {
		s.mu.Unlock()
		return errValidation("durable object: websocket limit of %d reached", doMaxWebSockets)
	}
	s.sockets = append(s.sockets, ws)
	autoReq, autoResp := s.autoReq, s.autoResp
	s.mu.Unlock()

	ws.mu.Lock()
	ws.tags = append([]string(nil), tags...)
	if autoReq != "" {
		ws.autoRespond = autoResponder(ws, autoReq, autoResp)
	}
	ws.mu.Unlock()

	ws.SetMessageHandler(func(data any) {
		s.dispatchMessage(ws, data)
	})
	ws.SetCloseHandler(func(code int, reason string) {
		s.dropWebSocket(ws)
		s.dispatchClose(ws, code, reason)
	})
	ws.Accept()
	return nil
}

// SetWebSocketAutoResponse installs (or, with nil, clears) the
// automatic reply for every socket on this instance.
func (s *DurableObjectState) SetWebSocketAutoResponse(pair *WebSocketRequestResponsePair) {
	s.mu.Lock()
	if pair == nil {
		s.autoReq, s.autoResp = "", ""
	} else {
		s.autoReq, s.autoResp = pair.Request, pair.Response
	}
	autoReq, autoResp := s.autoReq, s.autoResp
	sockets := append([]*WebSocket(nil), s.sockets...)
	s.mu.Unlock()
	for _, ws := range sockets {
		ws.mu.Lock()
		if autoReq == "" {
			ws.autoRespond = nil
		} else {
			ws.autoRespond = autoResponder(ws, autoReq, autoResp)
		}
		ws.mu.Unlock()
	}
}

// autoResponder replies on the accepting end without a task on the
// instance loop, so the object never wakes for the exchange.
func autoResponder(ws *WebSocket, request, response string) func(data any) bool {
	return func(data any) bool {
		text, ok := data.(string)
		if !ok || text != request {
			return false
		}
		ws.mu.Lock()
		ws.autoRespondAt = time.Now().UTC()
		ws.mu.Unlock()
		_ = ws.Send(response)
		return true
	}
}

// GetWebSocketAutoResponseTimestamp reports when the socket last served
// an automatic reply. The zero time means it never has.
func (s *DurableObjectState) GetWebSocketAutoResponseTimestamp(ws *WebSocket) time.Time {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.autoRespondAt
}

// GetWebSockets returns the accepted sockets, narrowed to one tag when
// given.
func (s *DurableObjectState) GetWebSockets(tag ...string) []*WebSocket {
	s.mu.Lock()
	sockets := append([]*WebSocket(nil), s.sockets...)
	s.mu.Unlock()
	if len(tag) == 0 || tag[0] == "" {
		return sockets
	}
	want := tag[0]
	var out []*WebSocket
	for _, ws := range sockets {
		for _, t := range ws.Tags() {
			if t == want {
				out = append(out, ws)
				break
			}
		}
	}
	return out
}

// GetTags returns the tags a socket was accepted with.
func (s *DurableObjectState) GetTags(ws *WebSocket) []string {
	return ws.Tags()
}

// dispatchMessage enqueues without waiting: the socket may have been
// accepted from inside a delivery, and its buffered replay must not
// block the loop on itself.
func (s *DurableObjectState) dispatchMessage(ws *WebSocket, data any) {
	s.inst.deliverAsync(func(obj any) error {
		h, ok := obj.(DurableObjectWebSocketHandler)
		if !ok {
			return nil
		}
		return h.WebSocketMessage(context.Background(), ws, data)
	}, func(err error) {
		s.reg.log.Error("websocket message handler failed",
			"class", s.inst.class, "id", s.ID.String(), "error", err)
		s.dispatchError(ws, err)
	})
}

func (s *DurableObjectState) dispatchClose(ws *WebSocket, code int, reason string) {
	s.inst.deliverAsync(func(obj any) error {
		h, ok := obj.(DurableObjectWebSocketCloser)
		if !ok {
			return nil
		}
		return h.WebSocketClose(context.Background(), ws, code, reason)
	}, func(err error) {
		s.reg.log.Error("websocket close handler failed",
			"class", s.inst.class, "id", s.ID.String(), "error", err)
		s.dispatchError(ws, err)
	})
}

// dispatchError forwards a socket handler failure to the object's error
// handler. A failure of the error handler itself is only logged.
func (s *DurableObjectState) dispatchError(ws *WebSocket, err error) {
	s.inst.deliverAsync(func(obj any) error {
		h, ok := obj.(DurableObjectWebSocketErrorHandler)
		if !ok {
			return nil
		}
		return h.WebSocketError(context.Background(), ws, err)
	}, func(err error) {
		s.reg.log.Error("websocket error handler failed",
			"class", s.inst.class, "id", s.ID.String(), "error", err)
	})
}

func (s *DurableObjectState) dropWebSocket(ws *WebSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.sockets {
		if candidate == ws {
			s.sockets = append(s.sockets[:i], s.sockets[i+1:]...)
			return
		}
	}
}

func (s *DurableObjectState) liveWebSockets() []*WebSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*WebSocket(nil), s.sockets...)
}

func (s *DurableObjectState) closeWebSockets() {
	for _, ws := range s.liveWebSockets() {
		ws.Close(1001, "durable object shut down")
	}
	s.mu.Lock()
	s.sockets = nil
	s.mu.Unlock()
}
