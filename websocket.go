package lopata

import (
	"encoding/json"
	"sync"
	"time"
)

// WebSocket ready states.
const (
	WebSocketConnecting = 0
	WebSocketOpen       = 1
	WebSocketClosing    = 2
	WebSocketClosed     = 3
)

const wsMaxAttachmentSize = 2048

// WebSocket is one end of an in-process socket pair. Messages sent
// before the receiving end has accepted and installed a message handler
// are buffered and replayed in order once it has.
type WebSocket struct {
	mu         sync.Mutex
	peer       *WebSocket
	accepted   bool
	state      int
	buffered   []any
	onMessage  func(data any)
	onClose    func(code int, reason string)
	closeEvent *wsCloseEvent

	// Durable Object bookkeeping, unused on plain pairs.
	tags          []string
	attachment    []byte
	autoRespond   func(data any) bool
	autoRespondAt time.Time
}

type wsCloseEvent struct {
	code   int
	reason string
}

// NewWebSocketPair returns two connected sockets. By convention index 0
// is returned to the client and index 1 is accepted by the handler.
func NewWebSocketPair() [2]*WebSocket {
	a := &WebSocket{state: WebSocketConnecting}
	b := &WebSocket{state: WebSocketConnecting}
	a.peer, b.peer = b, a
	return [2]*WebSocket{a, b}
}

// Accept begins delivering messages on this end. Anything the peer sent
// earlier is replayed once a message handler is installed.
func (ws *WebSocket) Accept() {
	ws.mu.Lock()
	ws.accepted = true
	if ws.state == WebSocketConnecting {
		ws.state = WebSocketOpen
	}
	ws.mu.Unlock()
	ws.flush()
}

// SetMessageHandler installs the inbound message callback. Data is
// either a string or a []byte.
func (ws *WebSocket) SetMessageHandler(fn func(data any)) {
	ws.mu.Lock()
	ws.onMessage = fn
	ws.mu.Unlock()
	ws.flush()
}

// SetCloseHandler installs the close callback.
func (ws *WebSocket) SetCloseHandler(fn func(code int, reason string)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onClose = fn
}

// ReadyState reports the connection state.
func (ws *WebSocket) ReadyState() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Send delivers data to the peer. Data must be a string (text frame) or
// a []byte (binary frame).
func (ws *WebSocket) Send(data any) error {
	switch data.(type) {
	case string, []byte:
	default:
		return errValidation("websocket: send expects string or []byte, got %T", data)
	}
	ws.mu.Lock()
	if ws.state == WebSocketClosing || ws.state == WebSocketClosed {
		ws.mu.Unlock()
		return errValidation("websocket: send on a closed socket")
	}
	peer := ws.peer
	ws.mu.Unlock()
	peer.receive(data)
	return nil
}

func (ws *WebSocket) receive(data any) {
	ws.mu.Lock()
	if ws.state == WebSocketClosed {
		ws.mu.Unlock()
		return
	}
	if ws.autoRespond != nil {
		fn := ws.autoRespond
		ws.mu.Unlock()
		if fn(data) {
			return
		}
		ws.mu.Lock()
	}
	if !ws.accepted || ws.onMessage == nil {
		ws.buffered = append(ws.buffered, data)
		ws.mu.Unlock()
		return
	}
	fn := ws.onMessage
	ws.mu.Unlock()
	fn(data)
}

// flush replays buffered messages once the socket is accepted and has a
// handler.
func (ws *WebSocket) flush() {
	for {
		ws.mu.Lock()
		if !ws.accepted || ws.onMessage == nil || len(ws.buffered) == 0 {
			pending := ws.closeEvent
			fn := ws.onClose
			if pending != nil && ws.accepted && fn != nil {
				ws.closeEvent = nil
				ws.mu.Unlock()
				fn(pending.code, pending.reason)
				return
			}
			ws.mu.Unlock()
			return
		}
		data := ws.buffered[0]
		ws.buffered = ws.buffered[1:]
		fn := ws.onMessage
		ws.mu.Unlock()
		fn(data)
	}
}

// Close shuts down both ends. The peer's close handler observes the
// given code and reason exactly once; repeated calls are no-ops.
func (ws *WebSocket) Close(code int, reason string) {
	ws.mu.Lock()
	if ws.state == WebSocketClosed {
		ws.mu.Unlock()
		return
	}
	ws.state = WebSocketClosed
	peer := ws.peer
	ws.mu.Unlock()
	peer.closedByPeer(code, reason)
}

func (ws *WebSocket) closedByPeer(code int, reason string) {
	ws.mu.Lock()
	if ws.state == WebSocketClosed {
		ws.mu.Unlock()
		return
	}
	ws.state = WebSocketClosed
	fn := ws.onClose
	if fn == nil || !ws.accepted {
		// Deliver once the handler shows up.
		ws.closeEvent = &wsCloseEvent{code: code, reason: reason}
		ws.mu.Unlock()
		return
	}
	ws.mu.Unlock()
	fn(code, reason)
}

// Tags returns the tags the socket was accepted with, if any.
func (ws *WebSocket) Tags() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.tags...)
}

// SerializeAttachment stores an application value on the socket. The
// serialized form is capped at 2 KiB.
func (ws *WebSocket) SerializeAttachment(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errValidation("websocket: attachment not serializable: %v", err)
	}
	if len(data) > wsMaxAttachmentSize {
		return errValidation("websocket: attachment is %d bytes, limit is %d", len(data), wsMaxAttachmentSize)
	}
	ws.mu.Lock()
	ws.attachment = data
	ws.mu.Unlock()
	return nil
}

// DeserializeAttachment loads the stored attachment into v. It is a
// NotFound error when no attachment was ever stored.
func (ws *WebSocket) DeserializeAttachment(v any) error {
	ws.mu.Lock()
	data := ws.attachment
	ws.mu.Unlock()
	if data == nil {
		return errNotFound("websocket: no attachment")
	}
	return json.Unmarshal(data, v)
}
