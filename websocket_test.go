package lopata

import (
	"strings"
	"testing"
)

func TestWebSocketPairDelivery(t *testing.T) {
	pair := NewWebSocketPair()
	client, server := pair[0], pair[1]

	var got []any
	server.SetMessageHandler(func(data any) { got = append(got, data) })
	server.Accept()
	client.Accept()

	if err := client.Send("text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	if len(got) != 2 || got[0] != "text" {
		t.Fatalf("received = %v", got)
	}
	if b, ok := got[1].([]byte); !ok || len(b) != 3 {
		t.Fatalf("binary frame = %v", got[1])
	}
}

func TestWebSocketBuffersUntilAccepted(t *testing.T) {
	pair := NewWebSocketPair()
	client, server := pair[0], pair[1]
	client.Accept()

	// Sent before the server end accepted or installed a handler.
	if err := client.Send("one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send("two"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got []any
	server.SetMessageHandler(func(data any) { got = append(got, data) })
	if len(got) != 0 {
		t.Fatalf("messages delivered before accept: %v", got)
	}
	server.Accept()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("buffered replay = %v", got)
	}
}

func TestWebSocketSendValidation(t *testing.T) {
	pair := NewWebSocketPair()
	client := pair[0]
	client.Accept()
	if err := client.Send(42); !IsValidation(err) {
		t.Fatalf("int send: got %v, want validation error", err)
	}
	client.Close(1000, "done")
	if err := client.Send("late"); !IsValidation(err) {
		t.Fatalf("send after close: got %v, want validation error", err)
	}
}

func TestWebSocketCloseDeliveredOnce(t *testing.T) {
	pair := NewWebSocketPair()
	client, server := pair[0], pair[1]

	var closes []string
	server.SetCloseHandler(func(code int, reason string) {
		closes = append(closes, reason)
		if code != 1000 {
			t.Errorf("code = %d", code)
		}
	})
	server.SetMessageHandler(func(any) {})
	server.Accept()

	client.Accept()
	client.Close(1000, "done")
	client.Close(1000, "again")
	if len(closes) != 1 || closes[0] != "done" {
		t.Fatalf("closes = %v", closes)
	}
	if server.ReadyState() != WebSocketClosed || client.ReadyState() != WebSocketClosed {
		t.Fatalf("states = %d / %d", server.ReadyState(), client.ReadyState())
	}
}

func TestWebSocketCloseBeforeAcceptIsDeferred(t *testing.T) {
	pair := NewWebSocketPair()
	client, server := pair[0], pair[1]
	client.Accept()
	client.Close(1001, "gone")

	var closes []string
	server.SetCloseHandler(func(code int, reason string) { closes = append(closes, reason) })
	server.SetMessageHandler(func(any) {})
	if len(closes) != 0 {
		t.Fatalf("close delivered before accept")
	}
	server.Accept()
	if len(closes) != 1 || closes[0] != "gone" {
		t.Fatalf("deferred close = %v", closes)
	}
}

func TestWebSocketMessagesReplayBeforeClose(t *testing.T) {
	pair := NewWebSocketPair()
	client, server := pair[0], pair[1]
	client.Accept()
	if err := client.Send("last words"); err != nil {
		t.Fatalf("send: %v", err)
	}
	client.Close(1000, "bye")

	var order []string
	server.SetMessageHandler(func(data any) { order = append(order, "msg:"+data.(string)) })
	server.SetCloseHandler(func(code int, reason string) { order = append(order, "close:"+reason) })
	server.Accept()
	if len(order) != 2 || order[0] != "msg:last words" || order[1] != "close:bye" {
		t.Fatalf("order = %v", order)
	}
}

func TestWebSocketAttachment(t *testing.T) {
	pair := NewWebSocketPair()
	ws := pair[1]

	var out map[string]string
	if err := ws.DeserializeAttachment(&out); !IsNotFound(err) {
		t.Fatalf("missing attachment: got %v, want not-found", err)
	}
	if err := ws.SerializeAttachment(map[string]string{"user": "abby"}); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := ws.DeserializeAttachment(&out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if out["user"] != "abby" {
		t.Fatalf("attachment = %v", out)
	}
	if err := ws.SerializeAttachment(strings.Repeat("x", wsMaxAttachmentSize)); !IsValidation(err) {
		t.Fatalf("oversized attachment: got %v, want validation error", err)
	}
}
