package server

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/model"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func dialRaw(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, `"pingInterval"`) {
		t.Fatalf("unexpected open packet: %s", open)
	}
	return conn
}

func connectPacket(t *testing.T, token string) []byte {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"token": token})
	return []byte("40" + string(payload))
}

func TestSocketIOConnectRejectsBadToken(t *testing.T) {
	r, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialRaw(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, connectPacket(t, "garbage")); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	reject := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(reject, "invalid token") {
		t.Fatalf("unexpected connect error: %s", reject)
	}
}

func TestSocketIOSendFansOutToMembers(t *testing.T) {
	r, st := newTestRouter(t)
	st.UpsertUser("u1", "Ada")
	st.UpsertUser("u2", "Bob")
	conv, err := st.CreateConversation("u1", model.ConversationDirect, "", []string{"u2"}, time.Now())
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	srv := httptest.NewServer(r)
	defer srv.Close()

	tokens := map[string]string{}
	for _, id := range []string{"u1", "u2"} {
		tok, err := auth.CreateToken(id, testTokenConfig)
		if err != nil {
			t.Fatalf("CreateToken: %v", err)
		}
		tokens[id] = tok
	}

	sender := dialRaw(t, srv)
	_ = sender.WriteMessage(websocket.TextMessage, connectPacket(t, tokens["u1"]))
	_ = waitForPrefix(t, sender, "40", 2*time.Second)

	receiver := dialRaw(t, srv)
	_ = receiver.WriteMessage(websocket.TextMessage, connectPacket(t, tokens["u2"]))
	_ = waitForPrefix(t, receiver, "40", 2*time.Second)

	send, _ := json.Marshal([]any{"message:send", map[string]any{
		"conversationId": conv.ID,
		"message":        map[string]string{"content": "over the socket"},
		"clientId":       "tmp-9",
	}})
	if err := sender.WriteMessage(websocket.TextMessage, append([]byte("42"), send...)); err != nil {
		t.Fatalf("WriteMessage(send): %v", err)
	}

	raw := waitForPrefix(t, receiver, `42["message:new"`, 2*time.Second)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(raw[2:]), &arr); err != nil || len(arr) != 2 {
		t.Fatalf("unexpected event %s (%v)", raw, err)
	}
	var msg model.Message
	if err := json.Unmarshal(arr[1], &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Content.Text != "over the socket" || msg.ClientID != "tmp-9" || msg.ConversationID != conv.ID {
		t.Fatalf("unexpected message %+v", msg)
	}
}
