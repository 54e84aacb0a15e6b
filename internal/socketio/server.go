package socketio

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/hub"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second

	pingInterval = 25 * time.Second
	pingTimeout  = 20 * time.Second

	roomEveryone = "all"
)

func userRoom(userID string) string         { return "user:" + userID }
func conversationRoom(convID string) string { return "conv:" + convID }

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
}

type activeCall struct {
	id             string
	callerID       string
	conversationID string
	members        []string
}

type Server struct {
	store       *store.Store
	tokenConfig auth.TokenConfig
	logger      *zap.Logger

	upgrader websocket.Upgrader
	rooms    *hub.Hub

	callMu sync.Mutex
	calls  map[string]activeCall
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:       deps.Store,
		tokenConfig: deps.TokenConfig,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: hub.New(),
		calls: make(map[string]activeCall),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.unregisterConn(c)

	open := openPacket{
		SID:          c.sid,
		PingInterval: int(pingInterval / time.Millisecond),
		PingTimeout:  int(pingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// EmitToUser sends an event to every socket of userID.
func (s *Server) EmitToUser(userID string, event string, payload any) {
	s.emit(userRoom(userID), nil, event, payload)
}

func (s *Server) EmitToUsers(userIDs []string, event string, payload any) {
	for _, id := range userIDs {
		s.EmitToUser(id, event, payload)
	}
}

// EmitToConversation sends an event to the sockets that joined the
// conversation room.
func (s *Server) EmitToConversation(conversationID string, event string, payload any) {
	s.emit(conversationRoom(conversationID), nil, event, payload)
}

// DisconnectUser ends every socket session of userID with a server-side
// DISCONNECT packet.
func (s *Server) DisconnectUser(userID string) {
	s.rooms.Broadcast(userRoom(userID), []byte(buildDisconnectPacket("/")), nil)
}

func (s *Server) emit(room string, except *conn, event string, payload any) {
	packet, err := buildEventPacket("/", event, payload)
	if err != nil {
		s.logger.Warn("socket_emit_encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	var skip hub.Writer
	if except != nil {
		skip = except
	}
	s.rooms.Broadcast(room, []byte(packet), skip)
}

func (s *Server) unregisterConn(c *conn) {
	emptied := s.rooms.LeaveAll(c)
	c.close()
	if c.userID == "" {
		return
	}
	for _, room := range emptied {
		if room == userRoom(c.userID) && s.store.SetOnline(c.userID, false) {
			s.emit(roomEveryone, nil, "user:offline", gin.H{"userId": c.userID})
		}
	}
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case enginePing:
		_ = c.writeText(string(enginePong))
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketDisconnect:
		c.close()
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

func (s *Server) rejectConnect(c *conn, message string) {
	packet, err := buildConnectErrorPacket("/", message)
	if err == nil {
		_ = c.writeText(packet)
	}
	s.logger.Info("socket_connect_rejected", zap.String("reason", message))
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	var authObj struct {
		Token string `json:"token"`
	}
	if rest == "" || json.Unmarshal([]byte(rest), &authObj) != nil || authObj.Token == "" {
		s.rejectConnect(c, "Authentication error: missing token")
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID == "" {
		s.rejectConnect(c, "Authentication error: invalid token")
		return
	}

	c.userID = claims.UserID
	s.store.UpsertUser(c.userID, "")
	c.connected.Store(true)

	first := s.rooms.Join(userRoom(c.userID), c)
	s.rooms.Join(roomEveryone, c)

	packet, err := buildConnectPacket("/", map[string]string{"sid": c.sid})
	if err == nil {
		_ = c.writeText(packet)
	}
	if first && s.store.SetOnline(c.userID, true) {
		s.emit(roomEveryone, c, "user:online", gin.H{"userId": c.userID})
	}
}

type conversationBody struct {
	ConversationID string `json:"conversationId"`
}

type reactionBody struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type callBody struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"`
}

func firstArg(pkt eventPacket, v any) bool {
	return len(pkt.Args) > 0 && json.Unmarshal(pkt.Args[0], v) == nil
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "conversation:join":
		var body conversationBody
		if !firstArg(pkt, &body) || !s.store.IsMember(c.userID, body.ConversationID) {
			return
		}
		s.rooms.Join(conversationRoom(body.ConversationID), c)

	case "conversation:leave":
		var body conversationBody
		if !firstArg(pkt, &body) {
			return
		}
		s.rooms.Leave(conversationRoom(body.ConversationID), c)

	case "typing:start", "typing:stop":
		var body conversationBody
		if !firstArg(pkt, &body) || !s.store.IsMember(c.userID, body.ConversationID) {
			return
		}
		u, _ := s.store.GetUser(c.userID)
		s.emit(conversationRoom(body.ConversationID), c, pkt.Event, gin.H{
			"conversationId": body.ConversationID,
			"userId":         c.userID,
			"userName":       u.Name,
		})

	case "message:send":
		s.handleSend(c, pkt)

	case "message:react":
		var body reactionBody
		if !firstArg(pkt, &body) || body.MessageID == "" || body.Reaction == "" {
			return
		}
		msg, changed, err := s.store.AddReaction(c.userID, body.MessageID, body.Reaction)
		if err != nil || !changed {
			return
		}
		s.EmitToConversation(msg.ConversationID, "message:reaction", gin.H{
			"messageId":      msg.ID,
			"conversationId": msg.ConversationID,
			"reaction":       body.Reaction,
			"userId":         c.userID,
		})

	case "message:remove_reaction":
		var body reactionBody
		if !firstArg(pkt, &body) || body.MessageID == "" || body.Reaction == "" {
			return
		}
		msg, changed, err := s.store.RemoveReaction(c.userID, body.MessageID, body.Reaction)
		if err != nil || !changed {
			return
		}
		s.EmitToConversation(msg.ConversationID, "message:reaction_removed", gin.H{
			"messageId":      msg.ID,
			"conversationId": msg.ConversationID,
			"reaction":       body.Reaction,
			"userId":         c.userID,
		})

	case "call:initiate":
		s.handleCallInitiate(c, pkt)

	case "call:accept", "call:reject", "call:end":
		s.handleCallUpdate(c, pkt)
	}
}

func (s *Server) handleSend(c *conn, pkt eventPacket) {
	var body struct {
		ConversationID string          `json:"conversationId"`
		Message        json.RawMessage `json:"message"`
		ClientID       string          `json:"clientId"`
	}
	if !firstArg(pkt, &body) || body.ConversationID == "" {
		return
	}
	text := ""
	var asText string
	if json.Unmarshal(body.Message, &asText) == nil {
		text = asText
	} else {
		var obj struct {
			Content  string `json:"content"`
			Text     string `json:"text"`
			ClientID string `json:"clientId"`
		}
		if json.Unmarshal(body.Message, &obj) != nil {
			return
		}
		text = obj.Content
		if text == "" {
			text = obj.Text
		}
		if body.ClientID == "" {
			body.ClientID = obj.ClientID
		}
	}

	msg, err := s.store.AppendMessage(c.userID, body.ConversationID, text, body.ClientID, time.Now())
	if err != nil {
		s.logger.Debug("socket_send_rejected", zap.String("user_id", c.userID), zap.Error(err))
		return
	}
	s.EmitToUsers(s.store.Members(body.ConversationID), "message:new", msg)
}

func (s *Server) handleCallInitiate(c *conn, pkt eventPacket) {
	var body callBody
	if !firstArg(pkt, &body) || !s.store.IsMember(c.userID, body.ConversationID) {
		return
	}
	if body.Type == "" {
		body.Type = "audio"
	}
	call := activeCall{
		id:             uuid.NewString(),
		callerID:       c.userID,
		conversationID: body.ConversationID,
		members:        s.store.Members(body.ConversationID),
	}
	s.callMu.Lock()
	s.calls[call.id] = call
	s.callMu.Unlock()

	caller, _ := s.store.GetUser(c.userID)
	incoming := gin.H{
		"callId":         call.id,
		"caller":         model.User{ID: caller.ID, Name: caller.Name},
		"type":           body.Type,
		"conversationId": call.conversationID,
	}
	for _, id := range call.members {
		if id != c.userID {
			s.EmitToUser(id, "call:incoming", incoming)
		}
	}
}

func (s *Server) handleCallUpdate(c *conn, pkt eventPacket) {
	var body callBody
	if !firstArg(pkt, &body) || body.CallID == "" {
		return
	}
	s.callMu.Lock()
	call, ok := s.calls[body.CallID]
	if ok && pkt.Event != "call:accept" {
		delete(s.calls, body.CallID)
	}
	s.callMu.Unlock()
	if !ok {
		return
	}

	payload := gin.H{"callId": call.id, "userId": c.userID}
	switch pkt.Event {
	case "call:accept":
		s.EmitToUser(call.callerID, "call:accepted", payload)
	case "call:reject":
		s.EmitToUser(call.callerID, "call:rejected", payload)
	case "call:end":
		for _, id := range call.members {
			if id != c.userID {
				s.EmitToUser(id, "call:ended", payload)
			}
		}
	}
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool
	userID    string

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *conn) Write(message []byte) error {
	if err := c.writeText(string(message)); err != nil {
		return err
	}
	if string(message) == buildDisconnectPacket("/") {
		c.close()
	}
	return nil
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
