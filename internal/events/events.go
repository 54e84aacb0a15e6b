package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"advancechat-sync/internal/model"
)

const (
	NameMessageNew          = "message:new"
	NameMessageUpdated      = "message:updated"
	NameMessageDeleted      = "message:deleted"
	NameReactionAdded       = "message:reaction"
	NameReactionRemoved     = "message:reaction_removed"
	NameTypingStart         = "typing:start"
	NameTypingStop          = "typing:stop"
	NameConversationNew     = "conversation:new"
	NameConversationUpdated = "conversation:updated"
	NameConversationDeleted = "conversation:deleted"
	NameUserOnline          = "user:online"
	NameUserOffline         = "user:offline"
	NameCallIncoming        = "call:incoming"
	NameCallAccepted        = "call:accepted"
	NameCallRejected        = "call:rejected"
	NameCallEnded           = "call:ended"
	NameNotification        = "notification:new"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	errMissingPayload = errors.New("missing payload")
)

// MalformedEventError reports a known event whose payload could not be
// decoded.
type MalformedEventError struct {
	Event string
	Err   error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.Event, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Event is one decoded inbound push event. The set of implementations is
// closed to this package.
type Event interface {
	Name() string
	event()
}

type MessageNew struct{ Message model.MessagePatch }
type MessageUpdated struct{ Message model.MessagePatch }
type MessageDeleted struct{ MessageID string }

type ReactionAdded struct{ MessageID, Reaction, UserID string }
type ReactionRemoved struct{ MessageID, Reaction, UserID string }

// Typing events may omit the conversation; receivers fall back to the open
// one.
type TypingStarted struct{ ConversationID, UserID, UserName string }
type TypingStopped struct{ ConversationID, UserID string }

type ConversationNew struct{ Conversation model.ConversationPatch }
type ConversationUpdated struct{ Conversation model.ConversationPatch }
type ConversationDeleted struct{ ConversationID string }

type UserOnline struct{ UserID string }
type UserOffline struct{ UserID string }

type CallIncoming struct{ Call model.Call }
type CallAccepted struct{ CallID string }
type CallRejected struct{ CallID string }
type CallEnded struct{ CallID string }

type NotificationNew struct{ Notification model.Notification }

func (MessageNew) Name() string          { return NameMessageNew }
func (MessageUpdated) Name() string      { return NameMessageUpdated }
func (MessageDeleted) Name() string      { return NameMessageDeleted }
func (ReactionAdded) Name() string       { return NameReactionAdded }
func (ReactionRemoved) Name() string     { return NameReactionRemoved }
func (TypingStarted) Name() string       { return NameTypingStart }
func (TypingStopped) Name() string       { return NameTypingStop }
func (ConversationNew) Name() string     { return NameConversationNew }
func (ConversationUpdated) Name() string { return NameConversationUpdated }
func (ConversationDeleted) Name() string { return NameConversationDeleted }
func (UserOnline) Name() string          { return NameUserOnline }
func (UserOffline) Name() string         { return NameUserOffline }
func (CallIncoming) Name() string        { return NameCallIncoming }
func (CallAccepted) Name() string        { return NameCallAccepted }
func (CallRejected) Name() string        { return NameCallRejected }
func (CallEnded) Name() string           { return NameCallEnded }
func (NotificationNew) Name() string     { return NameNotification }

func (MessageNew) event()          {}
func (MessageUpdated) event()      {}
func (MessageDeleted) event()      {}
func (ReactionAdded) event()       {}
func (ReactionRemoved) event()     {}
func (TypingStarted) event()       {}
func (TypingStopped) event()       {}
func (ConversationNew) event()     {}
func (ConversationUpdated) event() {}
func (ConversationDeleted) event() {}
func (UserOnline) event()          {}
func (UserOffline) event()         {}
func (CallIncoming) event()        {}
func (CallAccepted) event()        {}
func (CallRejected) event()        {}
func (CallEnded) event()           {}
func (NotificationNew) event()     {}

// Decode turns a raw Socket.IO event into an Event. Unknown names yield
// ErrUnknownEvent; bad payloads yield a *MalformedEventError.
func Decode(name string, args []json.RawMessage) (Event, error) {
	ev, err := decode(name, args)
	if err != nil && !errors.Is(err, ErrUnknownEvent) {
		return nil, &MalformedEventError{Event: name, Err: err}
	}
	return ev, err
}

func decode(name string, args []json.RawMessage) (Event, error) {
	switch name {
	case NameMessageNew:
		p, err := messagePatch(args)
		if err != nil {
			return nil, err
		}
		if p.ConversationID == nil || *p.ConversationID == "" {
			return nil, errors.New("missing conversationId")
		}
		return MessageNew{Message: p}, nil
	case NameMessageUpdated:
		p, err := messagePatch(args)
		if err != nil {
			return nil, err
		}
		return MessageUpdated{Message: p}, nil
	case NameMessageDeleted:
		id, err := idArg(args, "_id", "id", "messageId")
		if err != nil {
			return nil, err
		}
		return MessageDeleted{MessageID: id}, nil
	case NameReactionAdded, NameReactionRemoved:
		r, err := reactionArg(args)
		if err != nil {
			return nil, err
		}
		if name == NameReactionAdded {
			return ReactionAdded(r), nil
		}
		return ReactionRemoved(r), nil
	case NameTypingStart, NameTypingStop:
		t, err := typingArg(args)
		if err != nil {
			return nil, err
		}
		if name == NameTypingStart {
			return TypingStarted{ConversationID: t.ConversationID, UserID: t.UserID, UserName: t.UserName}, nil
		}
		return TypingStopped{ConversationID: t.ConversationID, UserID: t.UserID}, nil
	case NameConversationNew, NameConversationUpdated:
		if len(args) == 0 {
			return nil, errMissingPayload
		}
		p, err := model.DecodeConversationPatch(args[0])
		if err != nil {
			return nil, err
		}
		if name == NameConversationNew {
			return ConversationNew{Conversation: p}, nil
		}
		return ConversationUpdated{Conversation: p}, nil
	case NameConversationDeleted:
		id, err := idArg(args, "_id", "id", "conversationId")
		if err != nil {
			return nil, err
		}
		return ConversationDeleted{ConversationID: id}, nil
	case NameUserOnline, NameUserOffline:
		id, err := idArg(args, "userId", "_id", "id")
		if err != nil {
			return nil, err
		}
		if name == NameUserOnline {
			return UserOnline{UserID: id}, nil
		}
		return UserOffline{UserID: id}, nil
	case NameCallIncoming:
		c, err := callArg(args)
		if err != nil {
			return nil, err
		}
		return CallIncoming{Call: c}, nil
	case NameCallAccepted, NameCallRejected, NameCallEnded:
		// the original backend sends these with no payload at all
		var id string
		if len(args) > 0 {
			id, _ = model.DecodeID(args[0], "callId")
		}
		switch name {
		case NameCallAccepted:
			return CallAccepted{CallID: id}, nil
		case NameCallRejected:
			return CallRejected{CallID: id}, nil
		}
		return CallEnded{CallID: id}, nil
	case NameNotification:
		if len(args) == 0 {
			return nil, errMissingPayload
		}
		var n model.Notification
		if err := json.Unmarshal(args[0], &n); err != nil {
			return nil, err
		}
		if n.Message == "" {
			return nil, errors.New("missing message")
		}
		return NotificationNew{Notification: n}, nil
	}
	return nil, ErrUnknownEvent
}

func messagePatch(args []json.RawMessage) (model.MessagePatch, error) {
	if len(args) == 0 {
		return model.MessagePatch{}, errMissingPayload
	}
	return model.DecodeMessagePatch(args[0])
}

func idArg(args []json.RawMessage, keys ...string) (string, error) {
	if len(args) == 0 {
		return "", errMissingPayload
	}
	id, ok := model.DecodeID(args[0], keys...)
	if !ok {
		return "", model.ErrMissingID
	}
	return id, nil
}

type reaction struct{ MessageID, Reaction, UserID string }

func reactionArg(args []json.RawMessage) (reaction, error) {
	if len(args) == 0 {
		return reaction{}, errMissingPayload
	}
	var body struct {
		MessageID string `json:"messageId"`
		Reaction  string `json:"reaction"`
		UserID    string `json:"userId"`
	}
	if err := json.Unmarshal(args[0], &body); err != nil {
		return reaction{}, err
	}
	if body.MessageID == "" || body.Reaction == "" || body.UserID == "" {
		return reaction{}, errors.New("messageId, reaction and userId are required")
	}
	return reaction{MessageID: body.MessageID, Reaction: body.Reaction, UserID: body.UserID}, nil
}

type typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

func typingArg(args []json.RawMessage) (typing, error) {
	if len(args) == 0 {
		return typing{}, errMissingPayload
	}
	var t typing
	if err := json.Unmarshal(args[0], &t); err != nil {
		return typing{}, err
	}
	if t.UserID == "" {
		return typing{}, errors.New("missing userId")
	}
	return t, nil
}

func callArg(args []json.RawMessage) (model.Call, error) {
	if len(args) == 0 {
		return model.Call{}, errMissingPayload
	}
	var body struct {
		CallID         string     `json:"callId"`
		Caller         model.User `json:"caller"`
		Type           string     `json:"type"`
		ConversationID string     `json:"conversationId"`
	}
	if err := json.Unmarshal(args[0], &body); err != nil {
		return model.Call{}, err
	}
	if body.CallID == "" {
		return model.Call{}, errors.New("missing callId")
	}
	return model.Call{
		CallID:         body.CallID,
		Caller:         body.Caller,
		Type:           body.Type,
		ConversationID: body.ConversationID,
	}, nil
}
