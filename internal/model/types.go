package model

import "time"

type Session struct {
	UserID string
	Token  string
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Pending reports whether the message has not been confirmed by the server.
func (s MessageStatus) Pending() bool {
	return s == StatusSending || s == StatusFailed
}

type User struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

type Participant struct {
	UserID   string `json:"_id"`
	Name     string `json:"name,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Message struct {
	ID             string              `json:"_id"`
	ClientID       string              `json:"clientId,omitempty"`
	ConversationID string              `json:"conversationId"`
	Sender         User                `json:"sender"`
	Content        Content             `json:"content"`
	Timestamp      time.Time           `json:"timestamp"`
	Status         MessageStatus       `json:"status,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
}

type Conversation struct {
	ID           string           `json:"_id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Message         `json:"lastMessage"`
	UnreadCount  int              `json:"unreadCount"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// LastActivity is the ordering key of the conversation list.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Timestamp
}

type CallState string

const (
	CallIdle    CallState = "idle"
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
)

type Call struct {
	CallID         string
	Caller         User
	Type           string
	ConversationID string
	State          CallState
	Outgoing       bool
}

type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
