package realtime

import (
	"encoding/json"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
)

// Inbound message types.
const (
	typeJoinChat      = "join-chat"
	typeLeaveChat     = "leave-chat"
	typeJoinAdminRoom = "join-admin-room"
	typeSendMessage   = "send-message"
	typeTyping        = "typing"
	typeRequestAgent  = "request-agent"
	typeTakeoverChat  = "takeover-chat"
	typeMarkRead      = "mark-read-by-agent"
	typeResolveChat   = "resolve-chat"
	typePing          = "ping"
)

// Outbound frames that are not router events.
const (
	typeAck   = "ack"
	typeError = "error"
	typePong  = "pong"
)

// envelope wraps every inbound and reply frame.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type errorData struct {
	Code      chat.ErrorCode `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	RequestID string         `json:"requestId,omitempty"`
}

type joinChatData struct {
	SessionID string `json:"sessionId"`
	UserType  string `json:"userType"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

type sessionData struct {
	SessionID string `json:"sessionId"`
}

type joinAdminData struct {
	StoreID string `json:"storeId"`
}

type sendMessageData struct {
	SessionID string     `json:"sessionId"`
	Message   string     `json:"message"`
	Sender    string     `json:"sender"`
	AgentID   string     `json:"agentId"`
	AgentName string     `json:"agentName"`
	SentAt    *time.Time `json:"sentAt"`
}

type typingData struct {
	SessionID string `json:"sessionId"`
	UserType  string `json:"userType"`
	IsTyping  bool   `json:"isTyping"`
}

type takeoverData struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

type markReadData struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type resolveData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}
