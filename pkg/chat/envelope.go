package chat

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// MessageType discriminates client-facing envelopes.
type MessageType string

const (
	TypeClientID                  MessageType = "clientId"
	TypeCachedConversationSummary MessageType = "cachedConversationSummary"
	TypeFragment                  MessageType = "fragment"
	TypeEndOfStream               MessageType = "endOfStream"
	TypeFinalizedMessage          MessageType = "finalizedMessage"
	TypeLoadConversation          MessageType = "loadConversation"
	TypePong                      MessageType = "pong"
	TypeCancelAck                 MessageType = "cancelRequestAck"
	TypeConversationDeleted       MessageType = "conversationDeleted"
	TypeError                     MessageType = "error"
)

// Envelope is the wire frame sent to clients: {messageType, content}.
type Envelope struct {
	MessageType MessageType `json:"messageType"`
	Content     any         `json:"content"`
}

// Encode marshals the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Wrap(err, "encode envelope")
}

// FinalizedMessage is the content of a finalizedMessage envelope.
type FinalizedMessage struct {
	ConversationID string                   `json:"conversationId"`
	MessageID      string                   `json:"messageId"`
	Content        string                   `json:"content"`
	ParentID       string                   `json:"parentId"`
	Timestamp      int64                    `json:"timestamp"`
	Usage          *conversation.TokenUsage `json:"usage,omitempty"`
}

// EndOfStream closes a request's stream. Cancelled distinguishes "you stopped
// it" from "it broke"; Error carries the provider failure when set.
type EndOfStream struct {
	ConversationID string `json:"conversationId"`
	Cancelled      bool   `json:"cancelled,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Fragment is one incremental chunk of generated text.
type Fragment struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// ConversationSummary is the sidebar projection of one conversation.
type ConversationSummary struct {
	ConversationID string                     `json:"conversationId"`
	Summary        string                     `json:"summary"`
	LastModified   int64                      `json:"lastModified"`
	Tree           []conversation.SummaryNode `json:"tree,omitempty"`
}

// ReplayMessage is one linearized message of a loadConversation response.
type ReplayMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationReplay is the content of a loadConversation envelope.
type ConversationReplay struct {
	ConversationID string          `json:"conversationId"`
	Messages       []ReplayMessage `json:"messages"`
}
