package server

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oakheartlabs/treechat/pkg/chat"
	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// inboundMessage is the client-to-server frame: {messageType, content}.
type inboundMessage struct {
	MessageType string          `json:"messageType"`
	Content     json.RawMessage `json:"content"`
}

type chatContent struct {
	ConversationID  string `json:"conversationId"`
	ParentMessageID string `json:"parentMessageId"`
	NewMessageID    string `json:"newMessageId"`
	Message         string `json:"message"`
	Model           string `json:"model"`
}

type loadConversationContent struct {
	MessageID string `json:"messageId"`
}

type deleteConversationContent struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) dispatch(clientID string, data []byte, wsLog zerolog.Logger) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		wsLog.Warn().Err(err).Msg("malformed inbound frame")
		s.sendError(clientID, "malformed request")
		return
	}

	switch msg.MessageType {
	case "ping":
		s.registry.SendEnvelope(clientID, chat.Envelope{MessageType: chat.TypePong, Content: "pong"})
	case "chat":
		s.handleChat(clientID, msg.Content, wsLog)
	case "cancelRequest":
		cancelled := s.canceller.CancelAll(clientID)
		s.registry.SendEnvelope(clientID, chat.Envelope{
			MessageType: chat.TypeCancelAck,
			Content:     map[string]any{"cancelled": cancelled},
		})
	case "loadConversation":
		s.handleLoadConversation(clientID, msg.Content, wsLog)
	case "loadConversationList":
		s.handleLoadConversationList(clientID, wsLog)
	case "deleteConversation":
		s.handleDeleteConversation(clientID, msg.Content, wsLog)
	default:
		wsLog.Warn().Str("message_type", msg.MessageType).Msg("unknown inbound message type")
		s.sendError(clientID, "unknown message type: "+msg.MessageType)
	}
}

// handleChat schedules the turn as its own unit of work. The turn runs on the
// server's base context so it outlives the dispatching frame; disconnect or an
// explicit cancelRequest stops it through the cancellation coordinator.
func (s *Server) handleChat(clientID string, raw json.RawMessage, wsLog zerolog.Logger) {
	var content chatContent
	if err := json.Unmarshal(raw, &content); err != nil {
		wsLog.Warn().Err(err).Msg("malformed chat request")
		s.sendError(clientID, "malformed chat request")
		return
	}
	if strings.TrimSpace(content.Message) == "" {
		s.sendError(clientID, "missing message")
		return
	}
	go func() {
		_, err := s.orchestrator.RunTurn(s.baseCtx, chat.TurnRequest{
			ClientID:        clientID,
			ConversationID:  content.ConversationID,
			ParentMessageID: content.ParentMessageID,
			NewMessageID:    content.NewMessageID,
			Message:         content.Message,
			Model:           content.Model,
		})
		if err != nil {
			wsLog.Error().Err(err).Msg("chat turn failed")
			s.sendError(clientID, err.Error())
		}
	}()
}

func (s *Server) handleLoadConversation(clientID string, raw json.RawMessage, wsLog zerolog.Logger) {
	var content loadConversationContent
	if err := json.Unmarshal(raw, &content); err != nil || strings.TrimSpace(content.MessageID) == "" {
		s.sendError(clientID, "missing messageId")
		return
	}
	tree, err := s.store.FindTreeContaining(s.baseCtx, content.MessageID)
	if err != nil {
		wsLog.Debug().Err(err).Str("message_id", content.MessageID).Msg("load conversation failed")
		s.sendError(clientID, "message not found")
		return
	}
	chain, err := tree.AncestryChain(content.MessageID)
	if err != nil {
		s.sendError(clientID, "message not found")
		return
	}
	replay := chat.ConversationReplay{ConversationID: tree.ConvID}
	for _, m := range chain {
		if m.IsSyntheticRoot() {
			continue
		}
		replay.Messages = append(replay.Messages, chat.ReplayMessage{
			ID:        m.ID,
			Content:   m.Text,
			Source:    replaySource(m.Role),
			Timestamp: m.CreatedAtMs,
		})
	}
	s.registry.SendEnvelope(clientID, chat.Envelope{MessageType: chat.TypeLoadConversation, Content: replay})
}

func (s *Server) handleLoadConversationList(clientID string, wsLog zerolog.Logger) {
	infos, err := s.store.ListConversations(s.baseCtx)
	if err != nil {
		wsLog.Error().Err(err).Msg("list conversations failed")
		s.sendError(clientID, "failed to list conversations")
		return
	}
	for _, info := range infos {
		tree, err := s.store.LoadOrCreate(s.baseCtx, info.ConvID)
		if err != nil {
			wsLog.Warn().Err(err).Str("conv_id", info.ConvID).Msg("skipping unloadable conversation")
			continue
		}
		s.registry.SendEnvelope(clientID, chat.Envelope{
			MessageType: chat.TypeCachedConversationSummary,
			Content: chat.ConversationSummary{
				ConversationID: info.ConvID,
				Summary:        info.Summary,
				LastModified:   info.UpdatedAtMs,
				Tree:           tree.SummaryTree(s.summaryMaxChars),
			},
		})
	}
}

func (s *Server) handleDeleteConversation(clientID string, raw json.RawMessage, wsLog zerolog.Logger) {
	var content deleteConversationContent
	if err := json.Unmarshal(raw, &content); err != nil || strings.TrimSpace(content.ConversationID) == "" {
		s.sendError(clientID, "missing conversationId")
		return
	}
	if err := s.store.Delete(s.baseCtx, content.ConversationID); err != nil {
		wsLog.Warn().Err(err).Str("conv_id", content.ConversationID).Msg("delete conversation failed")
		s.sendError(clientID, "failed to delete conversation")
		return
	}
	s.registry.SendEnvelope(clientID, chat.Envelope{
		MessageType: chat.TypeConversationDeleted,
		Content:     map[string]any{"conversationId": content.ConversationID},
	})
}

func (s *Server) sendError(clientID, msg string) {
	s.registry.SendEnvelope(clientID, chat.Envelope{
		MessageType: chat.TypeError,
		Content:     map[string]any{"error": msg},
	})
}

func replaySource(r conversation.Role) string {
	switch r {
	case conversation.RoleUser:
		return "user"
	case conversation.RoleAssistant:
		return "ai"
	default:
		return "system"
	}
}
