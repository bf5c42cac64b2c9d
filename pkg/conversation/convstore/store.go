// Package convstore provides durable storage for branched conversation trees.
// The SQLite store is the production backend; the in-memory store backs tests
// and DB-less deployments. Saves overwrite the whole persisted tree for a
// conversation id (last-writer-wins).
package convstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// ErrConversationNotFound is returned when a conversation id has no persisted
// state and absence is an error (delete, find-by-message).
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationInfo is a listing row for the sidebar.
type ConversationInfo struct {
	ConvID      string `json:"conversationId"`
	Summary     string `json:"summary"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Store persists conversation trees.
type Store interface {
	// LoadOrCreate loads the persisted tree for convID, returning a fresh
	// empty tree when none exists. Idempotent.
	LoadOrCreate(ctx context.Context, convID string) (*conversation.Tree, error)
	// Save serializes the whole tree, overwriting any prior persisted state
	// for its conversation id.
	Save(ctx context.Context, tree *conversation.Tree) error
	// FindTreeContaining scans all persisted conversations for the one
	// holding messageID. Returns conversation.ErrMessageNotFound when no
	// conversation contains it.
	FindTreeContaining(ctx context.Context, messageID string) (*conversation.Tree, error)
	// ListConversations returns listing rows for every persisted
	// conversation, most recently updated first.
	ListConversations(ctx context.Context) ([]ConversationInfo, error)
	// Delete removes a conversation and all its messages.
	Delete(ctx context.Context, convID string) error
	Close() error
}
