package convstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// MemoryStore keeps persisted trees in process memory. Trees are deep-copied
// on save and load so the stored state cannot alias live trees.
type MemoryStore struct {
	mu    sync.RWMutex
	trees map[string]*storedConv
}

type storedConv struct {
	summary     string
	roots       []*conversation.Message
	updatedAtMs int64
}

var _ Store = &MemoryStore{}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trees: map[string]*storedConv{}}
}

func (s *MemoryStore) LoadOrCreate(_ context.Context, convID string) (*conversation.Tree, error) {
	if convID == "" {
		return nil, errors.New("memory store: convID is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.trees[convID]
	if !ok {
		return conversation.NewTree(convID), nil
	}
	return conversation.RehydrateTree(convID, stored.summary, cloneMessages(stored.roots)), nil
}

func (s *MemoryStore) Save(_ context.Context, tree *conversation.Tree) error {
	if tree == nil {
		return errors.New("memory store: tree is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[tree.ConvID] = &storedConv{
		summary:     tree.Summary,
		roots:       cloneMessages(tree.Roots()),
		updatedAtMs: time.Now().UnixMilli(),
	}
	return nil
}

func (s *MemoryStore) FindTreeContaining(_ context.Context, messageID string) (*conversation.Tree, error) {
	if messageID == "" {
		return nil, errors.New("memory store: messageID is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for convID, stored := range s.trees {
		tree := conversation.RehydrateTree(convID, stored.summary, cloneMessages(stored.roots))
		if _, ok := tree.FindMessage(messageID); ok {
			return tree, nil
		}
	}
	return nil, errors.Wrap(conversation.ErrMessageNotFound, messageID)
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationInfo, 0, len(s.trees))
	for convID, stored := range s.trees {
		out = append(out, ConversationInfo{
			ConvID:      convID,
			Summary:     stored.summary,
			UpdatedAtMs: stored.updatedAtMs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[convID]; !ok {
		return errors.Wrap(ErrConversationNotFound, convID)
	}
	delete(s.trees, convID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneMessages(msgs []*conversation.Message) []*conversation.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	return out
}

func cloneMessage(m *conversation.Message) *conversation.Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Children = cloneMessages(m.Children)
	if m.Usage != nil {
		usage := *m.Usage
		cp.Usage = &usage
	}
	cp.Attachments = append([]string(nil), m.Attachments...)
	return &cp
}
