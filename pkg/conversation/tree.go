package conversation

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	syntheticRootPrefix = "root-"
	syntheticRootText   = "Conversation Root"
)

var (
	// ErrDuplicateID is returned when appending a message whose id already
	// exists in the tree.
	ErrDuplicateID = errors.New("duplicate message id")
	// ErrMessageNotFound is returned when a message id cannot be resolved.
	ErrMessageNotFound = errors.New("message not found")
)

// Tree is the rooted forest of messages for one conversation. In practice a
// single synthetic system root is materialized on first append, so the forest
// holds one root. All mutation goes through Append, which synchronizes
// concurrent callers on the same tree.
type Tree struct {
	ConvID  string
	Summary string

	mu    sync.RWMutex
	roots []*Message
	index map[string]*Message
}

// NewTree returns an empty tree for the given conversation id.
func NewTree(convID string) *Tree {
	return &Tree{
		ConvID: convID,
		index:  map[string]*Message{},
	}
}

// Roots returns a snapshot of the tree's root messages.
func (t *Tree) Roots() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Message(nil), t.roots...)
}

// MessageCount returns the number of messages in the tree, synthetic root
// included.
func (t *Tree) MessageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// FindMessage resolves a message id within the tree.
func (t *Tree) FindMessage(id string) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.index[id]
	return m, ok
}

// Append adds a new message to the tree.
//
// A duplicate id fails with ErrDuplicateID and leaves the tree unchanged. An
// empty or unknown parentID attaches the message permissively under the tree's
// existing root; on a completely empty tree a synthetic system root is created
// first and the new message becomes its child. The returned message's ParentID
// reflects the actual attachment point, which may differ from the requested
// value.
func (t *Tree) Append(role Role, messageID, text, parentID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message id is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[messageID]; exists {
		return nil, errors.Wrap(ErrDuplicateID, messageID)
	}

	parent, ok := t.index[parentID]
	if !ok {
		parent = t.ensureRootLocked()
	}

	msg := &Message{
		ID:          messageID,
		Role:        role,
		Text:        text,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if parent != nil {
		msg.ParentID = parent.ID
		parent.Children = append(parent.Children, msg)
	} else {
		t.roots = append(t.roots, msg)
	}
	t.index[messageID] = msg
	return msg, nil
}

// ensureRootLocked returns the first root, creating the synthetic system root
// when the tree is empty. Caller holds t.mu.
func (t *Tree) ensureRootLocked() *Message {
	if len(t.roots) > 0 {
		return t.roots[0]
	}
	root := &Message{
		ID:          syntheticRootPrefix + t.ConvID,
		Role:        RoleSystem,
		Text:        syntheticRootText,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	t.roots = append(t.roots, root)
	t.index[root.ID] = root
	return root
}

// AncestryChain returns the path from a root to the target message, both
// inclusive, by depth-first search from each root. It fails with
// ErrMessageNotFound when no message carries the id. The chain is the
// canonical linear context handed to the generation provider.
func (t *Tree) AncestryChain(messageID string) ([]*Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, root := range t.roots {
		if path := dfsPath(root, messageID, nil); path != nil {
			return path, nil
		}
	}
	return nil, errors.Wrap(ErrMessageNotFound, messageID)
}

func dfsPath(node *Message, targetID string, prefix []*Message) []*Message {
	if node == nil {
		return nil
	}
	path := append(append([]*Message(nil), prefix...), node)
	if node.ID == targetID {
		return path
	}
	for _, child := range node.Children {
		if found := dfsPath(child, targetID, path); found != nil {
			return found
		}
	}
	return nil
}

// RehydrateTree rebuilds a tree from already linked message roots, as loaded
// from a store. The index is rebuilt by walking the owned child lists.
func RehydrateTree(convID, summary string, roots []*Message) *Tree {
	t := NewTree(convID)
	t.Summary = summary
	t.roots = roots
	var walk func(*Message)
	walk = func(m *Message) {
		if m == nil {
			return
		}
		t.index[m.ID] = m
		for _, c := range m.Children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return t
}

// Walk visits every message in the tree in depth-first order.
func (t *Tree) Walk(fn func(*Message)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var walk func(*Message)
	walk = func(m *Message) {
		if m == nil {
			return
		}
		fn(m)
		for _, c := range m.Children {
			walk(c)
		}
	}
	for _, r := range t.roots {
		walk(r)
	}
}
