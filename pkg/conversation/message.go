package conversation

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalizes a role string, defaulting to user for unknown values.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem
	case RoleAssistant:
		return RoleAssistant
	default:
		return RoleUser
	}
}

// TokenUsage carries provider-reported or estimated token accounting for a
// single assistant message.
type TokenUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalCost    float64 `json:"totalCost,omitempty"`
}

// Message is one node of a conversation tree. Children are exclusively owned
// by their parent; ParentID is a lookup-only back-reference and must never be
// used to navigate upward without the tree's index.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Text        string      `json:"text"`
	ParentID    string      `json:"parentId,omitempty"`
	Children    []*Message  `json:"children,omitempty"`
	Usage       *TokenUsage `json:"usage,omitempty"`
	Attachments []string    `json:"attachments,omitempty"`
	CreatedAtMs int64       `json:"createdAtMs,omitempty"`
}

// IsSyntheticRoot reports whether the message is a tree's lazily created
// system root rather than a caller-supplied turn.
func (m *Message) IsSyntheticRoot() bool {
	return m != nil && m.Role == RoleSystem && m.ParentID == "" && strings.HasPrefix(m.ID, syntheticRootPrefix)
}
