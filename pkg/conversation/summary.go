package conversation

// SummaryNode is a lightweight projection of a message for sidebar display.
// Truncation is a fixed character cap with no word-boundary awareness; this is
// purely a display concern.
type SummaryNode struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Children []SummaryNode `json:"children,omitempty"`
}

// DefaultSummaryMaxChars caps the text carried per summary node.
const DefaultSummaryMaxChars = 80

// SummaryTree projects the whole tree into summary nodes. maxChars <= 0 falls
// back to DefaultSummaryMaxChars.
func (t *Tree) SummaryTree(maxChars int) []SummaryNode {
	if maxChars <= 0 {
		maxChars = DefaultSummaryMaxChars
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SummaryNode, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, summarize(r, maxChars))
	}
	return out
}

func summarize(m *Message, maxChars int) SummaryNode {
	n := SummaryNode{ID: m.ID, Text: truncate(m.Text, maxChars)}
	for _, c := range m.Children {
		n.Children = append(n.Children, summarize(c, maxChars))
	}
	return n
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
