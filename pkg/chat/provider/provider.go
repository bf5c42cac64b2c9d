// Package provider defines the boundary to the external AI generation
// capability. Providers stream fragments through callbacks and observe
// cooperative cancellation through the request context; selection and
// configuration of concrete backends happen outside this core.
package provider

import (
	"context"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// ContextMessage is one entry of the ordered model context.
type ContextMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Result is the final outcome of a generation call.
type Result struct {
	Text  string
	Usage *conversation.TokenUsage
}

// Callbacks receive streaming output. OnFragment is invoked zero or more times
// in generation order; OnComplete exactly once on success, after all
// fragments.
type Callbacks struct {
	OnFragment func(text string)
	OnComplete func(text string)
}

// Provider produces a reply for the given context. Implementations must check
// ctx at their own pace; cancellation is cooperative, not preemptive.
type Provider interface {
	Generate(ctx context.Context, model string, messages []ContextMessage, cb Callbacks) (Result, error)
}
