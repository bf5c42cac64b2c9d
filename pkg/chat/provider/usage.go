package provider

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// UsageEstimator fills in token accounting when a provider reports none,
// using the cl100k byte-pair encoding.
type UsageEstimator struct {
	codec tokenizer.Codec
}

// NewUsageEstimator constructs an estimator backed by the cl100k vocabulary.
func NewUsageEstimator() (*UsageEstimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k tokenizer")
	}
	return &UsageEstimator{codec: codec}, nil
}

// Estimate counts input tokens across the model context and output tokens for
// the reply. Cost stays zero; pricing is a provider concern.
func (e *UsageEstimator) Estimate(messages []ContextMessage, reply string) *conversation.TokenUsage {
	if e == nil || e.codec == nil {
		return nil
	}
	usage := &conversation.TokenUsage{}
	for _, m := range messages {
		if n, err := e.codec.Count(m.Text); err == nil {
			usage.InputTokens += n
		}
	}
	if n, err := e.codec.Count(reply); err == nil {
		usage.OutputTokens = n
	}
	return usage
}
