package provider

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EchoProvider streams the last user message back one word at a time. It is
// the default backend when no real provider is configured, and doubles as a
// deterministic streaming source in integration tests.
type EchoProvider struct {
	// Delay between fragments; zero streams as fast as the consumer allows.
	Delay time.Duration
}

var _ Provider = &EchoProvider{}

func (p *EchoProvider) Generate(ctx context.Context, _ string, messages []ContextMessage, cb Callbacks) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var prompt string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			prompt = messages[i].Text
			break
		}
	}
	if prompt == "" {
		return Result{}, errors.New("echo provider: no user message in context")
	}

	words := strings.Fields("You said: " + prompt)
	var b strings.Builder
	for i, w := range words {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		frag := w
		if i < len(words)-1 {
			frag += " "
		}
		b.WriteString(frag)
		if cb.OnFragment != nil {
			cb.OnFragment(frag)
		}
	}
	text := b.String()
	if cb.OnComplete != nil {
		cb.OnComplete(text)
	}
	return Result{Text: text}, nil
}
