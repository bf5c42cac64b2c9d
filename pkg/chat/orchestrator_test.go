package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/oakheartlabs/treechat/pkg/chat/provider"
	"github.com/oakheartlabs/treechat/pkg/conversation"
	"github.com/oakheartlabs/treechat/pkg/conversation/convstore"
)

type capturedFrame struct {
	MessageType string          `json:"messageType"`
	Content     json.RawMessage `json:"content"`
}

// capturePublisher records published envelopes per topic.
type capturePublisher struct {
	mu      sync.Mutex
	byTopic map[string][]capturedFrame
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{byTopic: map[string][]capturedFrame{}}
}

func (p *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		var f capturedFrame
		if err := json.Unmarshal(m.Payload, &f); err != nil {
			return err
		}
		p.byTopic[topic] = append(p.byTopic[topic], f)
	}
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) frames(topic string) []capturedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedFrame(nil), p.byTopic[topic]...)
}

// scriptedProvider emits a fixed fragment sequence, then either completes,
// fails, or blocks until cancelled.
type scriptedProvider struct {
	fragments []string
	final     string
	err       error
	blockTill func(ctx context.Context)
}

func (s *scriptedProvider) Generate(ctx context.Context, _ string, _ []provider.ContextMessage, cb provider.Callbacks) (provider.Result, error) {
	for _, f := range s.fragments {
		select {
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		default:
		}
		if cb.OnFragment != nil {
			cb.OnFragment(f)
		}
	}
	if s.blockTill != nil {
		s.blockTill(ctx)
		return provider.Result{}, ctx.Err()
	}
	if s.err != nil {
		return provider.Result{}, s.err
	}
	if cb.OnComplete != nil {
		cb.OnComplete(s.final)
	}
	return provider.Result{Text: s.final}, nil
}

func newTestOrchestrator(t *testing.T, p provider.Provider) (*Orchestrator, convstore.Store, *capturePublisher, *Canceller) {
	t.Helper()
	store := convstore.NewMemoryStore()
	pub := newCapturePublisher()
	canceller := NewCanceller()
	o, err := NewOrchestrator(OrchestratorConfig{
		Store:     store,
		Canceller: canceller,
		Publisher: pub,
		Provider:  p,
	})
	require.NoError(t, err)
	return o, store, pub, canceller
}

func TestRunTurnStreamsAndFinalizes(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"Hel", "lo ", "there"}, final: "Hello there"}
	o, store, pub, _ := newTestOrchestrator(t, p)

	res, err := o.RunTurn(context.Background(), TurnRequest{
		ClientID: "client-1",
		Message:  "hi",
		Model:    "test-model",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)
	require.NotEmpty(t, res.UserMessageID)
	require.NotEmpty(t, res.AssistantMessageID)
	require.False(t, res.Cancelled)

	frames := pub.frames(TopicForClient("client-1"))
	require.Len(t, frames, 5)
	require.Equal(t, "fragment", frames[0].MessageType)
	require.Equal(t, "fragment", frames[1].MessageType)
	require.Equal(t, "fragment", frames[2].MessageType)
	require.Equal(t, "finalizedMessage", frames[3].MessageType)
	require.Equal(t, "endOfStream", frames[4].MessageType)

	var frag Fragment
	require.NoError(t, json.Unmarshal(frames[0].Content, &frag))
	require.Equal(t, "Hel", frag.Content)

	var fin FinalizedMessage
	require.NoError(t, json.Unmarshal(frames[3].Content, &fin))
	require.Equal(t, "Hello there", fin.Content)
	require.Equal(t, res.UserMessageID, fin.ParentID)

	tree, err := store.LoadOrCreate(context.Background(), res.ConversationID)
	require.NoError(t, err)
	// synthetic root + user + assistant
	require.Equal(t, 3, tree.MessageCount())
	reply, ok := tree.FindMessage(res.AssistantMessageID)
	require.True(t, ok)
	require.Equal(t, conversation.RoleAssistant, reply.Role)
	require.Equal(t, res.UserMessageID, reply.ParentID)

	// Sidebar summary broadcast is asynchronous and best-effort.
	require.Eventually(t, func() bool {
		return len(pub.frames(BroadcastTopic)) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunTurnCancelledAppendsNoAssistantMessage(t *testing.T) {
	p := &scriptedProvider{
		fragments: []string{"partial "},
		blockTill: func(ctx context.Context) { <-ctx.Done() },
	}
	o, store, pub, canceller := newTestOrchestrator(t, p)

	done := make(chan struct{})
	var res TurnResult
	var runErr error
	go func() {
		defer close(done)
		res, runErr = o.RunTurn(context.Background(), TurnRequest{
			ClientID:       "client-1",
			ConversationID: "c1",
			Message:        "hi",
		})
	}()

	require.Eventually(t, func() bool {
		return canceller.ActiveHandles("client-1") == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, canceller.CancelAll("client-1"))
	<-done

	require.NoError(t, runErr)
	require.True(t, res.Cancelled)
	require.Empty(t, res.AssistantMessageID)

	tree, err := store.LoadOrCreate(context.Background(), "c1")
	require.NoError(t, err)
	// Exactly the state after the user turn persisted: root + user message.
	require.Equal(t, 2, tree.MessageCount())

	frames := pub.frames(TopicForClient("client-1"))
	last := frames[len(frames)-1]
	require.Equal(t, "endOfStream", last.MessageType)
	var eos EndOfStream
	require.NoError(t, json.Unmarshal(last.Content, &eos))
	require.True(t, eos.Cancelled)
	require.Empty(t, eos.Error)
}

func TestRunTurnProviderFailureLeavesTreeUntouched(t *testing.T) {
	p := &scriptedProvider{err: errors.New("backend exploded")}
	o, store, pub, _ := newTestOrchestrator(t, p)

	_, err := o.RunTurn(context.Background(), TurnRequest{
		ClientID:       "client-1",
		ConversationID: "c1",
		Message:        "hi",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend exploded")

	tree, lerr := store.LoadOrCreate(context.Background(), "c1")
	require.NoError(t, lerr)
	require.Equal(t, 2, tree.MessageCount())

	frames := pub.frames(TopicForClient("client-1"))
	last := frames[len(frames)-1]
	require.Equal(t, "endOfStream", last.MessageType)
	var eos EndOfStream
	require.NoError(t, json.Unmarshal(last.Content, &eos))
	require.False(t, eos.Cancelled)
	require.NotEmpty(t, eos.Error)
}

func TestRunTurnRejectsDuplicateMessageID(t *testing.T) {
	p := &scriptedProvider{final: "ok"}
	o, store, _, _ := newTestOrchestrator(t, p)

	ctx := context.Background()
	seed := conversation.NewTree("c1")
	_, err := seed.Append(conversation.RoleUser, "u1", "first", "")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, seed))

	_, err = o.RunTurn(ctx, TurnRequest{
		ClientID:       "client-1",
		ConversationID: "c1",
		NewMessageID:   "u1",
		Message:        "again",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, conversation.ErrDuplicateID))

	tree, err := store.LoadOrCreate(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, tree.MessageCount())
}

func TestRunTurnForksUnderSameParent(t *testing.T) {
	p := &scriptedProvider{final: "reply"}
	o, store, _, _ := newTestOrchestrator(t, p)
	ctx := context.Background()

	first, err := o.RunTurn(ctx, TurnRequest{ClientID: "client-1", ConversationID: "c1", Message: "q1"})
	require.NoError(t, err)

	// A second turn branching off the same user message forks the tree.
	second, err := o.RunTurn(ctx, TurnRequest{
		ClientID:        "client-1",
		ConversationID:  "c1",
		ParentMessageID: first.UserMessageID,
		Message:         "q2",
	})
	require.NoError(t, err)

	tree, err := store.LoadOrCreate(ctx, "c1")
	require.NoError(t, err)
	parent, ok := tree.FindMessage(first.UserMessageID)
	require.True(t, ok)
	require.Len(t, parent.Children, 2)

	chain, err := tree.AncestryChain(second.AssistantMessageID)
	require.NoError(t, err)
	require.Equal(t, second.AssistantMessageID, chain[len(chain)-1].ID)
}
