package chat

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/oakheartlabs/treechat/pkg/chat/provider"
	"github.com/oakheartlabs/treechat/pkg/conversation"
	"github.com/oakheartlabs/treechat/pkg/conversation/convstore"
)

// TurnRequest is one inbound chat request.
type TurnRequest struct {
	ClientID        string
	ConversationID  string
	ParentMessageID string
	// NewMessageID is optional; a fresh id is generated when empty.
	NewMessageID string
	Message      string
	Model        string
}

// TurnResult reports how a chat turn ended. Cancelled turns are not errors;
// the tree is left exactly as it was after the user message was persisted.
type TurnResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Cancelled          bool
	Usage              *conversation.TokenUsage
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store     convstore.Store
	Canceller *Canceller
	Publisher message.Publisher
	Provider  provider.Provider
	// Estimator fills token usage when the provider reports none. Optional.
	Estimator *provider.UsageEstimator
	// SummaryMaxChars caps sidebar summary text; <= 0 uses the default.
	SummaryMaxChars int
}

// Orchestrator drives one chat turn end to end: append the user message,
// derive the model context, invoke generation with a cancellation handle, and
// stream fragments plus finalization back through the client's topic.
type Orchestrator struct {
	store           convstore.Store
	canceller       *Canceller
	publisher       message.Publisher
	provider        provider.Provider
	estimator       *provider.UsageEstimator
	summaryMaxChars int
}

// NewOrchestrator validates the configuration and builds an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is nil")
	}
	if cfg.Canceller == nil {
		return nil, errors.New("orchestrator: canceller is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("orchestrator: publisher is nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("orchestrator: provider is nil")
	}
	maxChars := cfg.SummaryMaxChars
	if maxChars <= 0 {
		maxChars = conversation.DefaultSummaryMaxChars
	}
	return &Orchestrator{
		store:           cfg.Store,
		canceller:       cfg.Canceller,
		publisher:       cfg.Publisher,
		provider:        cfg.Provider,
		estimator:       cfg.Estimator,
		summaryMaxChars: maxChars,
	}, nil
}

// RunTurn executes one chat turn and blocks for the full duration of the
// provider call, the sole suspension point. Callers schedule each turn as its
// own unit of work; nothing prevents multiple simultaneous turns per client.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.ClientID == "" {
		return TurnResult{}, errors.New("orchestrator: client id is empty")
	}
	if req.Message == "" {
		return TurnResult{}, errors.New("orchestrator: message is empty")
	}
	convID := req.ConversationID
	if convID == "" {
		convID = "conv_" + uuid.NewString()
	}
	turnLog := log.With().
		Str("component", "orchestrator").
		Str("client_id", req.ClientID).
		Str("conv_id", convID).
		Logger()

	tree, err := o.store.LoadOrCreate(ctx, convID)
	if err != nil {
		return TurnResult{}, errors.Wrap(err, "load conversation")
	}

	userID := req.NewMessageID
	if userID == "" {
		userID = "msg_" + uuid.NewString()
	}
	userMsg, err := tree.Append(conversation.RoleUser, userID, req.Message, req.ParentMessageID)
	if err != nil {
		return TurnResult{}, errors.Wrap(err, "append user message")
	}
	if tree.Summary == "" {
		tree.Summary = summaryText(req.Message, o.summaryMaxChars)
	}
	if err := o.store.Save(ctx, tree); err != nil {
		return TurnResult{}, errors.Wrap(err, "persist user message")
	}
	o.pushSummaryAsync(tree)

	chain, err := tree.AncestryChain(userMsg.ID)
	if err != nil {
		return TurnResult{}, errors.Wrap(err, "derive model context")
	}
	msgs := contextFromChain(chain)

	handle := o.canceller.AddHandle(ctx, req.ClientID)
	defer o.canceller.RemoveHandle(req.ClientID, handle)

	cb := provider.Callbacks{
		OnFragment: func(text string) {
			o.publish(TopicForClient(req.ClientID), Envelope{
				MessageType: TypeFragment,
				Content:     Fragment{ConversationID: convID, Content: text},
			})
		},
	}

	turnLog.Info().Str("user_message_id", userMsg.ID).Str("model", req.Model).Msg("starting generation")
	res, genErr := o.provider.Generate(handle.Context(), req.Model, msgs, cb)
	if genErr != nil {
		if handle.Cancelled() || errors.Is(genErr, context.Canceled) {
			turnLog.Info().Msg("generation cancelled, no assistant message appended")
			o.publish(TopicForClient(req.ClientID), Envelope{
				MessageType: TypeEndOfStream,
				Content:     EndOfStream{ConversationID: convID, Cancelled: true},
			})
			return TurnResult{ConversationID: convID, UserMessageID: userMsg.ID, Cancelled: true}, nil
		}
		turnLog.Error().Err(genErr).Msg("generation failed")
		o.publish(TopicForClient(req.ClientID), Envelope{
			MessageType: TypeEndOfStream,
			Content:     EndOfStream{ConversationID: convID, Error: genErr.Error()},
		})
		return TurnResult{}, errors.Wrap(genErr, "provider")
	}

	usage := res.Usage
	if usage == nil && o.estimator != nil {
		usage = o.estimator.Estimate(msgs, res.Text)
	}

	assistantID := "msg_" + uuid.NewString()
	reply, err := tree.Append(conversation.RoleAssistant, assistantID, res.Text, userMsg.ID)
	if err != nil {
		return TurnResult{}, errors.Wrap(err, "append assistant message")
	}
	reply.Usage = usage
	if err := o.store.Save(ctx, tree); err != nil {
		return TurnResult{}, errors.Wrap(err, "persist assistant message")
	}

	o.publish(TopicForClient(req.ClientID), Envelope{
		MessageType: TypeFinalizedMessage,
		Content: FinalizedMessage{
			ConversationID: convID,
			MessageID:      reply.ID,
			Content:        reply.Text,
			ParentID:       reply.ParentID,
			Timestamp:      time.Now().UnixMilli(),
			Usage:          usage,
		},
	})
	o.publish(TopicForClient(req.ClientID), Envelope{
		MessageType: TypeEndOfStream,
		Content:     EndOfStream{ConversationID: convID},
	})
	o.pushSummaryAsync(tree)

	turnLog.Info().Str("assistant_message_id", reply.ID).Msg("turn completed")
	return TurnResult{
		ConversationID:     convID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: reply.ID,
		Usage:              usage,
	}, nil
}

// pushSummaryAsync broadcasts the updated sidebar projection. It is a
// side-channel notification, never on the correctness path; failures are
// logged and dropped.
func (o *Orchestrator) pushSummaryAsync(tree *conversation.Tree) {
	summary := Envelope{
		MessageType: TypeCachedConversationSummary,
		Content: ConversationSummary{
			ConversationID: tree.ConvID,
			Summary:        tree.Summary,
			LastModified:   time.Now().UnixMilli(),
			Tree:           tree.SummaryTree(o.summaryMaxChars),
		},
	}
	go o.publish(BroadcastTopic, summary)
}

func (o *Orchestrator) publish(topic string, env Envelope) {
	b, err := env.Encode()
	if err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("topic", topic).Msg("envelope encode failed")
		return
	}
	if err := o.publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		log.Warn().Err(err).Str("component", "orchestrator").Str("topic", topic).Str("message_type", string(env.MessageType)).Msg("publish failed")
	}
}

func contextFromChain(chain []*conversation.Message) []provider.ContextMessage {
	out := make([]provider.ContextMessage, 0, len(chain))
	for _, m := range chain {
		if m.IsSyntheticRoot() {
			continue
		}
		out = append(out, provider.ContextMessage{Role: string(m.Role), Text: m.Text})
	}
	return out
}

func summaryText(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
