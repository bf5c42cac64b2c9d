package chat

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// TopicForClient computes the stream topic carrying one client's unicast
// frames.
func TopicForClient(clientID string) string { return "client:" + clientID }

// BroadcastTopic carries frames destined for every connected client.
const BroadcastTopic = "chat:broadcast"

// Forwarder owns one topic subscription and pushes each payload to a delivery
// function in publish order. One forwarder runs per connected client (unicast
// topic) plus one per process for the broadcast topic.
type Forwarder struct {
	topic   string
	sub     message.Subscriber
	ownsSub bool
	deliver func(data []byte)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewForwarder wires a subscriber to a delivery function. ownsSub marks
// whether Close should also close the subscriber.
func NewForwarder(topic string, sub message.Subscriber, ownsSub bool, deliver func(data []byte)) *Forwarder {
	return &Forwarder{topic: topic, sub: sub, ownsSub: ownsSub, deliver: deliver}
}

// Start begins consuming. Idempotent while running.
func (f *Forwarder) Start(ctx context.Context) error {
	if f == nil || f.sub == nil {
		return nil
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.sub.Subscribe(runCtx, f.topic)
	if err != nil {
		cancel()
		f.mu.Unlock()
		return err
	}
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()

	go f.consume(ch)
	return nil
}

func (f *Forwarder) consume(ch <-chan *message.Message) {
	log.Debug().Str("component", "forwarder").Str("topic", f.topic).Msg("forwarder started")
	for msg := range ch {
		if f.deliver != nil && len(msg.Payload) > 0 {
			f.deliver(msg.Payload)
		}
		msg.Ack()
	}
	f.mu.Lock()
	f.running = false
	f.cancel = nil
	f.mu.Unlock()
	log.Debug().Str("component", "forwarder").Str("topic", f.topic).Msg("forwarder stopped")
}

// Stop cancels the subscription without closing an externally owned
// subscriber.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.running = false
	f.mu.Unlock()
}

// Close stops the forwarder and closes the subscriber when it is owned.
func (f *Forwarder) Close() {
	if f == nil {
		return
	}
	f.Stop()
	if f.ownsSub && f.sub != nil {
		if err := f.sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "forwarder").Str("topic", f.topic).Msg("subscriber close failed")
		}
	}
}

// IsRunning reports whether the consume loop is active.
func (f *Forwarder) IsRunning() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
