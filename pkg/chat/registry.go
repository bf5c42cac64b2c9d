package chat

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn is the client channel surface the registry needs. *websocket.Conn
// satisfies it; tests use stubs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsTextMessage mirrors websocket.TextMessage without importing gorilla here.
const wsTextMessage = 1

// Registry tracks every connected client under an opaque client id and
// supports unicast and broadcast delivery. Registration and removal are
// synchronized; broadcast iterates a snapshot so it tolerates concurrent
// connects and disconnects. Delivery is best-effort: a dead channel is logged
// and dropped, never surfaced as an error.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*registeredClient
}

type registeredClient struct {
	id   string
	conn Conn
	// gorilla websocket allows a single concurrent writer per connection.
	writeMu sync.Mutex
}

func (c *registeredClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(wsTextMessage, data)
}

// NewRegistry returns an empty connection registry. Each test or process
// constructs its own instance; there is no package-wide shared state.
func NewRegistry() *Registry {
	return &Registry{clients: map[string]*registeredClient{}}
}

// Register assigns a fresh client id to the connection and sends it to the
// client as the first frame.
func (r *Registry) Register(conn Conn) string {
	clientID := uuid.NewString()
	c := &registeredClient{id: clientID, conn: conn}
	r.mu.Lock()
	r.clients[clientID] = c
	r.mu.Unlock()

	if b, err := (Envelope{MessageType: TypeClientID, Content: clientID}).Encode(); err == nil {
		if err := c.write(b); err != nil {
			log.Warn().Err(err).Str("component", "registry").Str("client_id", clientID).Msg("failed to send clientId frame")
		}
	}
	log.Info().Str("component", "registry").Str("client_id", clientID).Msg("client registered")
	return clientID
}

// Unregister removes the client and closes its channel.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	log.Info().Str("component", "registry").Str("client_id", clientID).Msg("client unregistered")
}

// SendTo delivers raw frame data to one client. A missing or failed channel is
// logged and ignored.
func (r *Registry) SendTo(clientID string, data []byte) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		log.Debug().Str("component", "registry").Str("client_id", clientID).Msg("sendTo: client gone, dropping frame")
		return
	}
	if err := c.write(data); err != nil {
		log.Warn().Err(err).Str("component", "registry").Str("client_id", clientID).Msg("sendTo failed")
	}
}

// SendEnvelope marshals and delivers an envelope to one client.
func (r *Registry) SendEnvelope(clientID string, env Envelope) {
	b, err := env.Encode()
	if err != nil {
		log.Warn().Err(err).Str("component", "registry").Str("client_id", clientID).Msg("sendEnvelope: encode failed")
		return
	}
	r.SendTo(clientID, b)
}

// Broadcast delivers raw frame data to every connected client. A failure on
// one channel is isolated and does not block delivery to the others.
func (r *Registry) Broadcast(data []byte) {
	r.mu.RLock()
	snapshot := make([]*registeredClient, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		if err := c.write(data); err != nil {
			log.Warn().Err(err).Str("component", "registry").Str("client_id", c.id).Msg("broadcast send failed")
		}
	}
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
