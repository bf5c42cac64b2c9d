// Package server exposes the websocket transport: it upgrades connections,
// registers clients, forwards their stream topics, and dispatches inbound
// requests to the chat orchestrator and conversation store.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/oakheartlabs/treechat/pkg/chat"
	"github.com/oakheartlabs/treechat/pkg/conversation/convstore"
	"github.com/oakheartlabs/treechat/pkg/streambackend"
)

// Config wires the server's collaborators.
type Config struct {
	BaseCtx      context.Context
	Addr         string
	Registry     *chat.Registry
	Canceller    *chat.Canceller
	Orchestrator *chat.Orchestrator
	Store        convstore.Store
	Backend      streambackend.Backend
	// SummaryMaxChars caps sidebar summary text in list responses.
	SummaryMaxChars int
}

// Server owns the HTTP mux and the per-connection lifecycle.
type Server struct {
	baseCtx         context.Context
	addr            string
	registry        *chat.Registry
	canceller       *chat.Canceller
	orchestrator    *chat.Orchestrator
	store           convstore.Store
	backend         streambackend.Backend
	summaryMaxChars int

	mux      *http.ServeMux
	upgrader websocket.Upgrader

	broadcastFwd *chat.Forwarder
}

// New validates the configuration and builds the server.
func New(cfg Config) (*Server, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("server: base context is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is nil")
	}
	if cfg.Canceller == nil {
		return nil, errors.New("server: canceller is nil")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("server: stream backend is nil")
	}
	s := &Server{
		baseCtx:         cfg.BaseCtx,
		addr:            cfg.Addr,
		registry:        cfg.Registry,
		canceller:       cfg.Canceller,
		orchestrator:    cfg.Orchestrator,
		store:           cfg.Store,
		backend:         cfg.Backend,
		summaryMaxChars: cfg.SummaryMaxChars,
		mux:             http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single trusted deployment; origin checks are not part of
			// this core.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	return s, nil
}

// Handler returns the server mux.
func (s *Server) Handler() http.Handler { return s.mux }

// BuildHTTPServer constructs the http.Server with transport timeouts.
func (s *Server) BuildHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Start launches the broadcast forwarder that fans sidebar summaries out to
// every connected client.
func (s *Server) Start(ctx context.Context) error {
	sub, owns, err := s.backend.BuildSubscriber(ctx, chat.BroadcastTopic)
	if err != nil {
		return errors.Wrap(err, "server: broadcast subscriber")
	}
	s.broadcastFwd = chat.NewForwarder(chat.BroadcastTopic, sub, owns, s.registry.Broadcast)
	return s.broadcastFwd.Start(ctx)
}

// Stop shuts the broadcast forwarder down.
func (s *Server) Stop() {
	if s.broadcastFwd != nil {
		s.broadcastFwd.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	clientID := s.registry.Register(conn)
	wsLog := log.With().
		Str("component", "server").
		Str("remote", r.RemoteAddr).
		Str("client_id", clientID).
		Logger()

	topic := chat.TopicForClient(clientID)
	sub, owns, err := s.backend.BuildSubscriber(s.baseCtx, topic)
	if err != nil {
		wsLog.Error().Err(err).Msg("failed to build client subscriber")
		s.registry.Unregister(clientID)
		return
	}
	fwd := chat.NewForwarder(topic, sub, owns, func(data []byte) {
		s.registry.SendTo(clientID, data)
	})
	if err := fwd.Start(s.baseCtx); err != nil {
		wsLog.Error().Err(err).Msg("failed to start client forwarder")
		s.registry.Unregister(clientID)
		return
	}

	go func() {
		defer func() {
			fwd.Close()
			s.canceller.CancelAll(clientID)
			s.registry.Unregister(clientID)
			wsLog.Info().Msg("ws disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			s.dispatch(clientID, data, wsLog)
		}
	}()
}
