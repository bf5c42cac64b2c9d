package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/oakheartlabs/treechat/pkg/chat"
	"github.com/oakheartlabs/treechat/pkg/chat/provider"
	"github.com/oakheartlabs/treechat/pkg/conversation/convstore"
	"github.com/oakheartlabs/treechat/pkg/streambackend"
)

type wsFrame struct {
	MessageType string          `json:"messageType"`
	Content     json.RawMessage `json:"content"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestServer(t *testing.T) (*wsClient, convstore.Store) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := convstore.NewMemoryStore()
	backend, err := streambackend.New(streambackend.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	registry := chat.NewRegistry()
	canceller := chat.NewCanceller()
	orchestrator, err := chat.NewOrchestrator(chat.OrchestratorConfig{
		Store:     store,
		Canceller: canceller,
		Publisher: backend.Publisher(),
		Provider:  &provider.EchoProvider{},
	})
	require.NoError(t, err)

	srv, err := New(Config{
		BaseCtx:      ctx,
		Registry:     registry,
		Canceller:    canceller,
		Orchestrator: orchestrator,
		Store:        store,
		Backend:      backend,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsClient{t: t, conn: conn}, store
}

func (c *wsClient) send(messageType string, content any) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"messageType": messageType, "content": content})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

func (c *wsClient) readFrame() wsFrame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var f wsFrame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// readUntil collects frames until one of the wanted type arrives. Broadcast
// summaries can interleave with unicast frames, so callers filter by type.
func (c *wsClient) readUntil(messageType string) (wsFrame, []wsFrame) {
	c.t.Helper()
	var seen []wsFrame
	for i := 0; i < 64; i++ {
		f := c.readFrame()
		if f.MessageType == messageType {
			return f, seen
		}
		seen = append(seen, f)
	}
	c.t.Fatalf("no %s frame after 64 frames", messageType)
	return wsFrame{}, nil
}

func TestFirstFrameIsClientID(t *testing.T) {
	client, _ := dialTestServer(t)
	f := client.readFrame()
	require.Equal(t, "clientId", f.MessageType)
	var id string
	require.NoError(t, json.Unmarshal(f.Content, &id))
	require.NotEmpty(t, id)
}

func TestPingPong(t *testing.T) {
	client, _ := dialTestServer(t)
	client.readFrame() // clientId

	client.send("ping", nil)
	f := client.readFrame()
	require.Equal(t, "pong", f.MessageType)
}

func TestChatTurnRoundTrip(t *testing.T) {
	client, store := dialTestServer(t)
	client.readFrame() // clientId

	client.send("chat", map[string]any{"message": "hello there"})

	eos, seen := client.readUntil("endOfStream")
	var end chat.EndOfStream
	require.NoError(t, json.Unmarshal(eos.Content, &end))
	require.False(t, end.Cancelled)
	require.Empty(t, end.Error)

	var fragments int
	var finalized *chat.FinalizedMessage
	for _, f := range seen {
		switch f.MessageType {
		case "fragment":
			require.Nil(t, finalized, "fragments precede finalizedMessage")
			fragments++
		case "finalizedMessage":
			var fin chat.FinalizedMessage
			require.NoError(t, json.Unmarshal(f.Content, &fin))
			finalized = &fin
		}
	}
	require.Greater(t, fragments, 0)
	require.NotNil(t, finalized)
	require.Equal(t, "You said: hello there", finalized.Content)

	tree, err := store.LoadOrCreate(context.Background(), finalized.ConversationID)
	require.NoError(t, err)
	reply, ok := tree.FindMessage(finalized.MessageID)
	require.True(t, ok)
	require.Equal(t, "You said: hello there", reply.Text)
}

func TestCancelRequestWithNoActiveTurn(t *testing.T) {
	client, _ := dialTestServer(t)
	client.readFrame() // clientId

	client.send("cancelRequest", nil)
	f, _ := client.readUntil("cancelRequestAck")
	var ack struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal(f.Content, &ack))
	require.False(t, ack.Cancelled)
}

func TestLoadConversationReplaysAncestry(t *testing.T) {
	client, store := dialTestServer(t)
	client.readFrame() // clientId

	client.send("chat", map[string]any{"message": "first question"})
	eos, seen := client.readUntil("endOfStream")
	_ = eos
	var fin chat.FinalizedMessage
	for _, f := range seen {
		if f.MessageType == "finalizedMessage" {
			require.NoError(t, json.Unmarshal(f.Content, &fin))
		}
	}
	require.NotEmpty(t, fin.MessageID)

	client.send("loadConversation", map[string]any{"messageId": fin.MessageID})
	f, _ := client.readUntil("loadConversation")
	var replay chat.ConversationReplay
	require.NoError(t, json.Unmarshal(f.Content, &replay))
	require.Equal(t, fin.ConversationID, replay.ConversationID)
	require.Len(t, replay.Messages, 2)
	require.Equal(t, "user", replay.Messages[0].Source)
	require.Equal(t, "ai", replay.Messages[1].Source)
	require.Equal(t, fin.MessageID, replay.Messages[1].ID)

	_, err := store.FindTreeContaining(context.Background(), fin.MessageID)
	require.NoError(t, err)
}

func TestLoadConversationListAndDelete(t *testing.T) {
	client, _ := dialTestServer(t)
	client.readFrame() // clientId

	client.send("chat", map[string]any{"message": "make a conversation"})
	_, seen := client.readUntil("endOfStream")
	var fin chat.FinalizedMessage
	for _, f := range seen {
		if f.MessageType == "finalizedMessage" {
			require.NoError(t, json.Unmarshal(f.Content, &fin))
		}
	}

	client.send("loadConversationList", nil)
	f, _ := client.readUntil("cachedConversationSummary")
	var summary chat.ConversationSummary
	require.NoError(t, json.Unmarshal(f.Content, &summary))
	require.Equal(t, fin.ConversationID, summary.ConversationID)
	require.NotEmpty(t, summary.Summary)

	client.send("deleteConversation", map[string]any{"conversationId": fin.ConversationID})
	f, _ = client.readUntil("conversationDeleted")
	var deleted struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(f.Content, &deleted))
	require.Equal(t, fin.ConversationID, deleted.ConversationID)
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	client, _ := dialTestServer(t)
	client.readFrame() // clientId

	client.send("definitelyNotAThing", nil)
	f, _ := client.readUntil("error")
	var content struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(f.Content, &content))
	require.Contains(t, content.Error, "definitelyNotAThing")
}
