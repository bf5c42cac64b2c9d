package chat

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("write failed")
	}
	cp := append([]byte(nil), data...)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *stubConn) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func TestRegisterSendsClientIDAsFirstFrame(t *testing.T) {
	r := NewRegistry()
	conn := &stubConn{}
	clientID := r.Register(conn)
	require.NotEmpty(t, clientID)
	require.Equal(t, 1, r.Count())

	require.Equal(t, 1, conn.frameCount())
	var env struct {
		MessageType string `json:"messageType"`
		Content     string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(conn.frame(0), &env))
	require.Equal(t, string(TypeClientID), env.MessageType)
	require.Equal(t, clientID, env.Content)
}

func TestSendToUnknownClientIsSilent(t *testing.T) {
	r := NewRegistry()
	conn := &stubConn{}
	clientID := r.Register(conn)

	require.NotPanics(t, func() {
		r.SendTo("no-such-client", []byte(`{}`))
	})

	r.SendTo(clientID, []byte(`{"messageType":"fragment"}`))
	require.Equal(t, 2, conn.frameCount())
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	good := &stubConn{}
	bad := &stubConn{fail: true}
	r.Register(good)
	r.Register(bad)

	r.Broadcast([]byte(`{"messageType":"cachedConversationSummary"}`))
	// first frame is the clientId frame
	require.Equal(t, 2, good.frameCount())
}

func TestUnregisterClosesConnection(t *testing.T) {
	r := NewRegistry()
	conn := &stubConn{}
	clientID := r.Register(conn)
	r.Unregister(clientID)
	require.Equal(t, 0, r.Count())
	require.True(t, conn.closed)

	// Repeat unregister is a no-op.
	require.NotPanics(t, func() { r.Unregister(clientID) })
}
