package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test push server
// ============================================================================

type pushServer struct {
	srv     *httptest.Server
	accepts atomic.Int32
	frames  chan Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
	token string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{frames: make(chan Envelope, 64)}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.accepts.Add(1)
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.token = r.URL.Query().Get("token")
		ps.mu.Unlock()

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				ps.frames <- env
			}
		}
	}))
	t.Cleanup(func() {
		ps.dropAll()
		ps.srv.Close()
	})
	return ps
}

func (ps *pushServer) client(userID string) *Client {
	return NewClient(NewStaticSession(userID, "tok-"+userID, nil), WithBaseURL(ps.srv.URL))
}

func (ps *pushServer) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func (ps *pushServer) dropAll() {
	ps.mu.Lock()
	conns := ps.conns
	ps.conns = nil
	ps.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (ps *pushServer) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-ps.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

func fastChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestChannelConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("announces the user", func(t *testing.T) {
		ps := newPushServer(t)
		ch := NewChannel(ps.client("U1"), fastChannelConfig())
		defer ch.Disconnect()

		require.NoError(t, ch.Connect(ctx, "U1"))
		require.True(t, ch.Connected())

		env := ps.next(t)
		require.Equal(t, EventUserJoin, env.Type)
		require.JSONEq(t, `{"userId":"U1"}`, string(env.Payload))

		ps.mu.Lock()
		require.Equal(t, "tok-U1", ps.token)
		ps.mu.Unlock()
	})

	t.Run("second connect is a no-op", func(t *testing.T) {
		ps := newPushServer(t)
		ch := NewChannel(ps.client("U1"), fastChannelConfig())
		defer ch.Disconnect()

		require.NoError(t, ch.Connect(ctx, "U1"))
		require.NoError(t, ch.Connect(ctx, "U1"))
		ps.next(t)

		time.Sleep(50 * time.Millisecond)
		require.Equal(t, int32(1), ps.accepts.Load())
	})

	t.Run("requires a user", func(t *testing.T) {
		ps := newPushServer(t)
		ch := NewChannel(ps.client("U1"), fastChannelConfig())
		require.ErrorIs(t, ch.Connect(ctx, ""), ErrNoSession)
	})

	t.Run("disconnect resets status", func(t *testing.T) {
		ps := newPushServer(t)
		ch := NewChannel(ps.client("U1"), fastChannelConfig())

		var mu sync.Mutex
		var statuses []bool
		ch.Status().Subscribe(func(v bool) {
			mu.Lock()
			statuses = append(statuses, v)
			mu.Unlock()
		})

		require.NoError(t, ch.Connect(ctx, "U1"))
		ch.Disconnect()
		require.False(t, ch.Connected())

		mu.Lock()
		require.Equal(t, []bool{false, true, false}, statuses)
		mu.Unlock()

		require.NoError(t, ch.Connect(ctx, "U1"))
		require.True(t, ch.Connected())
		ch.Disconnect()
	})

	t.Run("unreachable server reports status only", func(t *testing.T) {
		ps := newPushServer(t)
		client := ps.client("U1")
		ps.srv.Close()

		cfg := fastChannelConfig()
		cfg.MaxReconnectAttempts = 2
		ch := NewChannel(client, cfg)
		defer ch.Disconnect()

		var attempts atomic.Int32
		ch.OnReconnecting(func(ReconnectAttempt) { attempts.Add(1) })

		require.Error(t, ch.Connect(ctx, "U1"))
		require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		require.False(t, ch.Connected())
		require.Equal(t, int32(2), attempts.Load())
	})
}

func TestChannelReconnect(t *testing.T) {
	ps := newPushServer(t)
	ch := NewChannel(ps.client("U1"), fastChannelConfig())
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "U1"))
	require.Equal(t, EventUserJoin, ps.next(t).Type)

	ps.dropAll()

	env := ps.next(t)
	require.Equal(t, EventUserJoin, env.Type)
	require.JSONEq(t, `{"userId":"U1"}`, string(env.Payload))
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), ps.accepts.Load())
}

// ============================================================================
// Events
// ============================================================================

func TestChannelEvents(t *testing.T) {
	ctx := context.Background()
	ps := newPushServer(t)
	ch := NewChannel(ps.client("U1"), fastChannelConfig())
	defer ch.Disconnect()

	t.Run("typing is a no-op while disconnected", func(t *testing.T) {
		ch.EmitTypingStart(ctx, "U1", "U2")
		ch.EmitTypingStop(ctx, "U1", "U2")
		require.Zero(t, ps.accepts.Load())
	})

	require.NoError(t, ch.Connect(ctx, "U1"))
	ps.next(t)

	t.Run("typing frames", func(t *testing.T) {
		ch.EmitTypingStart(ctx, "U1", "U2")
		env := ps.next(t)
		require.Equal(t, EventTypingStart, env.Type)
		require.JSONEq(t, `{"userId":"U1","receiverId":"U2"}`, string(env.Payload))

		ch.EmitTypingStop(ctx, "U1", "U2")
		require.Equal(t, EventTypingStop, ps.next(t).Type)
	})

	t.Run("inbound events arrive raw and in order", func(t *testing.T) {
		got := make(chan string, 16)
		offs := []func(){
			ch.OnMessageNew(func(raw json.RawMessage) { got <- "new:" + string(raw) }),
			ch.OnMessageSent(func(json.RawMessage) { got <- "sent" }),
			ch.OnConversationUpdate(func(json.RawMessage) { got <- "update" }),
			ch.OnMessagesRead(func(json.RawMessage) { got <- "read" }),
		}
		defer func() {
			for _, off := range offs {
				off()
			}
		}()

		ps.push(t, EventMessageNew, map[string]string{"_id": "m1"})
		ps.push(t, "presence:ping", nil)
		ps.push(t, EventMessageSent, map[string]string{"_id": "m2"})
		ps.push(t, EventConversationUpdate, map[string]string{})
		ps.push(t, EventMessagesRead, map[string]string{"userId": "U2"})

		var order []string
		for i := 0; i < 4; i++ {
			select {
			case s := <-got:
				order = append(order, s)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
		require.Equal(t, []string{`new:{"_id":"m1"}`, "sent", "update", "read"}, order)
	})

	t.Run("a panicking handler does not stop delivery", func(t *testing.T) {
		got := make(chan struct{}, 1)
		off1 := ch.OnMessageNew(func(json.RawMessage) { panic("bad observer") })
		off2 := ch.OnMessageNew(func(json.RawMessage) { got <- struct{}{} })
		defer off1()
		defer off2()

		ps.push(t, EventMessageNew, map[string]string{"_id": "m3"})
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("handler after panic was not called")
		}
		require.True(t, ch.Connected())
	})
}
