package inbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *StaticSession) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	session := NewStaticSession(localUser, "tok", nil)
	return NewClient(session, WithBaseURL(srv.URL+"/")), session
}

// ============================================================================
// Requests
// ============================================================================

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("send message", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/messages", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]string{"receiverId": "U2", "content": "hi", "productId": "p-1"}, body)

			w.Write([]byte(`{"success":true,"data":{"_id":"M1","sender":"U1","receiver":"U2","content":"hi"}}`))
		})

		m, err := client.SendMessage(ctx, "U2", "hi", "p-1")
		require.NoError(t, err)
		require.Equal(t, "M1", m.ID)
		require.Equal(t, "U2", m.ReceiverID())
	})

	t.Run("list conversations enveloped", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/messages/conversations", r.URL.Path)
			w.Write([]byte(`{"success":true,"data":{"conversations":[{"_id":"c1","otherUser":{"_id":"U2"},"unreadCount":2}]}}`))
		})

		convs, err := client.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		require.Equal(t, "U2", convs[0].OtherID())
		require.Equal(t, 2, convs[0].UnreadCount)
	})

	t.Run("list messages bare array", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/messages/U1/U2", r.URL.Path)
			w.Write([]byte(`[{"_id":"m1","sender":"U2"},{"_id":"m2","sender":"U1"}]`))
		})

		msgs, err := client.ListMessages(ctx, "U1", "U2")
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m2"}, messageIDs(msgs))
	})

	t.Run("mark read and delete", func(t *testing.T) {
		var seen []string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Method+" "+r.URL.Path)
			w.Write([]byte(`{"success":true,"message":"ok"}`))
		})

		require.NoError(t, client.MarkRead(ctx, "U1", "U2"))
		require.NoError(t, client.DeleteConversation(ctx, "c1"))
		require.Equal(t, []string{
			"PUT /api/messages/read/U1/U2",
			"DELETE /api/messages/conversations/c1",
		}, seen)
	})

	t.Run("success false is an error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"message":"not allowed"}`))
		})

		err := client.MarkRead(ctx, "U1", "U2")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "not allowed", apiErr.Message)
	})
}

// ============================================================================
// Failures
// ============================================================================

func TestClientFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("401 invalidates the session once per response", func(t *testing.T) {
		var hits atomic.Int32
		client, session := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message":"Invalid token"}`)
		})

		_, err := client.ListConversations(ctx)
		require.ErrorIs(t, err, ErrUnauthorized)
		require.True(t, IsUnauthorized(err))
		require.True(t, session.Invalidated())
		require.Equal(t, "", session.Token())
		require.Equal(t, int32(1), hits.Load())
	})

	t.Run("error message from nested error object", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"success":false,"error":{"message":"no such conversation"}}`)
		})

		err := client.DeleteConversation(ctx, "c9")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusNotFound, apiErr.Status)
		require.Equal(t, "NOT_FOUND", apiErr.Code)
		require.Equal(t, "no such conversation", apiErr.Message)
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := NewClient(NewStaticSession(localUser, "tok", nil), WithBaseURL(url), WithTimeout(time.Second))
		_, err := client.ListConversations(ctx)
		require.True(t, IsTransport(err))
		require.False(t, IsUnauthorized(err))
	})
}

func TestClientWSURL(t *testing.T) {
	session := NewStaticSession(localUser, "a b", nil)

	require.Equal(t, "wss://market.example/ws?token=a+b",
		NewClient(session, WithBaseURL("https://market.example/")).WSURL())
	require.Equal(t, "ws://localhost:5000/ws",
		NewClient(NewStaticSession(localUser, "", nil)).WSURL())
}
