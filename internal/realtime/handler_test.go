package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Data      json.RawMessage `json:"data"`
}

type testServer struct {
	router *chat.Router
	repo   *store.Memory
	url    string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	repo := store.NewMemory()
	router := chat.NewRouter(repo, chat.Options{})
	t.Cleanup(router.Close)

	srv := httptest.NewServer(NewHandler(router, opts, nil))
	t.Cleanup(srv.Close)
	return &testServer{router: router, repo: repo, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *testServer) createSession(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()
	st, err := s.repo.EnsureStore(ctx, "acme.myshopify.com")
	require.NoError(t, err)
	now := time.Now()
	sess := &domain.Session{
		ID: uuid.NewString(), StoreID: st.ID, Token: "tok", CustomerName: "Guest",
		Channel: "widget", Language: "en", Status: domain.StatusActive, AIHandled: true,
		StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.repo.CreateSession(ctx, sess))
	return sess
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ, requestID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	msg, err := json.Marshal(envelope{Type: typ, RequestID: requestID, Data: raw})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, msg))
}

// next reads frames until one matches typ, failing after two seconds.
func next(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, raw, err := ws.Read(ctx)
		require.NoError(t, err, "waiting for %s", typ)
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == typ {
			return f
		}
	}
}

func errorCode(t *testing.T, f frame) chat.ErrorCode {
	t.Helper()
	var d errorData
	require.NoError(t, json.Unmarshal(f.Data, &d))
	return d.Code
}

func joinAs(t *testing.T, ws *websocket.Conn, sessionID, userType, agentID, agentName string) {
	t.Helper()
	send(t, ws, typeJoinChat, "join", joinChatData{SessionID: sessionID, UserType: userType, AgentID: agentID, AgentName: agentName})
	ack := next(t, ws, typeAck)
	require.Equal(t, "join", ack.RequestID)
}

func TestHandler_MessageFlow(t *testing.T) {
	srv := newTestServer(t, Options{})
	sess := srv.createSession(t)

	customer := srv.dial(t)
	agent := srv.dial(t)
	joinAs(t, customer, sess.ID, "CUSTOMER", "", "")
	joinAs(t, agent, sess.ID, "agent", "a1", "Alice")

	send(t, customer, typeSendMessage, "r1", sendMessageData{SessionID: sess.ID, Message: "Do you ship to Canada?", Sender: "customer"})
	ack := next(t, customer, typeAck)
	assert.Equal(t, "r1", ack.RequestID)
	var ad ackData
	require.NoError(t, json.Unmarshal(ack.Data, &ad))
	require.NotNil(t, ad.Message)
	assert.EqualValues(t, 1, ad.Message.Sequence)
	assert.NotEmpty(t, ad.Message.ID)

	got := next(t, agent, string(chat.OutNewMessage))
	var m domain.Message
	require.NoError(t, json.Unmarshal(got.Data, &m))
	assert.Equal(t, ad.Message.ID, m.ID)
	assert.Equal(t, "Do you ship to Canada?", m.Text)
	assert.Positive(t, got.Seq)
}

func TestHandler_TakeoverFlow(t *testing.T) {
	srv := newTestServer(t, Options{})
	sess := srv.createSession(t)

	customer := srv.dial(t)
	agent := srv.dial(t)
	joinAs(t, customer, sess.ID, "customer", "", "")
	joinAs(t, agent, sess.ID, "agent", "a1", "Alice")

	send(t, agent, typeTakeoverChat, "t1", takeoverData{SessionID: sess.ID, AgentID: "a1", AgentName: "Alice"})
	ack := next(t, agent, typeAck)
	assert.Equal(t, "t1", ack.RequestID)

	sys := next(t, customer, string(chat.OutNewMessage))
	var m domain.Message
	require.NoError(t, json.Unmarshal(sys.Data, &m))
	assert.Equal(t, domain.SenderSystem, m.Sender)
	assert.Equal(t, "Alice has joined the chat", m.Text)
	next(t, customer, string(chat.OutAgentTakeover))

	send(t, agent, typeSendMessage, "m1", sendMessageData{SessionID: sess.ID, Message: "Hi, I'm Alice", Sender: "agent"})
	next(t, agent, typeAck)
	reply := next(t, customer, string(chat.OutNewMessage))
	require.NoError(t, json.Unmarshal(reply.Data, &m))
	assert.Equal(t, domain.SenderAgent, m.Sender)
	assert.Equal(t, "Alice", m.AgentName)

	send(t, agent, typeResolveChat, "done", resolveData{SessionID: sess.ID})
	next(t, agent, typeAck)
	next(t, customer, string(chat.OutSessionResolved))

	send(t, customer, typeSendMessage, "late", sendMessageData{SessionID: sess.ID, Message: "wait", Sender: "customer"})
	f := next(t, customer, typeError)
	assert.Equal(t, "late", f.RequestID)
	assert.Equal(t, chat.CodeSessionClosed, errorCode(t, f))
}

func TestHandler_Rejections(t *testing.T) {
	srv := newTestServer(t, Options{})
	sess := srv.createSession(t)
	customer := srv.dial(t)
	joinAs(t, customer, sess.ID, "customer", "", "")

	tests := []struct {
		name string
		typ  string
		data any
		want chat.ErrorCode
	}{
		{"unknown type", "shout", sessionData{SessionID: sess.ID}, chat.CodeMalformedEvent},
		{"missing data", typeRequestAgent, nil, chat.CodeMalformedEvent},
		{"customer posing as agent", typeSendMessage, sendMessageData{SessionID: sess.ID, Message: "x", Sender: "agent"}, chat.CodeNotAuthorized},
		{"customer takeover", typeTakeoverChat, takeoverData{SessionID: sess.ID, AgentID: "a1"}, chat.CodeNotAuthorized},
		{"empty text", typeSendMessage, sendMessageData{SessionID: sess.ID, Message: "  ", Sender: "customer"}, chat.CodeMalformedEvent},
		{"bad role", typeJoinChat, joinChatData{SessionID: sess.ID, UserType: "robot"}, chat.CodeMalformedEvent},
		{"unknown session", typeJoinChat, joinChatData{SessionID: "nope", UserType: "customer"}, chat.CodeSessionNotFound},
		{"not joined", typeRequestAgent, sessionData{SessionID: "other"}, chat.CodeNotAuthorized},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(rune('a' + i))
			send(t, customer, tt.typ, id, tt.data)
			f := next(t, customer, typeError)
			assert.Equal(t, id, f.RequestID)
			assert.Equal(t, tt.want, errorCode(t, f))
		})
	}
}

func TestHandler_PingAndRateLimit(t *testing.T) {
	srv := newTestServer(t, Options{EventRate: 0.001, EventBurst: 2})
	ws := srv.dial(t)

	send(t, ws, typePing, "p1", struct{}{})
	assert.Equal(t, "p1", next(t, ws, typePong).RequestID)
	send(t, ws, typePing, "p2", struct{}{})
	next(t, ws, typePong)

	send(t, ws, typePing, "p3", struct{}{})
	f := next(t, ws, typeError)
	assert.Equal(t, chat.CodeRateLimited, errorCode(t, f))
	var d errorData
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.True(t, d.Retryable)
}

func TestHandler_DisconnectDetaches(t *testing.T) {
	srv := newTestServer(t, Options{})
	sess := srv.createSession(t)
	ws := srv.dial(t)
	joinAs(t, ws, sess.ID, "customer", "", "")
	require.Len(t, srv.router.Registry().Subscribers(sess.ID), 1)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.router.Registry().Subscribers(sess.ID)) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still subscribed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
