package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
)

// newConnPair dials a throwaway websocket server and returns both ends.
func newConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server = <-serverCh
	t.Cleanup(func() { server.Close() })
	return server, client
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(payload, &event))
	return event
}

func TestBroadcastMessageReachesRoom(t *testing.T) {
	hub := NewHub(nil, nil)
	server, client := newConnPair(t)
	hub.Register(server, ConnInfo{ConnID: "s", UserID: 2})
	hub.Join(3, server)

	hub.BroadcastMessage(3, models.Message{ID: 9, ConversationID: 3, SenderID: 1, Content: "hi"})

	event := readEvent(t, client)
	require.Equal(t, "newMessage", event["type"])
	msg, ok := event["message"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 9, msg["id"])
}

func TestBroadcastTypingExcludesEmitter(t *testing.T) {
	hub := NewHub(nil, nil)
	serverA, clientA := newConnPair(t)
	serverB, clientB := newConnPair(t)
	hub.Register(serverA, ConnInfo{ConnID: "a", UserID: 1})
	hub.Register(serverB, ConnInfo{ConnID: "b", UserID: 2})
	hub.Join(3, serverA)
	hub.Join(3, serverB)

	hub.BroadcastTyping(3, 1, true, serverA)

	event := readEvent(t, clientB)
	require.Equal(t, "userTyping", event["type"])
	require.EqualValues(t, 1, event["user_id"])

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := clientA.ReadMessage()
	require.Error(t, err, "emitter must not receive its own typing event")
}

func TestDispatchJoinMakesNoRepositoryCalls(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessagingWebSocketHandler(NewHub(nil, nil), nil, convRepo, messageRepo, nil, nil)

	server, _ := newConnPair(t)
	handler.hub.Register(server, ConnInfo{ConnID: "s", UserID: 99})

	// User 99 belongs to no conversation; joining still succeeds because
	// the socket surface never consults the store.
	handler.dispatch(context.Background(), server, auth.Identity{UserID: 99}, clientEvent{
		Event: "joinConversation",
		Data:  json.RawMessage(`{"conversation_id":4}`),
	})

	require.Equal(t, 1, handler.hub.RoomSize(4))
	convRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestDispatchSendMessagePersistsBeforeBroadcast(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessagingWebSocketHandler(NewHub(nil, nil), nil, convRepo, messageRepo, nil, nil)

	server, client := newConnPair(t)
	handler.hub.Register(server, ConnInfo{ConnID: "s", UserID: 1})
	handler.hub.Join(5, server)

	convRepo.On("IsParticipant", mock.Anything, 5, 1).Return(true, nil).Once()
	messageRepo.On("CreateMessage", mock.Anything, 5, 1, "hello", mock.Anything).
		Return(models.Message{ID: 11, ConversationID: 5, SenderID: 1, Content: "hello"}, nil).Once()

	handler.dispatch(context.Background(), server, auth.Identity{UserID: 1}, clientEvent{
		Event: "sendMessage",
		Data:  json.RawMessage(`{"conversation_id":5,"content":"hello"}`),
	})

	event := readEvent(t, client)
	require.Equal(t, "newMessage", event["type"])
	msg := event["message"].(map[string]any)
	require.EqualValues(t, 11, msg["id"])

	convRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestDispatchSendMessageRejectsNonParticipant(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessagingWebSocketHandler(NewHub(nil, nil), nil, convRepo, messageRepo, nil, nil)

	server, client := newConnPair(t)
	handler.hub.Register(server, ConnInfo{ConnID: "s", UserID: 9})

	convRepo.On("IsParticipant", mock.Anything, 5, 9).Return(false, nil).Once()

	handler.dispatch(context.Background(), server, auth.Identity{UserID: 9}, clientEvent{
		Event: "sendMessage",
		Data:  json.RawMessage(`{"conversation_id":5,"content":"hello"}`),
	})

	event := readEvent(t, client)
	require.Equal(t, "error", event["type"])
	convRepo.AssertExpectations(t)
	messageRepo.AssertExpectations(t)
}

func TestDispatchUnknownEvent(t *testing.T) {
	handler := NewMessagingWebSocketHandler(NewHub(nil, nil), nil, new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock), nil, nil)

	server, client := newConnPair(t)
	handler.dispatch(context.Background(), server, auth.Identity{UserID: 1}, clientEvent{Event: "bogus"})

	event := readEvent(t, client)
	require.Equal(t, "error", event["type"])
}
