package ws

import (
	"testing"

	"github.com/gorilla/websocket"
)

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := &websocket.Conn{}
	hub.Register(conn, ConnInfo{ConnID: "c1", UserID: 1})

	hub.Join(5, conn)
	if hub.RoomSize(5) != 1 {
		t.Fatalf("expected room to contain the connection")
	}

	hub.Leave(5, conn)
	if hub.RoomSize(5) != 0 {
		t.Fatalf("expected room to be empty after leave")
	}
	if len(hub.rooms) != 0 {
		t.Fatalf("expected empty room to be dropped")
	}
}

func TestHubJoinDoesNotRequireMembership(t *testing.T) {
	// The hub has no notion of conversation membership: any registered
	// connection may join any room id.
	hub := NewHub(nil, nil)
	conn := &websocket.Conn{}
	hub.Register(conn, ConnInfo{ConnID: "c1", UserID: 99})

	hub.Join(42, conn)
	if hub.RoomSize(42) != 1 {
		t.Fatalf("expected join to succeed without any membership data")
	}
}

func TestHubUnregisterDropsAllRooms(t *testing.T) {
	hub := NewHub(nil, nil)
	conn := &websocket.Conn{}
	hub.Register(conn, ConnInfo{ConnID: "c1", UserID: 1})
	hub.Join(1, conn)
	hub.Join(2, conn)

	hub.Unregister(conn)
	if hub.RoomSize(1) != 0 || hub.RoomSize(2) != 0 {
		t.Fatalf("expected every room association to be dropped on disconnect")
	}
	if len(hub.conns) != 0 || len(hub.connRooms) != 0 {
		t.Fatalf("expected connection state to be cleared")
	}
}

func TestHubRoomSurvivesOtherConnectionLeaving(t *testing.T) {
	hub := NewHub(nil, nil)
	a := &websocket.Conn{}
	b := &websocket.Conn{}
	hub.Register(a, ConnInfo{ConnID: "a", UserID: 1})
	hub.Register(b, ConnInfo{ConnID: "b", UserID: 2})
	hub.Join(7, a)
	hub.Join(7, b)

	hub.Unregister(a)
	if hub.RoomSize(7) != 1 {
		t.Fatalf("expected remaining connection to stay in the room")
	}
}
