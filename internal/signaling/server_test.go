package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bandofblades/signal-relay/internal/config"
	"github.com/bandofblades/signal-relay/internal/room"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	s := NewServer(cfg)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

// testConn wraps a client websocket connection with a background reader
// pumping inbound frames into a channel. Tests wait on the channel instead of
// reading the conn with deadlines: gorilla/websocket permanently caches the
// first read error, so a timed-out read would poison the connection for every
// later read.
type testConn struct {
	conn *websocket.Conn

	// msgs carries raw inbound frames. It is closed when the read loop
	// stops, with the terminal error left in readErr.
	msgs    chan []byte
	readErr error
}

func (c *testConn) Close() { _ = c.conn.Close() }

func dialWS(t *testing.T, ts *httptest.Server) *testConn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	c := &testConn{conn: ws, msgs: make(chan []byte, 64)}
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				c.readErr = err
				close(c.msgs)
				return
			}
			c.msgs <- raw
		}
	}()
	t.Cleanup(func() { c.Close() })
	return c
}

func sendMsg(t *testing.T, ws *testConn, raw string) {
	t.Helper()
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func readMsg(t *testing.T, ws *testConn) signalMessage {
	t.Helper()

	var raw []byte
	select {
	case m, ok := <-ws.msgs:
		if !ok {
			t.Fatalf("read message: %v", ws.readErr)
		}
		raw = m
	case <-time.After(2 * time.Second):
		t.Fatal("read message: timed out")
	}

	var msg signalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func expectType(t *testing.T, ws *testConn, want messageType) signalMessage {
	t.Helper()
	msg := readMsg(t, ws)
	if msg.Type != want {
		t.Fatalf("message type = %q, want %q (message %+v)", msg.Type, want, msg)
	}
	return msg
}

func expectNoMessage(t *testing.T, ws *testConn) {
	t.Helper()

	select {
	case raw, ok := <-ws.msgs:
		if !ok {
			t.Fatalf("expected no message, connection closed: %v", ws.readErr)
		}
		t.Fatalf("expected no message, got %s", raw)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	members := expectType(t, wsA, messageTypeRoomMembers)
	if len(members.Members) != 0 {
		t.Fatalf("first joiner room-members = %+v, want empty", members.Members)
	}

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)

	membersB := expectType(t, wsB, messageTypeRoomMembers)
	if len(membersB.Members) != 1 || membersB.Members[0].ID != "alice" {
		t.Fatalf("bob's room-members = %+v, want exactly alice", membersB.Members)
	}
	if membersB.Members[0].ConnectionID == "" {
		t.Fatal("room-members entry missing connectionId")
	}

	joined := expectType(t, wsA, messageTypeParticipantJoined)
	if joined.UserID != "bob" {
		t.Fatalf("participant-joined userId = %q, want bob", joined.UserID)
	}
	if joined.ConnectionID == "" {
		t.Fatal("participant-joined missing connectionId")
	}
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)
	expectType(t, wsB, messageTypeRoomMembers)
	joined := expectType(t, wsA, messageTypeParticipantJoined)

	wsB.Close()

	left := expectType(t, wsA, messageTypeParticipantLeft)
	if left.UserID != "bob" {
		t.Fatalf("participant-left userId = %q, want bob", left.UserID)
	}
	if left.ConnectionID != joined.ConnectionID {
		t.Fatalf("participant-left connectionId = %q, want %q", left.ConnectionID, joined.ConnectionID)
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"get-rooms"}`)
	list := expectType(t, wsB, messageTypeRoomsList)
	if len(list.Rooms) != 1 || list.Rooms[0].ID != "room-1" || list.Rooms[0].ParticipantCount != 1 {
		t.Fatalf("rooms-list = %+v, want room-1 with one participant", list.Rooms)
	}

	wsA.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(srv.Registry().Rooms()) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room still listed after last participant left: %+v", srv.Registry().Rooms())
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendMsg(t, wsB, `{"type":"get-rooms"}`)
	list = expectType(t, wsB, messageTypeRoomsList)
	if len(list.Rooms) != 0 {
		t.Fatalf("rooms-list after delete = %+v, want empty", list.Rooms)
	}
}

func TestForwardStampsSenderAndPreservesPayload(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)
	membersB := expectType(t, wsB, messageTypeRoomMembers)
	aliceConn := membersB.Members[0].ConnectionID

	joined := expectType(t, wsA, messageTypeParticipantJoined)
	bobConn := joined.ConnectionID

	sendMsg(t, wsB, `{"type":"offer","to":"`+aliceConn+`","payload":{"sdp":"v=0\r\n","type":"offer"}}`)

	offer := expectType(t, wsA, messageTypeOffer)
	if offer.From != bobConn {
		t.Fatalf("offer from = %q, want bob's connection %q", offer.From, bobConn)
	}
	if offer.To != "" {
		t.Fatalf("offer to = %q, want empty on delivery", offer.To)
	}
	if string(offer.Payload) != `{"sdp":"v=0\r\n","type":"offer"}` {
		t.Fatalf("offer payload = %s, not preserved verbatim", offer.Payload)
	}

	sendMsg(t, wsA, `{"type":"ice-candidate","to":"`+bobConn+`","payload":{"candidate":"candidate:0 1 udp 1 127.0.0.1 9 typ host"}}`)
	cand := expectType(t, wsB, messageTypeICECandidate)
	if cand.From != aliceConn {
		t.Fatalf("candidate from = %q, want alice's connection %q", cand.From, aliceConn)
	}
}

func TestForwardToUnknownConnectionIsSilentlyDropped(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	ws := dialWS(t, ts)
	sendMsg(t, ws, `{"type":"offer","to":"no-such-connection","payload":{"sdp":"v=0"}}`)
	expectNoMessage(t, ws)

	// The session is still fully functional afterwards.
	sendMsg(t, ws, `{"type":"get-rooms"}`)
	expectType(t, ws, messageTypeRoomsList)
}

func TestForwardWorksBeforeJoin(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)
	membersB := expectType(t, wsB, messageTypeRoomMembers)
	aliceConn := membersB.Members[0].ConnectionID
	expectType(t, wsA, messageTypeParticipantJoined)

	// An unjoined connection may still relay, targets are addressed purely
	// by connection id.
	wsC := dialWS(t, ts)
	sendMsg(t, wsC, `{"type":"offer","to":"`+aliceConn+`","payload":{"sdp":"v=0"}}`)
	expectType(t, wsA, messageTypeOffer)
}

func TestGetConfigReturnsTraversalServers(t *testing.T) {
	_, ts := newTestServer(t, Config{
		TraversalServers: []config.TraversalServer{
			{URI: "stun:stun.example.com:3478"},
			{URI: "turn:turn.example.com:3478", Username: "u", Credential: "p"},
		},
	})

	ws := dialWS(t, ts)
	sendMsg(t, ws, `{"type":"get-config"}`)

	cfg := expectType(t, ws, messageTypeConfig)
	if len(cfg.TraversalServers) != 2 {
		t.Fatalf("traversalServers = %+v, want 2 entries", cfg.TraversalServers)
	}
	if cfg.TraversalServers[0].URI != "stun:stun.example.com:3478" {
		t.Fatalf("first traversal server = %+v", cfg.TraversalServers[0])
	}
	if cfg.TraversalServers[1].Username != "u" || cfg.TraversalServers[1].Credential != "p" {
		t.Fatalf("turn credentials not passed through: %+v", cfg.TraversalServers[1])
	}
}

func TestGetConfigWithNoServersStillAnswers(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	ws := dialWS(t, ts)
	sendMsg(t, ws, `{"type":"get-config"}`)

	cfg := expectType(t, ws, messageTypeConfig)
	if len(cfg.TraversalServers) != 0 {
		t.Fatalf("traversalServers = %+v, want empty", cfg.TraversalServers)
	}
}

func TestMalformedMessageKeepsConnectionAlive(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `this is not json`)
	errMsg := expectType(t, wsB, messageTypeError)
	if errMsg.Code != "bad_message" {
		t.Fatalf("error code = %q, want bad_message", errMsg.Code)
	}

	// Alice saw nothing and the offending connection can still join.
	expectNoMessage(t, wsA)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)
	expectType(t, wsB, messageTypeRoomMembers)
	expectType(t, wsA, messageTypeParticipantJoined)
}

func TestRejoinSameIdentitySupersedesOldConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsWatcher := dialWS(t, ts)
	sendMsg(t, wsWatcher, `{"type":"join","roomId":"room-1","userId":"watcher"}`)
	expectType(t, wsWatcher, messageTypeRoomMembers)

	wsOld := dialWS(t, ts)
	sendMsg(t, wsOld, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsOld, messageTypeRoomMembers)
	oldJoin := expectType(t, wsWatcher, messageTypeParticipantJoined)

	wsNew := dialWS(t, ts)
	sendMsg(t, wsNew, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsNew, messageTypeRoomMembers)
	newJoin := expectType(t, wsWatcher, messageTypeParticipantJoined)
	if newJoin.ConnectionID == oldJoin.ConnectionID {
		t.Fatal("rejoin did not produce a new connection id")
	}

	// Closing the superseded connection must not evict the live membership.
	wsOld.Close()
	expectNoMessage(t, wsWatcher)

	wsNew.Close()
	left := expectType(t, wsWatcher, messageTypeParticipantLeft)
	if left.UserID != "alice" || left.ConnectionID != newJoin.ConnectionID {
		t.Fatalf("participant-left = %+v, want alice on the new connection", left)
	}
}

func TestStaleConnectionRoomSwitchDoesNotEvictLiveMember(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	wsWatcher := dialWS(t, ts)
	sendMsg(t, wsWatcher, `{"type":"join","roomId":"room-1","userId":"watcher"}`)
	expectType(t, wsWatcher, messageTypeRoomMembers)

	wsOld := dialWS(t, ts)
	sendMsg(t, wsOld, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsOld, messageTypeRoomMembers)
	expectType(t, wsWatcher, messageTypeParticipantJoined)

	wsNew := dialWS(t, ts)
	sendMsg(t, wsNew, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsNew, messageTypeRoomMembers)
	newJoin := expectType(t, wsWatcher, messageTypeParticipantJoined)

	// The superseded connection moves to another room. It no longer owns
	// alice's record in room-1, so the live membership must survive and
	// nobody in room-1 may see a participant-left.
	sendMsg(t, wsOld, `{"type":"join","roomId":"room-2","userId":"alice"}`)
	expectType(t, wsOld, messageTypeRoomMembers)
	expectNoMessage(t, wsWatcher)

	var alice room.Participant
	found := false
	for _, p := range srv.Registry().Participants("room-1") {
		if p.ID == "alice" {
			alice, found = p, true
		}
	}
	if !found {
		t.Fatalf("alice missing from room-1 after stale connection switched rooms: %+v",
			srv.Registry().Participants("room-1"))
	}
	if alice.ConnectionID != newJoin.ConnectionID {
		t.Fatalf("alice's connection = %q, want live connection %q", alice.ConnectionID, newJoin.ConnectionID)
	}

	// Closing the live connection still reaches the remaining member.
	wsNew.Close()
	left := expectType(t, wsWatcher, messageTypeParticipantLeft)
	if left.UserID != "alice" || left.ConnectionID != newJoin.ConnectionID {
		t.Fatalf("participant-left = %+v, want alice on the live connection", left)
	}
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsA := dialWS(t, ts)
	sendMsg(t, wsA, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, wsA, messageTypeRoomMembers)

	wsB := dialWS(t, ts)
	sendMsg(t, wsB, `{"type":"join","roomId":"room-1","userId":"bob"}`)
	expectType(t, wsB, messageTypeRoomMembers)
	expectType(t, wsA, messageTypeParticipantJoined)

	sendMsg(t, wsB, `{"type":"join","roomId":"room-2","userId":"bob"}`)
	expectType(t, wsB, messageTypeRoomMembers)

	left := expectType(t, wsA, messageTypeParticipantLeft)
	if left.UserID != "bob" {
		t.Fatalf("participant-left userId = %q, want bob", left.UserID)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessagesPerSecond: 3})

	ws := dialWS(t, ts)
	for i := 0; i < 10; i++ {
		if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get-rooms"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	sawRateLimited := false
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case raw, ok := <-ws.msgs:
			if !ok {
				err := ws.readErr
				if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
					break loop
				}
				if sawRateLimited {
					// Some close paths surface as an abnormal closure instead of
					// the policy violation frame.
					break loop
				}
				t.Fatalf("read: %v", err)
			}
			var msg signalMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("decode %s: %v", raw, err)
			}
			if msg.Type == messageTypeError && msg.Code == "rate_limited" {
				sawRateLimited = true
			}
		case <-timeout:
			t.Fatal("read: timed out waiting for close")
		}
	}
	if !sawRateLimited {
		t.Fatal("never saw rate_limited error before close")
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessageBytes: 256})

	ws := dialWS(t, ts)
	big := `{"type":"offer","to":"x","payload":{"sdp":"` + strings.Repeat("a", 1024) + `"}}`
	sendMsg(t, ws, big)

	select {
	case raw, ok := <-ws.msgs:
		if ok {
			t.Fatalf("expected connection close after oversized message, got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection close after oversized message")
	}
}

func TestOriginCheck(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "no origin", origin: "", allowed: true},
		{name: "allowlisted", origin: "https://app.example.com", allowed: true},
		{name: "allowlisted default port", origin: "https://app.example.com:443", allowed: true},
		{name: "not allowlisted", origin: "https://evil.example.com", allowed: false},
		{name: "garbage", origin: "::::", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if tt.allowed {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				ws.Close()
				return
			}
			if err == nil {
				ws.Close()
				t.Fatal("expected dial to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403 response, got %+v", resp)
			}
		})
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	ws := dialWS(t, ts)
	sendMsg(t, ws, `{"type":"join","roomId":"room-1","userId":"alice"}`)
	expectType(t, ws, messageTypeRoomMembers)

	s.Close()

	select {
	case raw, ok := <-ws.msgs:
		if ok {
			t.Fatalf("expected close after server shutdown, got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected close after server shutdown")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Registry().Rooms()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry not drained after shutdown: %+v", s.Registry().Rooms())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
