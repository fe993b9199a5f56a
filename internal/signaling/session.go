package signaling

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bandofblades/signal-relay/internal/metrics"
	"github.com/bandofblades/signal-relay/internal/ratelimit"
	"github.com/bandofblades/signal-relay/internal/room"
)

// session is the per-connection state machine: unjoined until a join message
// arrives, joined until the channel closes, after which all registry state
// for the connection has been reclaimed.
//
// The session caches no membership of its own. The registry's reverse index
// is the single record of which membership, if any, this connection owns;
// both the rejoin and the close paths resolve through it, so a connection
// superseded by a reconnect resolves to nothing on either path.
//
// Forward, get-rooms and get-config requests are valid in any state and do
// not change it.
type session struct {
	srv  *Server
	conn *wsConn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket
}

func (s *session) run() {
	defer func() {
		s.srv.hub.unregister(s.conn.id)
		s.leaveOnClose()
		_ = s.conn.conn.Close()
	}()

	s.conn.conn.SetReadLimit(s.srv.maxMessageBytes)

	if idle := s.srv.idleTimeout; idle > 0 {
		_ = s.conn.conn.SetReadDeadline(time.Now().Add(idle))
		s.conn.conn.SetPongHandler(func(string) error {
			return s.conn.conn.SetReadDeadline(time.Now().Add(idle))
		})
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	if s.srv.pingInterval > 0 {
		go s.pingLoop(stopPing)
	}

	for {
		msgType, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			return
		}
		// Apply the rate limit after reading so bytes already buffered by the
		// OS are consumed; closing with unread data can become an abortive
		// close (RST) that hides the close reason from the client.
		if !s.limiter.Allow(1) {
			s.srv.metrics.Inc(metrics.RateLimitedClose)
			_ = s.conn.send(signalMessage{Type: messageTypeError, Code: "rate_limited", Message: "rate limit exceeded"})
			s.conn.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.conn.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			// Malformed input affects only this connection: report it to the
			// sender and keep the session alive. Other participants and room
			// state are untouched.
			s.srv.metrics.Inc(metrics.ProtocolError)
			_ = s.conn.send(signalMessage{Type: messageTypeError, Code: "bad_message", Message: err.Error()})
			continue
		}

		switch msg.Type {
		case messageTypeJoin:
			s.handleJoin(msg)
		case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
			s.srv.forward(s.conn.id, msg)
		case messageTypeGetRooms:
			s.handleGetRooms()
		case messageTypeGetConfig:
			s.handleGetConfig()
		}
	}
}

func (s *session) handleJoin(msg signalMessage) {
	// A connection holds at most one membership; joining under a new identity
	// leaves the old one first so nothing is duplicated. The previous
	// membership is resolved through the reverse index, not session state: a
	// connection whose identity was taken over by a reconnect no longer owns
	// that record and must not evict the live one.
	if prevRoom, prevUser, ok := s.srv.registry.FindByConnection(s.conn.id); ok &&
		(prevRoom != msg.RoomID || prevUser != msg.UserID) {
		snap, deleted := s.srv.registry.Leave(prevRoom, prevUser)
		if !deleted {
			s.srv.fanOut(snap.Participants, s.conn.id, signalMessage{
				Type:         messageTypeParticipantLeft,
				UserID:       prevUser,
				ConnectionID: s.conn.id,
			})
		}
	}

	snap := s.srv.registry.Join(msg.RoomID, room.Participant{
		ID:           msg.UserID,
		ConnectionID: s.conn.id,
		Connected:    true,
	})

	// Membership mutation is complete before any notification goes out. The
	// joiner receives the existing members; everyone else learns about the
	// joiner. Each send is independent and best effort.
	members := make([]roomMember, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.ConnectionID == s.conn.id {
			continue
		}
		members = append(members, roomMember{ID: p.ID, ConnectionID: p.ConnectionID, Connected: p.Connected})
	}
	if err := s.conn.send(signalMessage{Type: messageTypeRoomMembers, Members: members}); err != nil {
		s.log.Debug("room-members send failed", "err", err)
	}

	s.srv.fanOut(snap.Participants, s.conn.id, signalMessage{
		Type:         messageTypeParticipantJoined,
		UserID:       msg.UserID,
		ConnectionID: s.conn.id,
	})

	s.log.Info("participant joined", "room", msg.RoomID, "user", msg.UserID)
}

// leaveOnClose reclaims registry state after the channel closed. The close
// event carries only the connection id, so the membership is recovered via
// the registry's reverse index. A connection that never joined, or whose
// identity was taken over by a reconnect, resolves to nothing and nothing
// happens.
func (s *session) leaveOnClose() {
	roomID, participantID, ok := s.srv.registry.FindByConnection(s.conn.id)
	if !ok {
		return
	}

	snap, deleted := s.srv.registry.Leave(roomID, participantID)
	if !deleted {
		s.srv.fanOut(snap.Participants, s.conn.id, signalMessage{
			Type:         messageTypeParticipantLeft,
			UserID:       participantID,
			ConnectionID: s.conn.id,
		})
	}

	s.log.Info("participant left", "room", roomID, "user", participantID)
}

func (s *session) handleGetRooms() {
	summaries := s.srv.registry.Rooms()
	rooms := make([]roomInfo, 0, len(summaries))
	for _, r := range summaries {
		rooms = append(rooms, roomInfo{
			ID:               r.ID,
			ParticipantCount: r.ParticipantCount,
			CreatedAt:        r.CreatedAt,
		})
	}
	if err := s.conn.send(signalMessage{Type: messageTypeRoomsList, Rooms: rooms}); err != nil {
		s.log.Debug("rooms-list send failed", "err", err)
	}
}

func (s *session) handleGetConfig() {
	if err := s.conn.send(signalMessage{
		Type:             messageTypeConfig,
		TraversalServers: s.srv.traversalServers,
	}); err != nil {
		s.log.Debug("config send failed", "err", err)
	}
}

func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case <-stop:
			return
		}
	}
}
