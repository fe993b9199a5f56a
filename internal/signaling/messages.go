package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bandofblades/signal-relay/internal/config"
)

type messageType string

const (
	// Client -> relay.
	messageTypeJoin         messageType = "join"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypeGetRooms     messageType = "get-rooms"
	messageTypeGetConfig    messageType = "get-config"

	// Relay -> client. Offer/answer/ice-candidate also flow this way, with
	// `from` set instead of `to`.
	messageTypeParticipantJoined messageType = "participant-joined"
	messageTypeParticipantLeft   messageType = "participant-left"
	messageTypeRoomMembers       messageType = "room-members"
	messageTypeRoomsList         messageType = "rooms-list"
	messageTypeConfig            messageType = "config"
	messageTypeError             messageType = "error"
)

// roomMember is the peer-facing view of a participant. Internal registry
// fields (the participant's room id) are not exposed to peers.
type roomMember struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Connected    bool   `json:"connected"`
}

type roomInfo struct {
	ID               string    `json:"id"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// signalMessage is the single tagged variant exchanged over a signaling
// WebSocket, in both directions. Which fields may be present depends on Type;
// validate() enforces the inbound shapes.
type signalMessage struct {
	Type messageType `json:"type"`

	// join
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// offer / answer / ice-candidate. Payload is relayed verbatim.
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// participant-joined / participant-left
	ConnectionID string `json:"connectionId,omitempty"`

	// room-members / rooms-list / config
	Members          []roomMember             `json:"members,omitempty"`
	Rooms            []roomInfo               `json:"rooms,omitempty"`
	TraversalServers []config.TraversalServer `json:"traversalServers,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m signalMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.RoomID == "" {
			return fmt.Errorf("join message missing roomId")
		}
		if m.UserID == "" {
			return fmt.Errorf("join message missing userId")
		}
		if m.To != "" || m.From != "" || len(m.Payload) > 0 || m.hasServerFields() {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
		// `from` is stamped by the relay; clients must not spoof it.
		if m.From != "" || m.RoomID != "" || m.UserID != "" || m.hasServerFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeGetRooms, messageTypeGetConfig:
		if m.RoomID != "" || m.UserID != "" || m.To != "" || m.From != "" || len(m.Payload) > 0 || m.hasServerFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m signalMessage) hasServerFields() bool {
	return m.ConnectionID != "" ||
		m.Members != nil ||
		m.Rooms != nil ||
		m.TraversalServers != nil ||
		m.Code != "" ||
		m.Message != ""
}
