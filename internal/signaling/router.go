package signaling

import "github.com/bandofblades/signal-relay/internal/metrics"

// forward relays one negotiation message to the connection named by msg.To,
// stamping the sender's connection id. The target is a connection id, not a
// participant id; clients learn peer connection ids from join notifications,
// so the room registry is not consulted here.
//
// Delivery is at-most-once and best effort: a target that disconnected in the
// meantime is a silent drop, mirroring the fire-and-forget nature of
// offer/answer/candidate exchange. The sender is not told.
func (s *Server) forward(senderConnID string, msg signalMessage) {
	target, ok := s.hub.get(msg.To)
	if !ok {
		s.metrics.Inc(metrics.ForwardDropped)
		s.log.Debug("dropping signaling message for unknown connection",
			"type", string(msg.Type), "from", senderConnID, "to", msg.To)
		return
	}

	out := signalMessage{
		Type:    msg.Type,
		From:    senderConnID,
		Payload: msg.Payload,
	}
	if err := target.send(out); err != nil {
		s.metrics.Inc(metrics.ForwardDropped)
		s.log.Debug("signaling forward failed",
			"type", string(msg.Type), "from", senderConnID, "to", msg.To, "err", err)
		return
	}
	s.metrics.Inc(metrics.ForwardRelayed)
}
