package ocpp

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// negotiateProtocol picks the OCPP subprotocol for an incoming upgrade. A
// client that offers no subprotocol is assumed to speak ocpp1.6; a client
// that offers only unsupported tokens is refused before the upgrade
// completes.
func negotiateProtocol(r *http.Request) (ProtocolVersion, bool) {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return ProtocolV16, true
	}
	for _, token := range offered {
		for _, supported := range SupportedProtocols {
			if token == string(supported) {
				return supported, true
			}
		}
	}
	return "", false
}

// HandleWebsocket is the transport boundary: one bidirectional text-message
// connection per charge point, reached at a path whose final segment is the
// charge point identifier.
func (e *Engine) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	chargePointID := mux.Vars(r)["id"]
	if chargePointID == "" {
		http.Error(w, "missing charge point identifier", http.StatusBadRequest)
		return
	}

	protocol, ok := negotiateProtocol(r)
	if !ok {
		e.log.WithField("client", chargePointID).
			Warnf("rejecting connection, unsupported subprotocols %v", websocket.Subprotocols(r))
		http.Error(w, "unsupported OCPP subprotocol", http.StatusBadRequest)
		return
	}

	responseHeader := http.Header{}
	if len(websocket.Subprotocols(r)) > 0 {
		responseHeader.Set("Sec-WebSocket-Protocol", string(protocol))
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		e.log.WithField("client", chargePointID).WithError(err).Error("upgrade failed")
		return
	}

	e.log.WithField("client", chargePointID).
		Infof("new charge point connected (%v, remote %v)", protocol, conn.RemoteAddr())

	if _, err := e.state.ProvisionCharger(r.Context(), chargePointID, protocol); err != nil {
		e.log.WithField("client", chargePointID).WithError(err).Error("failed to provision charger")
		conn.Close() //nolint:errcheck
		return
	}

	session := NewSession(chargePointID, protocol, conn)

	// Reconnect policy: a new connection for a registered identifier evicts
	// the old session. A stale half-open socket must never block a live
	// charger; its pending commands fail immediately instead of timing out.
	if prev := e.registry.Register(session); prev != nil {
		e.log.WithField("client", chargePointID).Warn("replacing existing session")
		prev.Close()
		e.correlator.FailAllFor(chargePointID)
	}

	metricConnectionsTotal.Inc()
	metricActiveSessions.Inc()

	go session.keepAlive()
	e.readPump(session)
}

// readPump is the session's single inbound loop. Messages from one charge
// point are processed strictly in order; the reply to a call is written
// before the next frame is read.
func (e *Engine) readPump(s *Session) {
	defer e.teardown(s)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logFor(s).WithError(err).Warn("read failed")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		e.HandleMessage(ctx, s, data)
	}
}

// teardown runs exactly once per session, when its read loop exits or it is
// evicted. Pending commands targeting the charger fail synchronously.
func (e *Engine) teardown(s *Session) {
	s.Close()
	if e.registry.Unregister(s) {
		// Only the current session owns the charger's pending commands; an
		// evicted one had them failed at replacement time.
		e.correlator.FailAllFor(s.ChargePointID)
	}
	metricActiveSessions.Dec()
	e.logFor(s).Info("charge point disconnected")
}
