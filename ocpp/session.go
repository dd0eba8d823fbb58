package ocpp

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ProtocolVersion is the negotiated OCPP subprotocol of a session.
type ProtocolVersion string

const (
	ProtocolV16  ProtocolVersion = "ocpp1.6"
	ProtocolV201 ProtocolVersion = "ocpp2.0.1"
)

// SupportedProtocols lists the subprotocol tokens the server negotiates,
// in order of preference.
var SupportedProtocols = []ProtocolVersion{ProtocolV16, ProtocolV201}

const (
	// Time allowed to write a message to the charge point.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the charge point.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from a charge point.
	maxMessageSize = 32 * 1024
)

// Session is the live state of one connected charge point. The websocket
// transport is owned exclusively by the session; all writes are serialized
// through the session's mutex because replies, outbound commands and pings
// originate from different goroutines.
type Session struct {
	ChargePointID string
	Protocol      ProtocolVersion
	ConnectedAt   time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(chargePointID string, protocol ProtocolVersion, conn *websocket.Conn) *Session {
	return &Session{
		ChargePointID: chargePointID,
		Protocol:      protocol,
		ConnectedAt:   time.Now().UTC(),
		conn:          conn,
		done:          make(chan struct{}),
	}
}

// Write sends one text frame to the charge point.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// TouchHeartbeat records charge point liveness.
func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Close tears down the transport. Safe to call from any goroutine and more
// than once; only the first call acts.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait)) //nolint:errcheck
		s.writeMu.Unlock()
		s.conn.Close() //nolint:errcheck
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// keepAlive pings the charge point until the session ends. The read side
// extends its deadline from the matching pongs.
func (s *Session) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
