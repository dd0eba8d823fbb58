package ocpp

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// HandleMessage routes one raw inbound frame: calls go through the handler
// table and produce exactly one reply, results and errors resolve pending
// outbound commands. A malformed frame is answered with InternalError when a
// message id can be salvaged; it never terminates the connection.
func (e *Engine) HandleMessage(ctx context.Context, s *Session, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		metricMalformedMessages.Inc()
		e.logFor(s).WithError(err).Warn("discarding malformed message")
		if messageID, ok := ExtractMessageID(data); ok {
			e.writeCallError(s, messageID, ErrorCodeInternalError, "malformed message", nil)
		}
		return
	}

	switch m := msg.(type) {
	case *Call:
		metricMessagesReceived.WithLabelValues("call").Inc()
		e.writeReply(s, e.dispatchCall(ctx, s, m))

	case *CallResult:
		metricMessagesReceived.WithLabelValues("result").Inc()
		if !e.correlator.Resolve(m.MessageID, m.Payload) {
			// Late replies after a timeout are legitimate, not a violation.
			e.logFor(s).WithField("messageId", m.MessageID).
				Info("discarding result with no pending command")
		}

	case *CallError:
		metricMessagesReceived.WithLabelValues("error").Inc()
		if !e.correlator.Reject(m.MessageID, m.Code, m.Description) {
			e.logFor(s).WithField("messageId", m.MessageID).
				Info("discarding error with no pending command")
		}
	}
}

// dispatchCall selects the version-specific handler table for the session
// and invokes the handler for the action. Every path returns a reply frame;
// a Call is never left unanswered.
func (e *Engine) dispatchCall(ctx context.Context, s *Session, call *Call) []byte {
	table, ok := e.handlers[s.Protocol]
	if !ok {
		// Registration happens at engine construction; a session with an
		// unknown version cannot have been negotiated.
		e.logFor(s).Errorf("no handler table for protocol %v", s.Protocol)
		return e.encodeCallError(call.MessageID, ErrorCodeInternalError, "unsupported protocol version")
	}

	handler, ok := table[call.Action]
	if !ok {
		e.logFor(s).WithField("action", call.Action).Warn("unhandled action")
		return e.encodeCallError(call.MessageID, ErrorCodeNotImplemented, "Requested action is not known by receiver")
	}

	payload, err := e.safeInvoke(ctx, handler, s, call)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			metricCallErrors.WithLabelValues(string(protoErr.Code)).Inc()
			return e.encodeCallError(call.MessageID, protoErr.Code, protoErr.Description)
		}
		// Internal detail stays in the log, never on the wire.
		metricCallErrors.WithLabelValues(string(ErrorCodeInternalError)).Inc()
		e.logFor(s).WithField("action", call.Action).WithError(err).Error("handler failed")
		return e.encodeCallError(call.MessageID, ErrorCodeInternalError, "internal error")
	}

	frame, encErr := EncodeCallResult(call.MessageID, payload)
	if encErr != nil {
		e.logFor(s).WithField("action", call.Action).WithError(encErr).Error("failed to encode result")
		return e.encodeCallError(call.MessageID, ErrorCodeInternalError, "internal error")
	}
	return frame
}

// safeInvoke fences handler panics so one misbehaving action cannot take
// down the connection's message loop.
func (e *Engine) safeInvoke(ctx context.Context, handler Handler, s *Session, call *Call) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logFor(s).WithField("action", call.Action).Errorf("handler panicked: %v", r)
			err = &ProtocolError{Code: ErrorCodeInternalError, Description: "internal error"}
		}
	}()
	return handler(ctx, s, call.Payload)
}

func (e *Engine) encodeCallError(messageID string, code ErrorCode, description string) []byte {
	frame, err := EncodeCallError(messageID, code, description, nil)
	if err != nil {
		// Only reachable if the error payload itself cannot marshal.
		e.log.WithError(err).Error("failed to encode call error")
		return nil
	}
	return frame
}

func (e *Engine) writeCallError(s *Session, messageID string, code ErrorCode, description string, details interface{}) {
	frame, err := EncodeCallError(messageID, code, description, details)
	if err != nil {
		e.logFor(s).WithError(err).Error("failed to encode call error")
		return
	}
	e.writeReply(s, frame)
}

func (e *Engine) writeReply(s *Session, frame []byte) {
	if frame == nil {
		return
	}
	if err := s.Write(frame); err != nil {
		e.logFor(s).WithError(err).Error("failed to write reply")
	}
}

func (e *Engine) logFor(s *Session) *logrus.Entry {
	return e.log.WithField("client", s.ChargePointID)
}
