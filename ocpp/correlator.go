package ocpp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultCommandTimeout bounds how long an outbound call waits for its reply.
const DefaultCommandTimeout = 30 * time.Second

type callOutcome struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	chargePointID string
	createdAt     time.Time
	done          chan callOutcome
}

// Correlator sends calls to charge points and matches the asynchronous
// replies back to their callers by message id. Each pending entry is removed
// exactly once: by the matching reply, by the timeout, or by connection
// teardown, whichever comes first.
type Correlator struct {
	registry *Registry
	timeout  time.Duration
	log      *logrus.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func NewCorrelator(registry *Registry, timeout time.Duration, log *logrus.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Correlator{
		registry: registry,
		timeout:  timeout,
		log:      log,
		pending:  map[string]*pendingCall{},
	}
}

// Send issues a call towards the charge point and blocks until the matching
// CallResult arrives, the charge point answers with a CallError (returned as
// *RemoteError), or the timeout elapses (ErrCommandTimeout). It fails
// immediately with ErrNotConnected when no session is registered.
func (c *Correlator) Send(chargePointID, action string, payload interface{}) (json.RawMessage, error) {
	session, ok := c.registry.Lookup(chargePointID)
	if !ok {
		return nil, ErrNotConnected
	}

	messageID := uuid.NewString()
	frame, err := EncodeCall(messageID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v call: %w", action, err)
	}

	p := &pendingCall{
		chargePointID: chargePointID,
		createdAt:     time.Now(),
		done:          make(chan callOutcome, 1),
	}
	c.mu.Lock()
	c.pending[messageID] = p
	c.mu.Unlock()

	if err := session.Write(frame); err != nil {
		c.take(messageID)
		return nil, fmt.Errorf("failed to send %v to %v: %w", action, chargePointID, err)
	}

	metricCommandsSent.WithLabelValues(action).Inc()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.payload, out.err
	case <-timer.C:
		// The reply may have raced the timer; prefer it when present.
		if c.take(messageID) == nil {
			out := <-p.done
			return out.payload, out.err
		}
		metricCommandTimeouts.Inc()
		return nil, ErrCommandTimeout
	}
}

// Resolve completes the pending call for messageID with a result payload.
// Returns false when no call is pending, which is not a protocol violation:
// the command may have timed out before a late reply arrived.
func (c *Correlator) Resolve(messageID string, payload json.RawMessage) bool {
	p := c.take(messageID)
	if p == nil {
		return false
	}
	p.done <- callOutcome{payload: payload}
	return true
}

// Reject completes the pending call for messageID with the charge point's
// CallError.
func (c *Correlator) Reject(messageID string, code ErrorCode, description string) bool {
	p := c.take(messageID)
	if p == nil {
		return false
	}
	p.done <- callOutcome{err: &RemoteError{Code: code, Description: description}}
	return true
}

// FailAllFor fails every pending call targeting the charge point with
// ErrNotConnected. Called synchronously on connection teardown so callers do
// not sit out the full timeout.
func (c *Correlator) FailAllFor(chargePointID string) {
	c.mu.Lock()
	var failed []*pendingCall
	for id, p := range c.pending {
		if p.chargePointID == chargePointID {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.done <- callOutcome{err: ErrNotConnected}
	}
	if len(failed) > 0 {
		c.log.WithField("client", chargePointID).
			Warnf("failed %d pending commands on disconnect", len(failed))
	}
}

// PendingCount reports the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry, or nil if already gone.
func (c *Correlator) take(messageID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[messageID]
	if !ok {
		return nil
	}
	delete(c.pending, messageID)
	return p
}
