package ocpp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"csms/notifier"
	"csms/store"
)

// ErrConnectorBusy reports a start event for a connector that already has an
// in-progress transaction.
var ErrConnectorBusy = errors.New("connector already has a transaction in progress")

var transactionSeq atomic.Int64

// nextTransactionID issues process-unique transaction identifiers.
// Millisecond time plus a sequence keeps them unique across restarts too.
func nextTransactionID() string {
	return strconv.FormatInt(time.Now().UnixMilli()+transactionSeq.Add(1), 10)
}

// StateMachine owns the transaction lifecycle and connector/charger status
// aggregation. All mutations for one charger identifier are serialized
// through a per-charger lock; the durable store is written inside that lock
// so a status recomputation is atomic with the connector update that
// triggered it, without a global lock held across store calls for unrelated
// chargers.
type StateMachine struct {
	store         store.Store
	notifications chan<- notifier.Notification
	log           *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStateMachine(st store.Store, notifications chan<- notifier.Notification, log *logrus.Logger) *StateMachine {
	return &StateMachine{
		store:         st,
		notifications: notifications,
		log:           log,
		locks:         map[string]*sync.Mutex{},
	}
}

func (m *StateMachine) chargerLock(chargePointID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[chargePointID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[chargePointID] = l
	}
	return l
}

// publish is fire-and-forget: a slow or absent consumer never blocks
// protocol processing.
func (m *StateMachine) publish(n notifier.Notification) {
	select {
	case m.notifications <- n:
	default:
		m.log.WithField("topic", n.Topic).Warn("notification dropped, channel full")
	}
}

// ProvisionCharger returns the charger record, creating it with one default
// connector when the identifier has never been seen.
func (m *StateMachine) ProvisionCharger(ctx context.Context, chargePointID string, protocol ProtocolVersion) (*store.Charger, error) {
	l := m.chargerLock(chargePointID)
	l.Lock()
	defer l.Unlock()

	charger, err := m.store.FindCharger(ctx, chargePointID)
	if err == nil {
		if charger.Protocol != string(protocol) {
			charger.Protocol = string(protocol)
			if err := m.store.UpsertCharger(ctx, charger); err != nil {
				return nil, err
			}
		}
		return charger, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	charger = &store.Charger{
		ChargePointID: chargePointID,
		Name:          fmt.Sprintf("Charger %v", chargePointID),
		Location:      "Unknown",
		Protocol:      string(protocol),
		Status:        store.StatusAvailable,
		LastHeartbeat: time.Now().UTC(),
		Connectors:    []store.Connector{store.NewConnector(1)},
		Configuration: map[string]string{},
	}
	if err := m.store.UpsertCharger(ctx, charger); err != nil {
		return nil, fmt.Errorf("failed to provision charger %v: %w", chargePointID, err)
	}
	m.log.WithField("client", chargePointID).Info("provisioned new charger")
	return charger, nil
}

// Heartbeat records liveness and republishes the charger's unchanged status
// so dashboards see the device is alive.
func (m *StateMachine) Heartbeat(ctx context.Context, chargePointID string) error {
	l := m.chargerLock(chargePointID)
	l.Lock()
	defer l.Unlock()

	charger, err := m.store.FindCharger(ctx, chargePointID)
	if err != nil {
		return err
	}
	charger.LastHeartbeat = time.Now().UTC()
	if err := m.store.UpsertCharger(ctx, charger); err != nil {
		return err
	}

	m.publish(notifier.Notification{
		Topic: notifier.TopicChargerStatusUpdate,
		Data: map[string]interface{}{
			"chargerId":   chargePointID,
			"connectorId": 0,
			"status":      charger.Status,
			"errorCode":   nil,
		},
	})
	return nil
}

// SetConfiguration persists one configuration key against a charger.
func (m *StateMachine) SetConfiguration(ctx context.Context, chargePointID, key, value string) error {
	l := m.chargerLock(chargePointID)
	l.Lock()
	defer l.Unlock()

	charger, err := m.store.FindCharger(ctx, chargePointID)
	if err != nil {
		return err
	}
	if charger.Configuration == nil {
		charger.Configuration = map[string]string{}
	}
	charger.Configuration[key] = value
	return m.store.UpsertCharger(ctx, charger)
}

// UpdateConnectorStatus applies one connector status report and recomputes
// the charger's overall status under the same lock. connectorID 0 addresses
// the charge point itself; per the status invariant it only ever forces
// Faulted, any other device-level report leaves the aggregate alone.
func (m *StateMachine) UpdateConnectorStatus(ctx context.Context, chargePointID string, connectorID int, status store.ChargerStatus, errorCode string) error {
	l := m.chargerLock(chargePointID)
	l.Lock()
	defer l.Unlock()

	charger, err := m.store.FindCharger(ctx, chargePointID)
	if err != nil {
		return err
	}
	if errorCode == "" {
		errorCode = store.NoError
	}

	if connectorID > 0 {
		connector := charger.Connector(connectorID)
		connector.Status = status
		connector.ErrorCode = errorCode
		connector.LastUpdated = time.Now().UTC()
		if next, ok := ReconcileStatus(charger.Connectors); ok {
			charger.Status = next
		}
	} else if status == store.StatusFaulted || errorCode != store.NoError {
		charger.Status = store.StatusFaulted
	}

	if err := m.store.UpsertCharger(ctx, charger); err != nil {
		return err
	}

	m.publish(notifier.Notification{
		Topic: notifier.TopicChargerStatusUpdate,
		Data: map[string]interface{}{
			"chargerId":   chargePointID,
			"connectorId": connectorID,
			"status":      status,
			"errorCode":   errorCode,
		},
	})
	return nil
}

// ReconcileStatus computes a charger's overall status from its connectors.
// Precedence: Faulted (or any non-default error code), then Charging, then
// Preparing, then all-Available. Mixed states report ok=false and the
// aggregate is left unchanged rather than downgraded.
func ReconcileStatus(connectors []store.Connector) (store.ChargerStatus, bool) {
	if len(connectors) == 0 {
		return "", false
	}

	allAvailable := true
	hasCharging := false
	hasPreparing := false
	for _, c := range connectors {
		if c.Status == store.StatusFaulted || c.ErrorCode != store.NoError {
			return store.StatusFaulted, true
		}
		switch c.Status {
		case store.StatusCharging:
			hasCharging = true
		case store.StatusPreparing:
			hasPreparing = true
		}
		if c.Status != store.StatusAvailable {
			allAvailable = false
		}
	}

	switch {
	case hasCharging:
		return store.StatusCharging, true
	case hasPreparing:
		return store.StatusPreparing, true
	case allAvailable:
		return store.StatusAvailable, true
	default:
		return "", false
	}
}

// StartTransactionParams carries a transaction start event into the state
// machine regardless of which protocol version produced it.
type StartTransactionParams struct {
	ChargePointID string
	EvseID        int
	ConnectorID   int
	IdToken       string
	StartTime     time.Time

	// TransactionID is the station-assigned id (2.0.1 TransactionEvent);
	// empty means the central system assigns one (1.6 StartTransaction).
	TransactionID string
}

// StartTransaction creates an InProgress transaction, marks the charger in
// use and Charging, and publishes a transaction-started event. A connector
// with an open transaction rejects the start rather than double-opening.
func (m *StateMachine) StartTransaction(ctx context.Context, p StartTransactionParams) (*store.Transaction, error) {
	l := m.chargerLock(p.ChargePointID)
	l.Lock()
	defer l.Unlock()

	charger, err := m.store.FindCharger(ctx, p.ChargePointID)
	if err != nil {
		return nil, err
	}

	connectorID := p.ConnectorID
	if connectorID < 1 {
		connectorID = 1
	}
	connector := charger.Connector(connectorID)
	if connector.CurrentTransaction != "" {
		return nil, fmt.Errorf("%w: connector %d of %v", ErrConnectorBusy, connectorID, p.ChargePointID)
	}

	idToken := p.IdToken
	if idToken == "" {
		idToken = store.AnonymousIdToken
	}
	startTime := p.StartTime
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}
	transactionID := p.TransactionID
	if transactionID == "" {
		transactionID = nextTransactionID()
	}

	tx := &store.Transaction{
		TransactionID: transactionID,
		ChargerID:     p.ChargePointID,
		EvseID:        p.EvseID,
		ConnectorID:   connectorID,
		IdToken:       idToken,
		StartTime:     startTime,
		Status:        store.TransactionInProgress,
	}
	if err := m.store.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction start: %w", err)
	}

	connector.Status = store.StatusCharging
	connector.CurrentTransaction = tx.TransactionID
	connector.EvseID = p.EvseID
	connector.LastUpdated = time.Now().UTC()
	charger.IsInUse = true
	charger.Status = store.StatusCharging
	charger.CurrentTransaction = &tx.TransactionID
	if err := m.store.UpsertCharger(ctx, charger); err != nil {
		return nil, err
	}

	m.publish(notifier.Notification{
		Topic: notifier.TopicTransactionUpdate,
		Data: map[string]interface{}{
			"type":        "Started",
			"transaction": tx,
		},
	})
	m.log.WithField("client", p.ChargePointID).
		Infof("transaction %v started on connector %d", tx.TransactionID, connectorID)
	return tx, nil
}

// StopTransaction closes the matching transaction and recomputes the charger
// status. Ending an already-Completed transaction is a no-op: the recorded
// end time and energy are never rewritten.
func (m *StateMachine) StopTransaction(ctx context.Context, chargePointID, transactionID string, energy float64, endTime time.Time) (*store.Transaction, error) {
	l := m.chargerLock(chargePointID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.store.FindTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != store.TransactionInProgress {
		return tx, nil
	}

	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}
	tx.EndTime = &endTime
	tx.Energy = energy
	tx.Status = store.TransactionCompleted
	if err := m.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction end: %w", err)
	}

	charger, err := m.store.FindCharger(ctx, chargePointID)
	if err != nil {
		return nil, err
	}
	for i := range charger.Connectors {
		if charger.Connectors[i].CurrentTransaction == transactionID {
			charger.Connectors[i].CurrentTransaction = ""
			charger.Connectors[i].Status = store.StatusAvailable
			charger.Connectors[i].LastUpdated = time.Now().UTC()
		}
	}
	charger.IsInUse = false
	charger.CurrentTransaction = nil
	if next, ok := ReconcileStatus(charger.Connectors); ok {
		charger.Status = next
	}
	if err := m.store.UpsertCharger(ctx, charger); err != nil {
		return nil, err
	}

	m.publish(notifier.Notification{
		Topic: notifier.TopicTransactionUpdate,
		Data: map[string]interface{}{
			"type":        "Ended",
			"transaction": tx,
		},
	})
	m.log.WithField("client", chargePointID).
		Infof("transaction %v completed, energy=%v", transactionID, energy)
	return tx, nil
}
