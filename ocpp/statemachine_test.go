package ocpp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csms/notifier"
	"csms/store"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStateMachine(t *testing.T) (*StateMachine, *store.SQLiteStore, chan notifier.Notification) {
	t.Helper()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifications := make(chan notifier.Notification, 64)
	return NewStateMachine(st, notifications, quietLogger()), st, notifications
}

func drainTopic(t *testing.T, ch chan notifier.Notification, topic string) notifier.Notification {
	t.Helper()
	for {
		select {
		case n := <-ch:
			if n.Topic == topic {
				return n
			}
		default:
			t.Fatalf("no notification on topic %v", topic)
		}
	}
}

func TestProvisionChargerCreatesDefaultRecord(t *testing.T) {
	sm, st, _ := newTestStateMachine(t)
	ctx := context.Background()

	charger, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)
	assert.Equal(t, "Charger CP1", charger.Name)
	assert.Equal(t, "Unknown", charger.Location)
	assert.Equal(t, store.StatusAvailable, charger.Status)
	require.Len(t, charger.Connectors, 1)
	assert.Equal(t, 1, charger.Connectors[0].ConnectorID)

	stored, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.Equal(t, "ocpp1.6", stored.Protocol)
}

func TestProvisionChargerIsIdempotent(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	first, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	// A reconnect under a different protocol version updates the record
	// instead of recreating it.
	second, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV201)
	require.NoError(t, err)
	assert.Equal(t, first.ChargePointID, second.ChargePointID)
	assert.Equal(t, "ocpp2.0.1", second.Protocol)
}

func TestHeartbeatPublishesUnchangedStatus(t *testing.T) {
	sm, _, notifications := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)
	require.NoError(t, sm.Heartbeat(ctx, "CP1"))

	n := drainTopic(t, notifications, notifier.TopicChargerStatusUpdate)
	assert.Equal(t, "CP1", n.Data["chargerId"])
	assert.Equal(t, 0, n.Data["connectorId"])
	assert.Equal(t, store.StatusAvailable, n.Data["status"])
}

func TestHeartbeatUnknownCharger(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	err := sm.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileStatus(t *testing.T) {
	conn := func(status store.ChargerStatus, errorCode string) store.Connector {
		c := store.NewConnector(1)
		c.Status = status
		c.ErrorCode = errorCode
		return c
	}

	tests := []struct {
		name       string
		connectors []store.Connector
		want       store.ChargerStatus
		ok         bool
	}{
		{
			name: "faulted wins over charging",
			connectors: []store.Connector{
				conn(store.StatusCharging, store.NoError),
				conn(store.StatusFaulted, store.NoError),
			},
			want: store.StatusFaulted, ok: true,
		},
		{
			name: "error code forces faulted",
			connectors: []store.Connector{
				conn(store.StatusAvailable, "GroundFailure"),
			},
			want: store.StatusFaulted, ok: true,
		},
		{
			name: "charging wins over preparing",
			connectors: []store.Connector{
				conn(store.StatusPreparing, store.NoError),
				conn(store.StatusCharging, store.NoError),
			},
			want: store.StatusCharging, ok: true,
		},
		{
			name: "preparing wins over available",
			connectors: []store.Connector{
				conn(store.StatusAvailable, store.NoError),
				conn(store.StatusPreparing, store.NoError),
			},
			want: store.StatusPreparing, ok: true,
		},
		{
			name: "all available",
			connectors: []store.Connector{
				conn(store.StatusAvailable, store.NoError),
				conn(store.StatusAvailable, store.NoError),
			},
			want: store.StatusAvailable, ok: true,
		},
		{
			name: "mixed states leave aggregate untouched",
			connectors: []store.Connector{
				conn(store.StatusAvailable, store.NoError),
				conn(store.StatusFinishing, store.NoError),
			},
			ok: false,
		},
		{
			name: "no connectors",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ReconcileStatus(tt.connectors)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestUpdateConnectorStatusGrowsConnectorList(t *testing.T) {
	sm, st, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	require.NoError(t, sm.UpdateConnectorStatus(ctx, "CP1", 3, store.StatusPreparing, ""))

	charger, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	require.Len(t, charger.Connectors, 3)
	assert.Equal(t, store.StatusAvailable, charger.Connectors[0].Status)
	assert.Equal(t, store.StatusAvailable, charger.Connectors[1].Status)
	assert.Equal(t, store.StatusPreparing, charger.Connectors[2].Status)
	assert.Equal(t, store.StatusPreparing, charger.Status)
}

func TestUpdateConnectorStatusDeviceLevelOnlyForcesFaulted(t *testing.T) {
	sm, st, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	// A connector-0 report with a healthy status leaves the aggregate alone.
	require.NoError(t, sm.UpdateConnectorStatus(ctx, "CP1", 0, store.StatusUnavailable, ""))
	charger, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAvailable, charger.Status)

	require.NoError(t, sm.UpdateConnectorStatus(ctx, "CP1", 0, store.StatusFaulted, "HighTemperature"))
	charger, err = st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFaulted, charger.Status)
}

func TestStartTransactionLifecycle(t *testing.T) {
	sm, st, notifications := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	tx, err := sm.StartTransaction(ctx, StartTransactionParams{
		ChargePointID: "CP1",
		ConnectorID:   1,
		IdToken:       "TAG-42",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.TransactionID)
	assert.Equal(t, store.TransactionInProgress, tx.Status)
	assert.Equal(t, "TAG-42", tx.IdToken)

	charger, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.True(t, charger.IsInUse)
	assert.Equal(t, store.StatusCharging, charger.Status)
	require.NotNil(t, charger.CurrentTransaction)
	assert.Equal(t, tx.TransactionID, *charger.CurrentTransaction)
	assert.Equal(t, tx.TransactionID, charger.Connectors[0].CurrentTransaction)

	n := drainTopic(t, notifications, notifier.TopicTransactionUpdate)
	assert.Equal(t, "Started", n.Data["type"])
}

func TestStartTransactionRejectsBusyConnector(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	_, err = sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 1})
	require.NoError(t, err)

	_, err = sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 1})
	assert.ErrorIs(t, err, ErrConnectorBusy)

	// A different connector on the same charger is free to start.
	_, err = sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 2})
	assert.NoError(t, err)
}

func TestStartTransactionAnonymousToken(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)

	tx, err := sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 1})
	require.NoError(t, err)
	assert.Equal(t, store.AnonymousIdToken, tx.IdToken)
}

func TestStartTransactionKeepsStationAssignedID(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV201)
	require.NoError(t, err)

	tx, err := sm.StartTransaction(ctx, StartTransactionParams{
		ChargePointID: "CP1",
		ConnectorID:   1,
		TransactionID: "station-tx-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "station-tx-9", tx.TransactionID)
}

func TestStopTransaction(t *testing.T) {
	sm, st, notifications := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)
	tx, err := sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 1})
	require.NoError(t, err)

	endTime := time.Now().UTC().Add(time.Hour)
	stopped, err := sm.StopTransaction(ctx, "CP1", tx.TransactionID, 12.5, endTime)
	require.NoError(t, err)
	assert.Equal(t, store.TransactionCompleted, stopped.Status)
	assert.Equal(t, 12.5, stopped.Energy)
	require.NotNil(t, stopped.EndTime)

	charger, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.False(t, charger.IsInUse)
	assert.Nil(t, charger.CurrentTransaction)
	assert.Equal(t, store.StatusAvailable, charger.Status)
	assert.Empty(t, charger.Connectors[0].CurrentTransaction)

	for {
		n := drainTopic(t, notifications, notifier.TopicTransactionUpdate)
		if n.Data["type"] == "Ended" {
			break
		}
	}
}

func TestStopTransactionIsIdempotent(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	ctx := context.Background()

	_, err := sm.ProvisionCharger(ctx, "CP1", ProtocolV16)
	require.NoError(t, err)
	tx, err := sm.StartTransaction(ctx, StartTransactionParams{ChargePointID: "CP1", ConnectorID: 1})
	require.NoError(t, err)

	first, err := sm.StopTransaction(ctx, "CP1", tx.TransactionID, 5.0, time.Time{})
	require.NoError(t, err)

	// A duplicate stop must not rewrite the recorded end time or energy.
	second, err := sm.StopTransaction(ctx, "CP1", tx.TransactionID, 99.0, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 5.0, second.Energy)
	assert.Equal(t, first.EndTime.Unix(), second.EndTime.Unix())
}

func TestStopTransactionUnknownID(t *testing.T) {
	sm, _, _ := newTestStateMachine(t)
	_, err := sm.StopTransaction(context.Background(), "CP1", "no-such-tx", 0, time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
