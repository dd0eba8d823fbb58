package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestChargerRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	txID := "tx-1"
	charger := &Charger{
		ChargePointID: "CP1",
		Name:          "Charger CP1",
		Location:      "Garage",
		Protocol:      "ocpp1.6",
		Status:        StatusCharging,
		LastHeartbeat: time.Now().UTC(),
		Connectors: []Connector{
			NewConnector(1),
			{ConnectorID: 2, Status: StatusCharging, ErrorCode: NoError, CurrentTransaction: txID},
		},
		IsInUse:            true,
		CurrentTransaction: &txID,
		Configuration:      map[string]string{"HeartbeatInterval": "300"},
	}
	require.NoError(t, st.UpsertCharger(ctx, charger))

	got, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.Equal(t, "Charger CP1", got.Name)
	assert.Equal(t, "Garage", got.Location)
	assert.Equal(t, StatusCharging, got.Status)
	assert.True(t, got.IsInUse)
	require.NotNil(t, got.CurrentTransaction)
	assert.Equal(t, txID, *got.CurrentTransaction)
	require.Len(t, got.Connectors, 2)
	assert.Equal(t, txID, got.Connectors[1].CurrentTransaction)
	assert.Equal(t, "300", got.Configuration["HeartbeatInterval"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpsertChargerUpdatesExisting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	charger := &Charger{ChargePointID: "CP1", Name: "old", Protocol: "ocpp1.6", Status: StatusAvailable}
	require.NoError(t, st.UpsertCharger(ctx, charger))
	created := charger.CreatedAt

	charger.Name = "new"
	charger.Status = StatusFaulted
	require.NoError(t, st.UpsertCharger(ctx, charger))

	got, err := st.FindCharger(ctx, "CP1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, StatusFaulted, got.Status)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())
}

func TestFindChargerNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.FindCharger(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListChargers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"CP2", "CP1", "CP3"} {
		require.NoError(t, st.UpsertCharger(ctx, &Charger{
			ChargePointID: id, Name: id, Protocol: "ocpp1.6", Status: StatusAvailable,
		}))
	}

	chargers, err := st.ListChargers(ctx)
	require.NoError(t, err)
	require.Len(t, chargers, 3)
	assert.Equal(t, "CP1", chargers[0].ChargePointID)
	assert.Equal(t, "CP3", chargers[2].ChargePointID)
}

func TestTransactionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := &Transaction{
		TransactionID: "tx-1",
		ChargerID:     "CP1",
		EvseID:        1,
		ConnectorID:   1,
		IdToken:       "TAG-1",
		StartTime:     time.Now().UTC(),
		Status:        TransactionInProgress,
	}
	require.NoError(t, st.InsertTransaction(ctx, tx))

	got, err := st.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "CP1", got.ChargerID)
	assert.Equal(t, TransactionInProgress, got.Status)
	assert.Nil(t, got.EndTime)

	end := time.Now().UTC().Add(30 * time.Minute)
	got.EndTime = &end
	got.Energy = 14.25
	got.Status = TransactionCompleted
	require.NoError(t, st.UpdateTransaction(ctx, got))

	updated, err := st.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, TransactionCompleted, updated.Status)
	assert.Equal(t, 14.25, updated.Energy)
	require.NotNil(t, updated.EndTime)
	assert.Equal(t, end.Unix(), updated.EndTime.Unix())
}

func TestInsertTransactionDefaultsAnonymousToken(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx := &Transaction{
		TransactionID: "tx-1",
		ChargerID:     "CP1",
		StartTime:     time.Now().UTC(),
		Status:        TransactionInProgress,
	}
	require.NoError(t, st.InsertTransaction(ctx, tx))

	got, err := st.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, AnonymousIdToken, got.IdToken)
}

func TestFindTransactionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.FindTransaction(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTransactionNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateTransaction(context.Background(), &Transaction{TransactionID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectorGrowsWithPadding(t *testing.T) {
	charger := &Charger{Connectors: []Connector{NewConnector(1)}}

	c := charger.Connector(4)
	assert.Equal(t, 4, c.ConnectorID)
	require.Len(t, charger.Connectors, 4)
	for i, conn := range charger.Connectors {
		assert.Equal(t, i+1, conn.ConnectorID)
		assert.Equal(t, StatusAvailable, conn.Status)
	}

	// Asking for an existing connector never shrinks or resets the slice.
	charger.Connectors[1].Status = StatusCharging
	again := charger.Connector(2)
	assert.Equal(t, StatusCharging, again.Status)
	assert.Len(t, charger.Connectors, 4)
}
