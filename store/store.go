package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a charger or transaction does not exist.
var ErrNotFound = errors.New("record not found")

type ChargerStatus string

const (
	StatusAvailable   ChargerStatus = "Available"
	StatusPreparing   ChargerStatus = "Preparing"
	StatusCharging    ChargerStatus = "Charging"
	StatusFinishing   ChargerStatus = "Finishing"
	StatusFaulted     ChargerStatus = "Faulted"
	StatusUnavailable ChargerStatus = "Unavailable"
)

type TransactionStatus string

const (
	TransactionInProgress TransactionStatus = "InProgress"
	TransactionCompleted  TransactionStatus = "Completed"
	TransactionError      TransactionStatus = "Error"
)

// NoError is the connector error code reported when nothing is wrong.
const NoError = "NoError"

// AnonymousIdToken is recorded when a transaction carries no identity token.
const AnonymousIdToken = "ANONYMOUS"

// Connector is one physical socket/EVSE on a charger. Connector ids are
// 1-based and dense; the slice only ever grows.
type Connector struct {
	ConnectorID        int           `json:"connectorId"`
	EvseID             int           `json:"evseId,omitempty"`
	Status             ChargerStatus `json:"status"`
	ErrorCode          string        `json:"errorCode"`
	CurrentTransaction string        `json:"currentTransaction,omitempty"`
	LastUpdated        time.Time     `json:"lastUpdated"`
}

// NewConnector returns a connector in its default state.
func NewConnector(id int) Connector {
	return Connector{
		ConnectorID: id,
		Status:      StatusAvailable,
		ErrorCode:   NoError,
		LastUpdated: time.Now().UTC(),
	}
}

type Charger struct {
	ChargePointID      string            `db:"charge_point_id"`
	Name               string            `db:"name"`
	Location           string            `db:"location"`
	Protocol           string            `db:"protocol"`
	Status             ChargerStatus     `db:"status"`
	LastHeartbeat      time.Time         `db:"last_heartbeat"`
	Connectors         []Connector       `db:"-"`
	IsInUse            bool              `db:"is_in_use"`
	CurrentTransaction *string           `db:"current_transaction"`
	Configuration      map[string]string `db:"-"`
	CreatedAt          time.Time         `db:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at"`
}

// Connector returns the connector with the given 1-based id, growing the
// slice with default Available connectors when id is beyond the current
// length. The slice is never shrunk.
func (c *Charger) Connector(id int) *Connector {
	for len(c.Connectors) < id {
		c.Connectors = append(c.Connectors, NewConnector(len(c.Connectors)+1))
	}
	return &c.Connectors[id-1]
}

type Transaction struct {
	TransactionID string            `db:"transaction_id"`
	ChargerID     string            `db:"charger_id"`
	EvseID        int               `db:"evse_id"`
	ConnectorID   int               `db:"connector_id"`
	IdToken       string            `db:"id_token"`
	StartTime     time.Time         `db:"start_time"`
	EndTime       *time.Time        `db:"end_time"`
	Energy        float64           `db:"energy"`
	Status        TransactionStatus `db:"status"`
}

// Store is the durable record store backing the protocol engine. Operations
// are atomic per record but not transactional across records.
type Store interface {
	FindCharger(ctx context.Context, chargePointID string) (*Charger, error)
	UpsertCharger(ctx context.Context, charger *Charger) error
	ListChargers(ctx context.Context) ([]*Charger, error)

	FindTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	InsertTransaction(ctx context.Context, tx *Transaction) error
	UpdateTransaction(ctx context.Context, tx *Transaction) error

	Close() error
}
