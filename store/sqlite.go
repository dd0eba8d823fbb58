package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS chargers (
	charge_point_id     TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	location            TEXT NOT NULL DEFAULT '',
	protocol            TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'Available',
	last_heartbeat      TIMESTAMP,
	connectors          TEXT NOT NULL DEFAULT '[]',
	is_in_use           INTEGER NOT NULL DEFAULT 0,
	current_transaction TEXT,
	configuration       TEXT NOT NULL DEFAULT '{}',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id TEXT PRIMARY KEY,
	charger_id     TEXT NOT NULL,
	evse_id        INTEGER NOT NULL DEFAULT 0,
	connector_id   INTEGER NOT NULL DEFAULT 0,
	id_token       TEXT NOT NULL DEFAULT 'ANONYMOUS',
	start_time     TIMESTAMP NOT NULL,
	end_time       TIMESTAMP,
	energy         REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'InProgress'
);

CREATE INDEX IF NOT EXISTS idx_transactions_charger ON transactions(charger_id);
`

// SQLiteStore implements Store on top of a SQLite database. Connectors and
// configuration are document-shaped and kept as JSON columns.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent handler goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type chargerRow struct {
	ChargePointID      string         `db:"charge_point_id"`
	Name               string         `db:"name"`
	Location           string         `db:"location"`
	Protocol           string         `db:"protocol"`
	Status             string         `db:"status"`
	LastHeartbeat      sql.NullTime   `db:"last_heartbeat"`
	Connectors         string         `db:"connectors"`
	IsInUse            bool           `db:"is_in_use"`
	CurrentTransaction sql.NullString `db:"current_transaction"`
	Configuration      string         `db:"configuration"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *chargerRow) toCharger() (*Charger, error) {
	c := &Charger{
		ChargePointID: r.ChargePointID,
		Name:          r.Name,
		Location:      r.Location,
		Protocol:      r.Protocol,
		Status:        ChargerStatus(r.Status),
		IsInUse:       r.IsInUse,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Configuration: map[string]string{},
	}
	if r.LastHeartbeat.Valid {
		c.LastHeartbeat = r.LastHeartbeat.Time
	}
	if r.CurrentTransaction.Valid {
		tx := r.CurrentTransaction.String
		c.CurrentTransaction = &tx
	}
	if err := json.Unmarshal([]byte(r.Connectors), &c.Connectors); err != nil {
		return nil, fmt.Errorf("failed to decode connectors: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Configuration), &c.Configuration); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FindCharger(ctx context.Context, chargePointID string) (*Charger, error) {
	var row chargerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM chargers WHERE charge_point_id = ?`, chargePointID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find charger %v: %w", chargePointID, err)
	}
	return row.toCharger()
}

func (s *SQLiteStore) UpsertCharger(ctx context.Context, charger *Charger) error {
	connectors, err := json.Marshal(charger.Connectors)
	if err != nil {
		return fmt.Errorf("failed to encode connectors: %w", err)
	}
	if charger.Configuration == nil {
		charger.Configuration = map[string]string{}
	}
	configuration, err := json.Marshal(charger.Configuration)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	now := time.Now().UTC()
	if charger.CreatedAt.IsZero() {
		charger.CreatedAt = now
	}
	charger.UpdatedAt = now

	var currentTx sql.NullString
	if charger.CurrentTransaction != nil {
		currentTx = sql.NullString{String: *charger.CurrentTransaction, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chargers (
			charge_point_id, name, location, protocol, status, last_heartbeat,
			connectors, is_in_use, current_transaction, configuration, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(charge_point_id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			protocol = excluded.protocol,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			connectors = excluded.connectors,
			is_in_use = excluded.is_in_use,
			current_transaction = excluded.current_transaction,
			configuration = excluded.configuration,
			updated_at = excluded.updated_at`,
		charger.ChargePointID, charger.Name, charger.Location, charger.Protocol,
		charger.Status, charger.LastHeartbeat, string(connectors), charger.IsInUse,
		currentTx, string(configuration), charger.CreatedAt, charger.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert charger %v: %w", charger.ChargePointID, err)
	}
	return nil
}

func (s *SQLiteStore) ListChargers(ctx context.Context) ([]*Charger, error) {
	var rows []chargerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM chargers ORDER BY charge_point_id`); err != nil {
		return nil, fmt.Errorf("failed to list chargers: %w", err)
	}
	chargers := make([]*Charger, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCharger()
		if err != nil {
			return nil, err
		}
		chargers = append(chargers, c)
	}
	return chargers, nil
}

type transactionRow struct {
	TransactionID string       `db:"transaction_id"`
	ChargerID     string       `db:"charger_id"`
	EvseID        int          `db:"evse_id"`
	ConnectorID   int          `db:"connector_id"`
	IdToken       string       `db:"id_token"`
	StartTime     time.Time    `db:"start_time"`
	EndTime       sql.NullTime `db:"end_time"`
	Energy        float64      `db:"energy"`
	Status        string       `db:"status"`
}

func (r *transactionRow) toTransaction() *Transaction {
	tx := &Transaction{
		TransactionID: r.TransactionID,
		ChargerID:     r.ChargerID,
		EvseID:        r.EvseID,
		ConnectorID:   r.ConnectorID,
		IdToken:       r.IdToken,
		StartTime:     r.StartTime,
		Energy:        r.Energy,
		Status:        TransactionStatus(r.Status),
	}
	if r.EndTime.Valid {
		end := r.EndTime.Time
		tx.EndTime = &end
	}
	return tx
}

func (s *SQLiteStore) FindTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM transactions WHERE transaction_id = ?`, transactionID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction %v: %w", transactionID, err)
	}
	return row.toTransaction(), nil
}

func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if tx.IdToken == "" {
		tx.IdToken = AnonymousIdToken
	}
	var endTime sql.NullTime
	if tx.EndTime != nil {
		endTime = sql.NullTime{Time: *tx.EndTime, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, charger_id, evse_id, connector_id, id_token,
			start_time, end_time, energy, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TransactionID, tx.ChargerID, tx.EvseID, tx.ConnectorID, tx.IdToken,
		tx.StartTime, endTime, tx.Energy, tx.Status)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %v: %w", tx.TransactionID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	var endTime sql.NullTime
	if tx.EndTime != nil {
		endTime = sql.NullTime{Time: *tx.EndTime, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET end_time = ?, energy = ?, status = ?
		WHERE transaction_id = ?`,
		endTime, tx.Energy, tx.Status, tx.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to update transaction %v: %w", tx.TransactionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
