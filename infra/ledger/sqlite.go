package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	coreledger "github.com/kmarchand/hemonet/core/ledger"
	"github.com/kmarchand/hemonet/core/model"
)

// SQLiteStore persists the reservation journal to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS reservation_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        ts INTEGER,
        reservation_id TEXT,
        demand_id TEXT,
        unit_id TEXT,
        op TEXT,
        record TEXT
    );`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes the entry to the database.
func (s *SQLiteStore) Append(ctx context.Context, e coreledger.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reservation_log (ts, reservation_id, demand_id, unit_id, op, record) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.Unix(), e.Reservation.ID, e.Reservation.DemandID, e.Reservation.UnitID, string(e.Op), string(b))
	return err
}

// PendingReservations folds the journal in insertion order and returns
// reservations whose latest state is Pending.
func (s *SQLiteStore) PendingReservations(ctx context.Context) ([]model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM reservation_log ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	latest := make(map[string]coreledger.Entry)
	var order []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e coreledger.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if _, seen := latest[e.Reservation.ID]; !seen {
			order = append(order, e.Reservation.ID)
		}
		latest[e.Reservation.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var res []model.Reservation
	for _, id := range order {
		e := latest[id]
		if e.Op == coreledger.OpReserve && e.Reservation.State == model.ReservationPending {
			res = append(res, e.Reservation)
		}
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
