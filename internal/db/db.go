// Package db stores finished ranging exchanges in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/timeutil"
)

// Status records how an exchange left the engine.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

type DB struct {
	*sql.DB
	clock timeutil.Clock
}

// Exchange is one stored row.
type Exchange struct {
	ID         string            `json:"exchange_id"`
	Status     Status            `json:"status"`
	Self       correlate.Address `json:"self_address"`
	Record     correlate.Record  `json:"record"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// pragmas tune the connection for a single-writer log.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// OpenDB opens the database at path and migrates it to the latest schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// busy_timeout and synchronous are per connection; keep exactly one.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, clock: timeutil.RealClock{}}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SetClock replaces the clock used for recorded_at.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// RecordExchange stores rec with the given status and returns its ID.
func (db *DB) RecordExchange(status Status, self correlate.Address, rec correlate.Record) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO exchanges (
			exchange_id, status, self_address, src, dest, sequence,
			src_sent, dest_received, dest_sent, src_received, first_seen, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(status), int64(self), int64(rec.Key.Src), int64(rec.Key.Dest), int64(rec.Key.Sequence),
		int64(rec.SrcSent), int64(rec.DestReceived), int64(rec.DestSent), int64(rec.SrcReceived),
		int64(rec.FirstSeen), db.clock.Now().UnixMicro(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record exchange %s: %w", rec.Key, err)
	}
	return id, nil
}

const exchangeColumns = `exchange_id, status, self_address, src, dest, sequence,
	src_sent, dest_received, dest_sent, src_received, first_seen, recorded_at`

// Exchanges returns up to limit rows, most recent first.
func (db *DB) Exchanges(limit int) ([]Exchange, error) {
	rows, err := db.Query(`SELECT `+exchangeColumns+` FROM exchanges
		ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExchanges(rows)
}

// CompletedExchanges returns every completed record in capture order.
func (db *DB) CompletedExchanges() ([]correlate.Record, error) {
	rows, err := db.Query(`SELECT `+exchangeColumns+` FROM exchanges
		WHERE status = ? ORDER BY src_sent, rowid`, string(StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exchanges, err := scanExchanges(rows)
	if err != nil {
		return nil, err
	}
	records := make([]correlate.Record, len(exchanges))
	for i, e := range exchanges {
		records[i] = e.Record
	}
	return records, nil
}

// CountByStatus returns the number of stored exchanges per status.
func (db *DB) CountByStatus() (map[Status]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM exchanges GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	var exchanges []Exchange
	for rows.Next() {
		var (
			e                                            Exchange
			status                                       string
			self, src, dest, seq                         int64
			srcSent, destReceived, destSent, srcReceived int64
			firstSeen, recordedAt                        int64
		)
		if err := rows.Scan(&e.ID, &status, &self, &src, &dest, &seq,
			&srcSent, &destReceived, &destSent, &srcReceived, &firstSeen, &recordedAt); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Self = correlate.Address(self)
		e.Record = correlate.Record{
			Key: correlate.ExchangeKey{
				Src:      correlate.Address(src),
				Dest:     correlate.Address(dest),
				Sequence: uint32(seq),
			},
			SrcSent:      correlate.Timestamp(srcSent),
			DestReceived: correlate.Timestamp(destReceived),
			DestSent:     correlate.Timestamp(destSent),
			SrcReceived:  correlate.Timestamp(srcReceived),
			FirstSeen:    correlate.Timestamp(firstSeen),
		}
		e.RecordedAt = time.UnixMicro(recordedAt).UTC()
		exchanges = append(exchanges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return exchanges, nil
}
