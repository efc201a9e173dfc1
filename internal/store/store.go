package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trapwatch/go-mqtt-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

var errNotInitialized = errors.New("store not initialized")

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(2000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS traps (
			trap_id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			tripped INTEGER NOT NULL,
			battery_voltage REAL,
			rssi INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trap_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trap_id TEXT NOT NULL,
			address TEXT NOT NULL,
			tripped INTEGER NOT NULL,
			battery_voltage REAL,
			rssi INTEGER NOT NULL,
			is_new INTEGER NOT NULL DEFAULT 0,
			observed_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trap_observations_trap_time ON trap_observations(trap_id, observed_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scanner_id TEXT,
			address TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// RecordChange journals a registry change and refreshes the trap catalogue.
func (s *Store) RecordChange(ctx context.Context, c model.Change) error {
	if s.db == nil {
		return errNotInitialized
	}

	st := c.State
	var battery sql.NullFloat64
	if st.HasBattery {
		battery = sql.NullFloat64{Float64: model.RoundVoltage(st.BatteryVoltage), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO trap_observations (trap_id, address, tripped, battery_voltage, rssi, is_new, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		c.TrapID,
		st.Address,
		st.Tripped,
		battery,
		st.RSSI,
		c.IsNew,
		formatTime(st.LastSeen),
	); err != nil {
		return fmt.Errorf("insert trap observation: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO traps (trap_id, address, tripped, battery_voltage, rssi, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trap_id)
		 DO UPDATE SET address = excluded.address,
				 tripped = excluded.tripped,
				 battery_voltage = excluded.battery_voltage,
				 rssi = excluded.rssi,
				 last_seen = excluded.last_seen
		 WHERE excluded.last_seen >= traps.last_seen;`,
		c.TrapID,
		st.Address,
		st.Tripped,
		battery,
		st.RSSI,
		formatTime(st.FirstSeen),
		formatTime(st.LastSeen),
	); err != nil {
		return fmt.Errorf("upsert trap: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record change: %w", err)
	}
	return nil
}

// RecentObservations returns observations newest first. An empty trapID
// selects every trap; a nil since applies no lower bound.
func (s *Store) RecentObservations(ctx context.Context, trapID string, limit int, since *time.Time) ([]model.Observation, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT trap_id, address, tripped, battery_voltage, rssi, is_new, observed_at, recorded_at FROM trap_observations WHERE 1 = 1`
	var args []interface{}
	if trapID != "" {
		query += ` AND trap_id = ?`
		args = append(args, trapID)
	}
	if since != nil {
		query += ` AND observed_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY observed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query trap observations: %w", err)
	}
	defer rows.Close()

	observations := make([]model.Observation, 0, limit)
	for rows.Next() {
		var (
			o           model.Observation
			battery     sql.NullFloat64
			observedStr string
			recordedStr string
		)
		if err := rows.Scan(&o.TrapID, &o.Address, &o.Tripped, &battery, &o.RSSI, &o.IsNew, &observedStr, &recordedStr); err != nil {
			return nil, fmt.Errorf("scan trap observation: %w", err)
		}
		if battery.Valid {
			v := battery.Float64
			o.BatteryVoltage = &v
		}
		o.ObservedAt = parseTime(observedStr)
		o.RecordedAt = parseTime(recordedStr)
		observations = append(observations, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trap observations: %w", err)
	}

	return observations, nil
}

// Traps returns the catalogue of every trap ever recorded, ordered by trap id.
func (s *Store) Traps(ctx context.Context) ([]model.TrapRecord, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT trap_id, address, tripped, battery_voltage, rssi, first_seen, last_seen FROM traps ORDER BY trap_id;`)
	if err != nil {
		return nil, fmt.Errorf("query traps: %w", err)
	}
	defer rows.Close()

	var traps []model.TrapRecord
	for rows.Next() {
		var (
			t            model.TrapRecord
			battery      sql.NullFloat64
			firstSeenStr string
			lastSeenStr  string
		)
		if err := rows.Scan(&t.TrapID, &t.Address, &t.Tripped, &battery, &t.RSSI, &firstSeenStr, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan trap: %w", err)
		}
		if battery.Valid {
			v := battery.Float64
			t.BatteryVoltage = &v
		}
		t.FirstSeen = parseTime(firstSeenStr)
		t.LastSeen = parseTime(lastSeenStr)
		traps = append(traps, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traps: %w", err)
	}

	return traps, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (scanner_id, address, payload, error) VALUES (?, ?, ?, ?);`,
		e.ScannerID,
		e.Address,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT scanner_id, address, payload, error, created_at
		 FROM ingestion_errors
		 ORDER BY id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var entries []model.IngestionError
	for rows.Next() {
		var scanner, address, payload sql.NullString
		var msg, created string
		if err := rows.Scan(&scanner, &address, &payload, &msg, &created); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		entries = append(entries, model.IngestionError{
			ScannerID: scanner.String,
			Address:   address.String,
			Payload:   payload.String,
			Error:     msg,
			CreatedAt: parseTime(created),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return entries, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

// WipeData removes the journal and diagnostics while preserving configuration.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	stmts := []string{
		`DELETE FROM trap_observations;`,
		`DELETE FROM traps;`,
		`DELETE FROM ingestion_errors;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}

// timeLayout is fixed width so text comparison in SQL orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
