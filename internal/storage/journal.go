// Package storage keeps a local SQLite journal of ping attempts and
// command outcomes. The journal is an audit trail only: writes are
// best-effort and readers tolerate an empty database.
package storage

import (
	"database/sql"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const journalFileName = "agent.db"

// PingRecord is one reporting attempt as stored locally.
type PingRecord struct {
	ReportedAt     time.Time
	Latitude       *float64
	Longitude      *float64
	AccuracyMeters *float64
	Source         string
	IPAddress      string
	BatteryPercent *int
	Success        bool
}

// CommandRecord is one executed command as stored locally.
type CommandRecord struct {
	ExecutedAt   time.Time
	CommandID    string
	CommandType  string
	Success      bool
	Result       string
	ErrorMessage string
}

// Journal wraps the SQLite database holding the agent's local history.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database inside dir.
func Open(dir string) (*Journal, error) {
	path := filepath.Join(dir, journalFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal database %s", path)
	}
	if err := configureJournal(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func configureJournal(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "configure journal: %s", pragma)
		}
	}
	return nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ping_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	reported_at TEXT NOT NULL,
	latitude REAL,
	longitude REAL,
	accuracy_meters REAL,
	source TEXT,
	ip_address TEXT,
	battery_percent INTEGER,
	success INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS command_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	executed_at TEXT NOT NULL,
	command_id TEXT,
	command_type TEXT,
	success INTEGER NOT NULL,
	result TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_ping_history_reported_at ON ping_history(reported_at);
`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "ensure journal schema")
	}
	return nil
}

// InsertPing appends one reporting attempt.
func (j *Journal) InsertPing(rec PingRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal is not open")
	}
	at := rec.ReportedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO ping_history (reported_at, latitude, longitude, accuracy_meters, source, ip_address, battery_percent, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339),
		rec.Latitude,
		rec.Longitude,
		rec.AccuracyMeters,
		rec.Source,
		rec.IPAddress,
		rec.BatteryPercent,
		boolToInt(rec.Success),
	)
	return errors.Wrap(err, "insert ping record")
}

// InsertCommand appends one command outcome.
func (j *Journal) InsertCommand(rec CommandRecord) error {
	if j == nil || j.db == nil {
		return errors.New("journal is not open")
	}
	at := rec.ExecutedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO command_history (executed_at, command_id, command_type, success, result, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339),
		rec.CommandID,
		rec.CommandType,
		boolToInt(rec.Success),
		rec.Result,
		rec.ErrorMessage,
	)
	return errors.Wrap(err, "insert command record")
}

// LastSuccessfulPing returns the newest successful reporting attempt,
// or nil when none is recorded.
func (j *Journal) LastSuccessfulPing() (*PingRecord, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal is not open")
	}
	row := j.db.QueryRow(
		`SELECT reported_at, latitude, longitude, accuracy_meters, source, ip_address, battery_percent
		 FROM ping_history WHERE success = 1 ORDER BY id DESC LIMIT 1`)
	var (
		rawAt string
		rec   PingRecord
	)
	err := row.Scan(&rawAt, &rec.Latitude, &rec.Longitude, &rec.AccuracyMeters, &rec.Source, &rec.IPAddress, &rec.BatteryPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query last successful ping")
	}
	rec.Success = true
	if at, parseErr := time.Parse(time.RFC3339, rawAt); parseErr == nil {
		rec.ReportedAt = at
	}
	return &rec, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
