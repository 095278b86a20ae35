package traceagent

import (
	"time"

	"github.com/tracehq/TraceAgent/internal/storage"
)

// SQLiteJournal adapts the local storage journal to the agent's
// Journal interface.
type SQLiteJournal struct {
	store *storage.Journal
	clock func() time.Time
}

// NewSQLiteJournal opens (or creates) the journal database inside dir.
func NewSQLiteJournal(dir string) (*SQLiteJournal, error) {
	store, err := storage.Open(dir)
	if err != nil {
		return nil, err
	}
	return &SQLiteJournal{store: store, clock: time.Now}, nil
}

func (j *SQLiteJournal) RecordPing(sample LocationSample, batteryPercent *int, success bool) error {
	return j.store.InsertPing(storage.PingRecord{
		ReportedAt:     j.clock(),
		Latitude:       sample.Latitude,
		Longitude:      sample.Longitude,
		AccuracyMeters: sample.AccuracyMeters,
		Source:         sample.Source,
		IPAddress:      sample.IPAddress,
		BatteryPercent: batteryPercent,
		Success:        success,
	})
}

func (j *SQLiteJournal) RecordCommand(cmdType string, outcome CommandOutcome) error {
	return j.store.InsertCommand(storage.CommandRecord{
		ExecutedAt:   j.clock(),
		CommandID:    outcome.CommandID,
		CommandType:  cmdType,
		Success:      outcome.Success,
		Result:       outcome.Result,
		ErrorMessage: outcome.ErrorMessage,
	})
}

// LastSuccessfulPing exposes the newest successful attempt for status
// displays.
func (j *SQLiteJournal) LastSuccessfulPing() (*storage.PingRecord, error) {
	return j.store.LastSuccessfulPing()
}

// Close releases the underlying database handle.
func (j *SQLiteJournal) Close() error {
	return j.store.Close()
}
