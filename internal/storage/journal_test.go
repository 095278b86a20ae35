package storage

import (
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestJournalRoundTrip(t *testing.T) {
	journal := openTestJournal(t)

	lat, lon, acc := 37.77, -122.41, 5000.0
	battery := 80
	rec := PingRecord{
		ReportedAt:     time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Latitude:       &lat,
		Longitude:      &lon,
		AccuracyMeters: &acc,
		Source:         "ip",
		IPAddress:      "203.0.113.9",
		BatteryPercent: &battery,
		Success:        true,
	}
	if err := journal.InsertPing(rec); err != nil {
		t.Fatalf("InsertPing error: %v", err)
	}

	last, err := journal.LastSuccessfulPing()
	if err != nil {
		t.Fatalf("LastSuccessfulPing error: %v", err)
	}
	if last == nil {
		t.Fatal("expected a stored ping")
	}
	if last.Latitude == nil || *last.Latitude != lat || last.IPAddress != "203.0.113.9" {
		t.Fatalf("unexpected record %+v", last)
	}
	if !last.ReportedAt.Equal(rec.ReportedAt) {
		t.Fatalf("unexpected timestamp %s", last.ReportedAt)
	}
	if last.BatteryPercent == nil || *last.BatteryPercent != 80 {
		t.Fatalf("unexpected battery %v", last.BatteryPercent)
	}
}

func TestJournalLastSuccessfulPingSkipsFailures(t *testing.T) {
	journal := openTestJournal(t)

	lat, lon := 1.0, 2.0
	if err := journal.InsertPing(PingRecord{Latitude: &lat, Longitude: &lon, Success: true, IPAddress: "first"}); err != nil {
		t.Fatalf("InsertPing error: %v", err)
	}
	if err := journal.InsertPing(PingRecord{Success: false, IPAddress: "failed"}); err != nil {
		t.Fatalf("InsertPing error: %v", err)
	}

	last, err := journal.LastSuccessfulPing()
	if err != nil {
		t.Fatalf("LastSuccessfulPing error: %v", err)
	}
	if last == nil || last.IPAddress != "first" {
		t.Fatalf("expected the successful attempt, got %+v", last)
	}
}

func TestJournalEmpty(t *testing.T) {
	journal := openTestJournal(t)
	last, err := journal.LastSuccessfulPing()
	if err != nil {
		t.Fatalf("LastSuccessfulPing error: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no record, got %+v", last)
	}
}

func TestJournalCommandHistory(t *testing.T) {
	journal := openTestJournal(t)
	err := journal.InsertCommand(CommandRecord{
		CommandID:   "c1",
		CommandType: "LOCK",
		Success:     true,
		Result:      "screen locked",
	})
	if err != nil {
		t.Fatalf("InsertCommand error: %v", err)
	}

	var count int
	if err := journal.db.QueryRow(`SELECT COUNT(*) FROM command_history`).Scan(&count); err != nil {
		t.Fatalf("count command history: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 command record, got %d", count)
	}
}
