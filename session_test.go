package traceagent

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestSessionDefaults(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore error: %v", err)
	}
	session := store.Load()
	if session.ServerURL != DefaultServerURL {
		t.Fatalf("unexpected server url %q", session.ServerURL)
	}
	if session.Interval() != DefaultPingInterval {
		t.Fatalf("unexpected interval %s", session.Interval())
	}
	if !session.EnableWiFiLocation || !session.EnableIPLocation {
		t.Fatal("location sources must default to enabled")
	}
	if session.Registered() {
		t.Fatal("fresh session must be unregistered")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore error: %v", err)
	}
	session := store.Load()
	session.ServerURL = "https://trace.example.com/api/v1"
	session.DeviceID = "D1"
	session.SerialNumber = "SN-1"
	session.PingInterval = 120
	session.AuthToken = "T1"
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	reopened, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	loaded := reopened.Load()
	if loaded.ServerURL != session.ServerURL || loaded.DeviceID != "D1" || loaded.SerialNumber != "SN-1" {
		t.Fatalf("unexpected loaded session %+v", loaded)
	}
	if loaded.PingInterval != 120 {
		t.Fatalf("unexpected interval %d", loaded.PingInterval)
	}
	if loaded.AuthToken != "T1" {
		t.Fatalf("token not restored, got %q", loaded.AuthToken)
	}
}

func TestSessionTokenKeptOutOfConfigRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore error: %v", err)
	}
	session := store.Load()
	session.AuthToken = "SECRET"
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "agent.json"))
	if err != nil {
		t.Fatalf("read config record: %v", err)
	}
	if strings.Contains(string(raw), "SECRET") {
		t.Fatal("token must never appear in the config record")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, ".token"))
		if err != nil {
			t.Fatalf("stat token file: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("token file must be 0600, got %o", perm)
		}
	}
}

func TestSessionClearingTokenRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore error: %v", err)
	}
	session := store.Load()
	session.AuthToken = "T1"
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	session.AuthToken = ""
	if err := store.Save(session); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".token")); !os.IsNotExist(err) {
		t.Fatalf("token file should be removed, stat err: %v", err)
	}
}

func TestSessionCorruptConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agent.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	store, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore error: %v", err)
	}
	session := store.Load()
	if session.ServerURL != DefaultServerURL {
		t.Fatalf("corrupt config must fall back to defaults, got %q", session.ServerURL)
	}
}

func TestSessionIntervalFloor(t *testing.T) {
	session := &Session{PingInterval: 0}
	if session.Interval() != DefaultPingInterval {
		t.Fatalf("zero interval must use the default, got %s", session.Interval())
	}
	session.PingInterval = 45
	if session.Interval() != 45*time.Second {
		t.Fatalf("unexpected interval %s", session.Interval())
	}
}
