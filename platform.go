package traceagent

import (
	"context"
	"time"
)

// PlatformOps is the capability surface for everything that shells out
// to the host OS. One implementation is selected at startup
// (internal/platform); the core never branches on the OS name.
// Implementations return best-effort results and honor the context
// deadline on every call.
type PlatformOps interface {
	LockScreen(ctx context.Context) error
	UnlockScreen(ctx context.Context) error
	Restart(ctx context.Context, delay time.Duration) error
	Shutdown(ctx context.Context, delay time.Duration) error
	// CaptureScreen writes a screenshot to a temp file and returns its path.
	CaptureScreen(ctx context.Context) (string, error)
	ShowNotification(ctx context.Context, title, message string) error
	// RunDiagnostic executes an allow-listed read-only diagnostic
	// command and returns its combined output.
	RunDiagnostic(ctx context.Context, command string) (string, error)
	SerialNumber(ctx context.Context) (string, error)
	WiFiInfo(ctx context.Context) (ssid, bssid string, err error)
	Battery(ctx context.Context) (percent int, plugged bool, err error)
}
