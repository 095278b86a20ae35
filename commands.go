package traceagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Command is a server-issued instruction carried inside a ping
// response. It exists only for the duration of one dispatch.
type Command struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NormalizedType returns the upper-cased trimmed command type.
func (c Command) NormalizedType() string {
	return strings.ToUpper(strings.TrimSpace(c.Type))
}

func (c Command) payloadString(key string) string {
	if c.Payload == nil {
		return ""
	}
	if v, ok := c.Payload[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func (c Command) payloadNumber(key string) (float64, bool) {
	if c.Payload == nil {
		return 0, false
	}
	switch v := c.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// CommandOutcome is the executor's verdict for one command, consumed
// by the API client to acknowledge the server.
type CommandOutcome struct {
	CommandID    string
	Success      bool
	Result       string
	ErrorMessage string
}

// CommandExecutor maps a command to a local action.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) CommandOutcome
}

// Per-action execution deadlines. Every branch returns within its
// bound; a blown deadline becomes a failed outcome, never a stuck loop.
const (
	lockTimeout       = 10 * time.Second
	powerTimeout      = 15 * time.Second
	screenshotTimeout = 60 * time.Second
	executeTimeout    = 30 * time.Second
	notifyTimeout     = 10 * time.Second

	defaultPowerDelay = time.Minute
)

// executeAllowList enumerates the only read-only diagnostic prefixes
// the EXECUTE command may run. Anything else is rejected before a
// process is spawned.
var executeAllowList = []string{
	"hostname",
	"whoami",
	"uname",
	"uptime",
	"ifconfig",
	"ipconfig",
	"ip addr",
	"netstat -rn",
	"systeminfo",
}

// Executor dispatches commands onto PlatformOps. Notification display
// is offloaded to a detached worker so the loop never blocks on user
// interaction; offloaded work never touches the session.
type Executor struct {
	session  *Session
	store    *SessionStore
	platform PlatformOps
	uploader ScreenshotUploader

	notifyWG sync.WaitGroup
}

// NewExecutor wires the executor. The uploader may be nil; screenshots
// are then captured but not submitted.
func NewExecutor(session *Session, store *SessionStore, platform PlatformOps, uploader ScreenshotUploader) *Executor {
	return &Executor{session: session, store: store, platform: platform, uploader: uploader}
}

// Wait blocks until offloaded notification workers finish. Called once
// on shutdown.
func (e *Executor) Wait() {
	e.notifyWG.Wait()
}

// Execute maps one command to a local action and converts every local
// failure into a CommandOutcome. It never panics and never lets an
// error propagate to the agent loop.
func (e *Executor) Execute(ctx context.Context, cmd Command) CommandOutcome {
	outcome := CommandOutcome{CommandID: strings.TrimSpace(cmd.ID)}
	cmdType := cmd.NormalizedType()
	log.Info().Str("command_id", outcome.CommandID).Str("type", cmdType).Msg("executing command")

	switch cmdType {
	case CommandLock:
		outcome = e.runBounded(ctx, outcome, lockTimeout, "screen locked", e.platform.LockScreen)
	case CommandUnlock:
		outcome = e.runBounded(ctx, outcome, lockTimeout, "screen unlocked", e.platform.UnlockScreen)
	case CommandRestart:
		delay := e.powerDelay(cmd)
		outcome = e.runBounded(ctx, outcome, powerTimeout, fmt.Sprintf("restart scheduled in %s", delay), func(ctx context.Context) error {
			return e.platform.Restart(ctx, delay)
		})
	case CommandShutdown:
		delay := e.powerDelay(cmd)
		outcome = e.runBounded(ctx, outcome, powerTimeout, fmt.Sprintf("shutdown scheduled in %s", delay), func(ctx context.Context) error {
			return e.platform.Shutdown(ctx, delay)
		})
	case CommandScreenshot:
		outcome = e.captureScreenshot(ctx, outcome)
	case CommandMessage:
		outcome = e.showMessage(cmd, outcome)
	case CommandWipe:
		// Never destructive, regardless of what the server asks for.
		outcome.Success = false
		outcome.ErrorMessage = "wipe command is disabled for safety"
		log.Warn().Str("command_id", outcome.CommandID).Msg("wipe command received; refusing")
	case CommandExecute:
		outcome = e.runDiagnostic(ctx, cmd, outcome)
	case CommandUpdateConfig:
		outcome = e.applyConfigUpdate(cmd, outcome)
	case CommandForcePing:
		// The agent loop observes this type and makes the next ping due
		// immediately; nothing to do locally.
		outcome.Success = true
		outcome.Result = "immediate ping scheduled"
	default:
		outcome.Success = false
		outcome.ErrorMessage = fmt.Sprintf("unknown command type: %s", strings.TrimSpace(cmd.Type))
		log.Warn().Str("type", cmd.Type).Msg("unknown command type")
	}
	return outcome
}

func (e *Executor) runBounded(ctx context.Context, outcome CommandOutcome, timeout time.Duration, result string, op func(context.Context) error) CommandOutcome {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := op(opCtx); err != nil {
		outcome.Success = false
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Result = result
	return outcome
}

func (e *Executor) powerDelay(cmd Command) time.Duration {
	if secs, ok := cmd.payloadNumber("delay_seconds"); ok && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultPowerDelay
}

func (e *Executor) captureScreenshot(ctx context.Context, outcome CommandOutcome) CommandOutcome {
	opCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()
	path, err := e.platform.CaptureScreen(opCtx)
	if err != nil {
		outcome.Success = false
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Result = path
	if e.uploader != nil {
		if !e.uploader.UploadScreenshot(opCtx, path) {
			// Capture succeeded; the upload is best-effort.
			outcome.Result = path + " (upload failed)"
		}
	}
	return outcome
}

func (e *Executor) showMessage(cmd Command, outcome CommandOutcome) CommandOutcome {
	message := cmd.payloadString("message")
	if message == "" {
		outcome.Success = false
		outcome.ErrorMessage = "message command missing message text"
		return outcome
	}
	title := cmd.payloadString("title")
	if title == "" {
		title = "Trace"
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("notification worker panicked")
			}
		}()
		notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.platform.ShowNotification(notifyCtx, title, message); err != nil {
			log.Warn().Err(err).Msg("show notification failed")
		}
	}()
	outcome.Success = true
	outcome.Result = "notification dispatched"
	return outcome
}

func (e *Executor) runDiagnostic(ctx context.Context, cmd Command, outcome CommandOutcome) CommandOutcome {
	raw := cmd.payloadString("command")
	if raw == "" {
		outcome.Success = false
		outcome.ErrorMessage = "execute command missing command string"
		return outcome
	}
	if !diagnosticAllowed(raw) {
		outcome.Success = false
		outcome.ErrorMessage = fmt.Sprintf("command not in diagnostic allow-list: %s", raw)
		log.Warn().Str("command", raw).Msg("rejected non-allow-listed execute command")
		return outcome
	}
	opCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()
	output, err := e.platform.RunDiagnostic(opCtx, raw)
	if err != nil {
		outcome.Success = false
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Result = strings.TrimSpace(output)
	return outcome
}

func diagnosticAllowed(raw string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	for _, prefix := range executeAllowList {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
			return true
		}
	}
	return false
}

func (e *Executor) applyConfigUpdate(cmd Command, outcome CommandOutcome) CommandOutcome {
	payload := cmd.Payload
	// Some server builds nest the settings under a "config" key.
	if nested, ok := payload["config"].(map[string]any); ok {
		payload = nested
	}
	if len(payload) == 0 {
		outcome.Success = false
		outcome.ErrorMessage = "config update carried no settings"
		return outcome
	}
	changed := make([]string, 0, 3)
	if v, ok := numberValue(payload["ping_interval"]); ok && v > 0 {
		e.session.PingInterval = int(v)
		changed = append(changed, "ping_interval")
	}
	if v, ok := payload["enable_wifi_location"].(bool); ok {
		e.session.EnableWiFiLocation = v
		changed = append(changed, "enable_wifi_location")
	}
	if v, ok := payload["enable_ip_location"].(bool); ok {
		e.session.EnableIPLocation = v
		changed = append(changed, "enable_ip_location")
	}
	if len(changed) == 0 {
		outcome.Success = false
		outcome.ErrorMessage = "config update carried no recognized settings"
		return outcome
	}
	if e.store != nil {
		if err := e.store.Save(e.session); err != nil {
			outcome.Success = false
			outcome.ErrorMessage = "persist updated config failed: " + err.Error()
			return outcome
		}
	}
	log.Info().Strs("fields", changed).Msg("configuration updated from server")
	outcome.Success = true
	outcome.Result = "updated: " + strings.Join(changed, ", ")
	return outcome
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
