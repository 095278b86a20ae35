package traceagent

import "time"

// AgentVersion is reported to the server on registration and in the
// User-Agent header of every request.
const AgentVersion = "1.0.0"

const userAgent = "TraceAgent/" + AgentVersion

// Command types pushed by the server inside ping responses. Matching is
// case-insensitive; anything else falls into the unknown branch.
const (
	CommandLock         = "LOCK"
	CommandUnlock       = "UNLOCK"
	CommandRestart      = "RESTART"
	CommandShutdown     = "SHUTDOWN"
	CommandScreenshot   = "SCREENSHOT"
	CommandMessage      = "MESSAGE"
	CommandWipe         = "WIPE"
	CommandExecute      = "EXECUTE"
	CommandUpdateConfig = "UPDATE_CONFIG"
	CommandForcePing    = "FORCE_PING"
)

// Command result statuses accepted by POST /agent/command-result.
const (
	ResultStatusExecuted = "executed"
	ResultStatusFailed   = "failed"
)

// Location sample sources.
const (
	SourceIP      = "ip"
	SourceWiFi    = "wifi"
	SourceIPWiFi  = "ip+wifi"
	SourceUnknown = "unknown"
)

const (
	DefaultServerURL    = "https://trace.yourcompany.com/api/v1"
	DefaultPingInterval = 5 * time.Minute

	// Bounded retry for transient register/ping transport failures.
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 2 * time.Second

	// Failed registrations are retried after a constant wait, sliced by
	// the loop tick so shutdown is never blocked for the full wait.
	defaultRegisterBackoff = time.Minute
	defaultLoopTick        = time.Second

	defaultRequestTimeout = 30 * time.Second
	healthProbeTimeout    = 10 * time.Second
)
