package traceagent

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// IdentitySource supplies device identity and battery facts.
// InfoProvider is the production implementation.
type IdentitySource interface {
	Hostname() string
	SerialNumber(ctx context.Context) string
	Battery(ctx context.Context) (percent *int, plugged bool)
}

// Journal records pings and command outcomes locally; best-effort, a
// failing journal never affects the loop.
type Journal interface {
	RecordPing(sample LocationSample, batteryPercent *int, success bool) error
	RecordCommand(cmdType string, outcome CommandOutcome) error
}

type noopJournal struct{}

func (noopJournal) RecordPing(LocationSample, *int, bool) error { return nil }
func (noopJournal) RecordCommand(string, CommandOutcome) error  { return nil }

// AgentConfig wires the agent loop's collaborators.
type AgentConfig struct {
	Session  *Session
	Store    *SessionStore
	Client   APIClient
	Location LocationSource
	Info     IdentitySource
	Executor CommandExecutor
	Journal  Journal

	RegistrationCode string

	// Tick bounds shutdown latency; RegisterBackoff is the constant
	// wait between failed registration attempts. Both default when
	// zero.
	Tick            time.Duration
	RegisterBackoff time.Duration

	Clock func() time.Time
}

// Agent owns the register→poll→report lifecycle. Single logical
// thread: only the loop goroutine reads or writes the session.
type Agent struct {
	session  *Session
	store    *SessionStore
	client   APIClient
	location LocationSource
	info     IdentitySource
	executor CommandExecutor
	journal  Journal

	registrationCode string
	tick             time.Duration
	registerBackoff  time.Duration
	clock            func() time.Time

	// nextPing/nextRegister zero means "due now".
	nextPing     time.Time
	nextRegister time.Time
}

// NewAgent validates the wiring and builds the loop.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Session == nil {
		return nil, errors.New("agent requires a session")
	}
	if cfg.Store == nil {
		return nil, errors.New("agent requires a session store")
	}
	if cfg.Client == nil {
		return nil, errors.New("agent requires an api client")
	}
	if cfg.Location == nil {
		return nil, errors.New("agent requires a location source")
	}
	if cfg.Info == nil {
		return nil, errors.New("agent requires an identity source")
	}
	if cfg.Executor == nil {
		return nil, errors.New("agent requires a command executor")
	}
	if cfg.Journal == nil {
		cfg.Journal = noopJournal{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultLoopTick
	}
	if cfg.RegisterBackoff <= 0 {
		cfg.RegisterBackoff = defaultRegisterBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Agent{
		session:          cfg.Session,
		store:            cfg.Store,
		client:           cfg.Client,
		location:         cfg.Location,
		info:             cfg.Info,
		executor:         cfg.Executor,
		journal:          cfg.Journal,
		registrationCode: cfg.RegistrationCode,
		tick:             cfg.Tick,
		registerBackoff:  cfg.RegisterBackoff,
		clock:            cfg.Clock,
	}, nil
}

// Run drives the loop until the context is canceled. The current
// tick's unit of work (one registration attempt or one ping) always
// finishes before the loop exits; shutdown latency is bounded by the
// tick plus one in-flight request timeout.
func (a *Agent) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	log.Info().
		Str("server", a.session.ServerURL).
		Dur("ping_interval", a.session.Interval()).
		Bool("registered", a.session.Registered()).
		Msg("starting trace agent")

	for {
		a.safeTick(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("trace agent stopped")
			return nil
		case <-time.After(a.tick):
		}
	}
}

// RunOnce performs a single ping attempt, used by the --test flag.
func (a *Agent) RunOnce(ctx context.Context) error {
	if !a.session.Registered() {
		return errors.New("device not registered")
	}
	sample := a.location.Collect(ctx)
	if !sample.Valid() {
		return errors.New("could not determine location")
	}
	battery, _ := a.info.Battery(ctx)
	result := a.client.Ping(ctx, sample, battery)
	if !result.Success {
		return errors.New("ping failed")
	}
	return nil
}

// safeTick wraps one tick so an unexpected failure is logged and
// followed by a bounded backoff instead of killing the loop.
func (a *Agent) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("agent tick panicked; backing off")
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}()
	a.tickOnce(ctx)
}

func (a *Agent) tickOnce(ctx context.Context) {
	now := a.clock()
	if !a.session.Registered() {
		if !a.nextRegister.IsZero() && now.Before(a.nextRegister) {
			return
		}
		a.attemptRegistration(ctx)
		return
	}
	if a.nextPing.IsZero() || !now.Before(a.nextPing) {
		immediate := a.performPing(ctx)
		if immediate {
			a.nextPing = time.Time{}
			return
		}
		// Re-read the interval: a config update command may have
		// changed it during this very ping.
		a.nextPing = a.clock().Add(a.session.Interval())
	}
}

func (a *Agent) attemptRegistration(ctx context.Context) {
	serial := strings.TrimSpace(a.session.SerialNumber)
	if serial == "" {
		serial = a.info.SerialNumber(ctx)
	}
	hostname := a.info.Hostname()
	if a.client.Register(ctx, serial, hostname, a.registrationCode) {
		a.nextRegister = time.Time{}
		// First ping fires on the next tick.
		a.nextPing = time.Time{}
		return
	}
	a.nextRegister = a.clock().Add(a.registerBackoff)
	log.Warn().Dur("retry_in", a.registerBackoff).Msg("registration failed; will retry")
}

// performPing runs one reporting attempt. Returns true when a
// FORCE_PING command asks for an immediate follow-up.
func (a *Agent) performPing(ctx context.Context) (immediate bool) {
	sample := a.location.Collect(ctx)
	if !sample.Valid() {
		log.Warn().Msg("could not determine location; skipping ping")
		return false
	}
	battery, _ := a.info.Battery(ctx)
	result := a.client.Ping(ctx, sample, battery)
	if err := a.journal.RecordPing(sample, battery, result.Success); err != nil {
		log.Debug().Err(err).Msg("journal ping record failed")
	}
	if result.TokenInvalid {
		a.session.AuthToken = ""
		if err := a.store.Save(a.session); err != nil {
			log.Error().Err(err).Msg("persist session after token invalidation failed")
		}
		a.nextRegister = time.Time{}
		log.Warn().Msg("token invalid; falling back to registration")
		return false
	}
	if !result.Success {
		log.Warn().Msg("location ping failed")
		return false
	}
	log.Info().
		Float64("latitude", *sample.Latitude).
		Float64("longitude", *sample.Longitude).
		Str("source", sample.Source).
		Msg("location ping sent")

	for _, cmd := range result.Commands {
		outcome := a.executor.Execute(ctx, cmd)
		a.client.ReportCommandResult(ctx, outcome)
		if err := a.journal.RecordCommand(cmd.NormalizedType(), outcome); err != nil {
			log.Debug().Err(err).Msg("journal command record failed")
		}
		if cmd.NormalizedType() == CommandForcePing && outcome.Success {
			immediate = true
		}
	}
	return immediate
}
