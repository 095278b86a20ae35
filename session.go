package traceagent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tracehq/TraceAgent/internal/config"
)

// Session is the agent's persisted identity, configuration and token
// state. It is owned by the agent loop goroutine; nothing else mutates
// it. The auth token is stored in a separate file so the config record
// can stay world-readable while the token is restricted.
type Session struct {
	ServerURL          string `json:"server_url"`
	DeviceID           string `json:"device_id,omitempty"`
	SerialNumber       string `json:"serial_number,omitempty"`
	PingInterval       int    `json:"ping_interval"`
	EnableWiFiLocation bool   `json:"enable_wifi_location"`
	EnableIPLocation   bool   `json:"enable_ip_location"`
	RetryAttempts      int    `json:"retry_attempts"`

	// AuthToken is persisted separately; never serialized with the
	// config record.
	AuthToken string `json:"-"`
}

// Registered reports whether the device holds a usable auth token.
// Token presence is the operative flag; DeviceID is kept in sync on
// registration but never consulted here.
func (s *Session) Registered() bool {
	return s != nil && strings.TrimSpace(s.AuthToken) != ""
}

// Interval returns the effective ping interval.
func (s *Session) Interval() time.Duration {
	if s == nil || s.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return time.Duration(s.PingInterval) * time.Second
}

func defaultSession() *Session {
	return &Session{
		ServerURL:          DefaultServerURL,
		PingInterval:       int(DefaultPingInterval / time.Second),
		EnableWiFiLocation: true,
		EnableIPLocation:   true,
		RetryAttempts:      defaultRetryAttempts,
	}
}

const (
	configFileName = "agent.json"
	tokenFileName  = ".token"
)

// DefaultConfigDir returns the platform default directory for the
// agent's persisted state. TRACE_CONFIG_DIR overrides it.
func DefaultConfigDir() string {
	if dir := config.String("TRACE_CONFIG_DIR", ""); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		base := strings.TrimSpace(os.Getenv("PROGRAMDATA"))
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "Trace")
	}
	return "/etc/trace"
}

// SessionStore persists the Session across restarts. Single writer:
// one agent process owns the directory at a time.
type SessionStore struct {
	dir string
}

// NewSessionStore creates the config directory if needed. Failure here
// is a fatal startup error for the agent binary.
func NewSessionStore(dir string) (*SessionStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create config directory %s", dir)
	}
	return &SessionStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (st *SessionStore) Dir() string { return st.dir }

// Load reads the persisted session, falling back to defaults when the
// config record is absent or unreadable. The token is loaded from its
// own file; a missing token file simply leaves the session
// unregistered.
func (st *SessionStore) Load() *Session {
	session := defaultSession()
	path := filepath.Join(st.dir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("read agent config failed; using defaults")
		}
	} else if err := json.Unmarshal(data, session); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("parse agent config failed; using defaults")
		session = defaultSession()
	}
	if strings.TrimSpace(session.ServerURL) == "" {
		session.ServerURL = DefaultServerURL
	}
	if session.PingInterval <= 0 {
		session.PingInterval = int(DefaultPingInterval / time.Second)
	}
	if session.RetryAttempts <= 0 {
		session.RetryAttempts = defaultRetryAttempts
	}
	session.AuthToken = st.loadToken()
	return session
}

// Save persists the config record and the token file. Called after
// every session mutation.
func (st *SessionStore) Save(session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode agent config")
	}
	path := filepath.Join(st.dir, configFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write agent config %s", path)
	}
	return st.saveToken(session.AuthToken)
}

func (st *SessionStore) loadToken() string {
	data, err := os.ReadFile(filepath.Join(st.dir, tokenFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (st *SessionStore) saveToken(token string) error {
	path := filepath.Join(st.dir, tokenFileName)
	token = strings.TrimSpace(token)
	if token == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove token file %s", path)
		}
		return nil
	}
	// 0600: readable only by the owning account where the platform
	// honors file modes.
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return errors.Wrapf(err, "write token file %s", path)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("restrict token file permissions failed")
		}
	}
	return nil
}
