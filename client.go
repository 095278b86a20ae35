package traceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PingResult is the outcome of one reporting attempt.
type PingResult struct {
	Success bool
	// TokenInvalid signals an authentication failure; the caller must
	// clear the stored token and re-register.
	TokenInvalid bool
	Commands     []Command
}

// APIClient is the surface the agent loop depends on; the concrete
// implementation is TraceAPIClient.
type APIClient interface {
	Register(ctx context.Context, serial, hostname, registrationCode string) bool
	Ping(ctx context.Context, sample LocationSample, batteryPercent *int) PingResult
	ReportCommandResult(ctx context.Context, outcome CommandOutcome) bool
}

// ScreenshotUploader submits captured screenshots; best-effort.
type ScreenshotUploader interface {
	UploadScreenshot(ctx context.Context, path string) bool
}

// TraceAPIClientOptions customizes transport behavior, mainly for tests.
type TraceAPIClientOptions struct {
	HTTPClient   *http.Client
	RetryBackoff time.Duration
	Sleep        func(time.Duration)
}

// TraceAPIClient talks JSON over HTTPS to the Trace backend. Failures
// are returned as plain booleans/results and logged; the client never
// panics and never blocks beyond its per-request timeout.
type TraceAPIClient struct {
	baseURL string
	session *Session
	store   *SessionStore
	http    *http.Client
	retry   retryPolicy
}

// NewTraceAPIClient builds a client bound to the session. The session's
// stored token (if any) is used for bearer auth on subsequent calls.
func NewTraceAPIClient(session *Session, store *SessionStore, opts TraceAPIClientOptions) (*TraceAPIClient, error) {
	if session == nil {
		return nil, errors.New("api client requires a session")
	}
	base := strings.TrimRight(strings.TrimSpace(session.ServerURL), "/")
	if base == "" {
		return nil, errors.New("api client requires a server url")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	retry := newRetryPolicy(session.RetryAttempts, backoff)
	if opts.Sleep != nil {
		retry.sleep = opts.Sleep
	}
	if session.Registered() {
		log.Info().Msg("loaded stored agent token")
	}
	return &TraceAPIClient{
		baseURL: base,
		session: session,
		store:   store,
		http:    httpClient,
		retry:   retry,
	}, nil
}

type registerRequest struct {
	SerialNumber     string `json:"serial_number"`
	Hostname         string `json:"hostname"`
	RegistrationCode string `json:"registration_code,omitempty"`
	AgentVersion     string `json:"agent_version,omitempty"`
}

type registerResponse struct {
	AgentToken string `json:"agent_token"`
	DeviceID   string `json:"device_id"`
}

// Register POSTs the device identity and, on HTTP 200, stores the
// returned token and device id into the session and persists it.
// Transient transport failures and 5xx responses are retried with a
// bounded budget; 4xx responses are terminal for the attempt. A session
// that already holds a valid token is treated as already registered.
func (c *TraceAPIClient) Register(ctx context.Context, serial, hostname, registrationCode string) bool {
	if c.session.Registered() {
		log.Debug().Str("device_id", c.session.DeviceID).Msg("device already registered; skipping registration")
		return true
	}
	payload := registerRequest{
		SerialNumber:     strings.TrimSpace(serial),
		Hostname:         strings.TrimSpace(hostname),
		RegistrationCode: strings.TrimSpace(registrationCode),
		AgentVersion:     AgentVersion,
	}
	log.Info().Str("serial_number", payload.SerialNumber).Msg("registering device")

	status, body, err := c.postJSON(ctx, "/agent/register", payload, false)
	if err != nil {
		log.Error().Err(err).Msg("registration request failed")
		return false
	}
	if status != http.StatusOK {
		log.Error().Int("status", status).Str("body", truncateBody(body)).Msg("registration rejected")
		return false
	}
	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Error().Err(err).Msg("decode registration response failed")
		return false
	}
	if strings.TrimSpace(resp.AgentToken) == "" {
		log.Error().Msg("registration response missing agent token")
		return false
	}
	c.session.AuthToken = strings.TrimSpace(resp.AgentToken)
	c.session.DeviceID = strings.TrimSpace(resp.DeviceID)
	c.session.SerialNumber = payload.SerialNumber
	if c.store != nil {
		if err := c.store.Save(c.session); err != nil {
			log.Error().Err(err).Msg("persist session after registration failed")
		}
	}
	log.Info().Str("device_id", c.session.DeviceID).Msg("device registered")
	return true
}

type pingRequest struct {
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	Source         string   `json:"source"`
	IPAddress      string   `json:"ip_address,omitempty"`
	WiFiSSID       string   `json:"wifi_ssid,omitempty"`
	WiFiBSSID      string   `json:"wifi_bssid,omitempty"`
	BatteryPercent *int     `json:"battery_percent,omitempty"`
	AgentVersion   string   `json:"agent_version,omitempty"`
}

type pingResponse struct {
	// The server sends either a single command or a list; both shapes
	// are accepted and normalized.
	Command  *Command  `json:"command"`
	Commands []Command `json:"commands"`
}

// Ping POSTs a location report. It fails fast without a network call
// when no token is held. HTTP 401 marks the token invalid so the
// caller can clear it and fall back to registration.
func (c *TraceAPIClient) Ping(ctx context.Context, sample LocationSample, batteryPercent *int) PingResult {
	if !c.session.Registered() {
		log.Warn().Msg("cannot send ping: not registered")
		return PingResult{}
	}
	payload := pingRequest{
		Latitude:       sample.Latitude,
		Longitude:      sample.Longitude,
		AccuracyMeters: sample.AccuracyMeters,
		Source:         sample.Source,
		IPAddress:      sample.IPAddress,
		WiFiSSID:       sample.WiFiSSID,
		WiFiBSSID:      sample.WiFiBSSID,
		BatteryPercent: batteryPercent,
		AgentVersion:   AgentVersion,
	}
	status, body, err := c.postJSON(ctx, "/agent/ping", payload, true)
	if err != nil {
		log.Error().Err(err).Msg("ping request failed")
		return PingResult{}
	}
	switch status {
	case http.StatusOK:
		var resp pingResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Warn().Err(err).Msg("decode ping response failed; treating as command-free success")
			return PingResult{Success: true}
		}
		commands := resp.Commands
		if resp.Command != nil {
			commands = append([]Command{*resp.Command}, commands...)
		}
		return PingResult{Success: true, Commands: commands}
	case http.StatusUnauthorized:
		log.Error().Msg("authentication failed; token may be revoked")
		return PingResult{TokenInvalid: true}
	default:
		log.Warn().Int("status", status).Msg("ping rejected")
		return PingResult{}
	}
}

type commandResultRequest struct {
	CommandID    string `json:"command_id"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ReportCommandResult POSTs a command outcome keyed by command id.
// Best-effort: a lost acknowledgment is logged, never escalated.
func (c *TraceAPIClient) ReportCommandResult(ctx context.Context, outcome CommandOutcome) bool {
	status := ResultStatusExecuted
	if !outcome.Success {
		status = ResultStatusFailed
	}
	payload := commandResultRequest{
		CommandID:    strings.TrimSpace(outcome.CommandID),
		Status:       status,
		Result:       outcome.Result,
		ErrorMessage: outcome.ErrorMessage,
	}
	httpStatus, body, err := c.postJSON(ctx, "/agent/command-result", payload, true)
	if err != nil {
		log.Warn().Err(err).Str("command_id", payload.CommandID).Msg("report command result failed")
		return false
	}
	if httpStatus != http.StatusOK {
		log.Warn().
			Int("status", httpStatus).
			Str("command_id", payload.CommandID).
			Str("body", truncateBody(body)).
			Msg("command result rejected")
		return false
	}
	return true
}

// UploadScreenshot submits a captured screenshot as multipart form
// data. Best-effort: failures are logged only.
func (c *TraceAPIClient) UploadScreenshot(ctx context.Context, path string) bool {
	if !c.session.Registered() {
		log.Warn().Msg("cannot upload screenshot: not registered")
		return false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("read screenshot failed; skip upload")
		return false
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("screenshot", filepath.Base(path))
	if err == nil {
		_, err = part.Write(raw)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		log.Warn().Err(err).Msg("encode screenshot upload failed")
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/screenshot", &buf)
	if err != nil {
		log.Warn().Err(err).Msg("build screenshot upload request failed")
		return false
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.applyCommonHeaders(req, true)
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("screenshot upload failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("screenshot upload rejected")
		return false
	}
	return true
}

// CheckConnectivity probes GET /health. Advisory only; never on the
// critical ping path.
func (c *TraceAPIClient) CheckConnectivity(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	c.applyCommonHeaders(req, false)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// postJSON sends a JSON POST, retrying transient failures (network
// errors and 5xx) within the bounded retry budget. 4xx responses are
// returned without retry.
func (c *TraceAPIClient) postJSON(ctx context.Context, path string, payload any, auth bool) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "encode request payload")
	}
	var (
		status int
		body   []byte
	)
	err = c.retry.do(ctx, func() (bool, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if reqErr != nil {
			return false, errors.Wrap(reqErr, "build request")
		}
		req.Header.Set("Content-Type", "application/json")
		c.applyCommonHeaders(req, auth)
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return true, errors.Wrapf(doErr, "post %s", path)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if status >= http.StatusInternalServerError {
			return true, errors.Errorf("post %s: server error %d", path, status)
		}
		return false, nil
	})
	if err != nil && status >= http.StatusInternalServerError {
		// Exhausted retries on 5xx: surface the terminal status so the
		// caller can log it instead of a bare error.
		return status, body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func (c *TraceAPIClient) applyCommonHeaders(req *http.Request, auth bool) {
	req.Header.Set("User-Agent", userAgent)
	if auth && c.session.Registered() {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.session.AuthToken))
	}
}

func truncateBody(body []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
