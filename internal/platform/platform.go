// Package platform shells out to host OS tools for everything the
// agent cannot do in-process: locking the screen, power control,
// screenshots, notifications, and hardware identity lookups. All OS
// branching lives here; the rest of the agent sees one capability
// surface.
package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ops implements the agent's PlatformOps interface for the OS it was
// built on. Every method honors the context deadline and converts a
// missing tool into a plain error.
type Ops struct {
	goos string
}

// NewDefault selects the implementation for the current OS.
func NewDefault() (*Ops, error) {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return &Ops{goos: runtime.GOOS}, nil
	default:
		return nil, errors.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func (o *Ops) run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), errors.Wrapf(err, "run %s", name)
	}
	return strings.TrimSpace(string(out)), nil
}

// runFirst tries each candidate command until one succeeds.
func (o *Ops) runFirst(ctx context.Context, candidates [][]string) error {
	var lastErr error
	for _, candidate := range candidates {
		if len(candidate) == 0 {
			continue
		}
		if _, err := o.run(ctx, candidate[0], candidate[1:]...); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate command available")
	}
	return lastErr
}

// LockScreen locks the current session.
func (o *Ops) LockScreen(ctx context.Context) error {
	switch o.goos {
	case "windows":
		_, err := o.run(ctx, "rundll32.exe", "user32.dll,LockWorkStation")
		return err
	case "darwin":
		_, err := o.run(ctx, "/System/Library/CoreServices/Menu Extras/User.menu/Contents/Resources/CGSession", "-suspend")
		return err
	default:
		return o.runFirst(ctx, [][]string{
			{"loginctl", "lock-session"},
			{"gnome-screensaver-command", "-l"},
			{"xdg-screensaver", "lock"},
			{"dm-tool", "lock"},
		})
	}
}

// UnlockScreen is not remotely achievable on desktop platforms; the
// command exists so the server gets an explicit failure instead of a
// silent drop.
func (o *Ops) UnlockScreen(ctx context.Context) error {
	return errors.Errorf("screen unlock is not supported on %s", o.goos)
}

// Restart schedules a reboot after the given delay.
func (o *Ops) Restart(ctx context.Context, delay time.Duration) error {
	switch o.goos {
	case "windows":
		_, err := o.run(ctx, "shutdown", "/r", "/t", strconv.Itoa(delaySeconds(delay)))
		return err
	default:
		_, err := o.run(ctx, "shutdown", "-r", shutdownWhen(delay))
		return err
	}
}

// Shutdown schedules a power-off after the given delay.
func (o *Ops) Shutdown(ctx context.Context, delay time.Duration) error {
	switch o.goos {
	case "windows":
		_, err := o.run(ctx, "shutdown", "/s", "/t", strconv.Itoa(delaySeconds(delay)))
		return err
	default:
		_, err := o.run(ctx, "shutdown", "-h", shutdownWhen(delay))
		return err
	}
}

func delaySeconds(delay time.Duration) int {
	secs := int(delay / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// shutdownWhen renders the unix shutdown time argument: "now" or a
// minute offset.
func shutdownWhen(delay time.Duration) string {
	minutes := int(delay / time.Minute)
	if minutes <= 0 {
		if delay > 0 {
			minutes = 1
		} else {
			return "now"
		}
	}
	return fmt.Sprintf("+%d", minutes)
}

// CaptureScreen writes a screenshot to the temp directory and returns
// the file path.
func (o *Ops) CaptureScreen(ctx context.Context) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("trace_screenshot_%d.png", time.Now().UnixNano()))
	var err error
	switch o.goos {
	case "windows":
		script := fmt.Sprintf(
			`Add-Type -AssemblyName System.Windows.Forms,System.Drawing; `+
				`$b=[System.Windows.Forms.SystemInformation]::VirtualScreen; `+
				`$bmp=New-Object System.Drawing.Bitmap $b.Width,$b.Height; `+
				`$g=[System.Drawing.Graphics]::FromImage($bmp); `+
				`$g.CopyFromScreen($b.Left,$b.Top,0,0,$bmp.Size); `+
				`$bmp.Save('%s')`, path)
		_, err = o.run(ctx, "powershell", "-NoProfile", "-Command", script)
	case "darwin":
		_, err = o.run(ctx, "screencapture", "-x", path)
	default:
		err = o.runFirst(ctx, [][]string{
			{"gnome-screenshot", "-f", path},
			{"scrot", path},
			{"import", "-window", "root", path},
		})
	}
	if err != nil {
		return "", err
	}
	if info, statErr := os.Stat(path); statErr != nil || info.Size() == 0 {
		return "", errors.New("screenshot tool produced no output file")
	}
	return path, nil
}

// ShowNotification displays a local desktop notification.
func (o *Ops) ShowNotification(ctx context.Context, title, message string) error {
	switch o.goos {
	case "windows":
		_, err := o.run(ctx, "msg", "*", "/time:30", fmt.Sprintf("%s: %s", title, message))
		return err
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		_, err := o.run(ctx, "osascript", "-e", script)
		return err
	default:
		_, err := o.run(ctx, "notify-send", title, message)
		return err
	}
}

// RunDiagnostic executes the given command line directly (no shell)
// and returns its combined output. Callers are responsible for
// allow-listing; this method only splits and runs.
func (o *Ops) RunDiagnostic(ctx context.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", errors.New("empty diagnostic command")
	}
	return o.run(ctx, fields[0], fields[1:]...)
}

var serialLinePattern = regexp.MustCompile(`Serial Number[^:]*:\s*(\S+)`)

// SerialNumber reads the hardware serial through the platform's
// firmware interface, with tool fallbacks per OS.
func (o *Ops) SerialNumber(ctx context.Context) (string, error) {
	switch o.goos {
	case "windows":
		if out, err := o.run(ctx, "wmic", "bios", "get", "serialnumber"); err == nil {
			if serial := secondLine(out); serial != "" && !strings.EqualFold(serial, "SerialNumber") {
				return serial, nil
			}
		}
		out, err := o.run(ctx, "powershell", "-NoProfile", "-Command", "(Get-WmiObject win32_bios).SerialNumber")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	case "darwin":
		out, err := o.run(ctx, "system_profiler", "SPHardwareDataType")
		if err != nil {
			return "", err
		}
		if m := serialLinePattern.FindStringSubmatch(out); len(m) == 2 {
			return m[1], nil
		}
		return "", errors.New("serial number not found in hardware profile")
	default:
		for _, path := range []string{
			"/sys/class/dmi/id/product_serial",
			"/sys/class/dmi/id/chassis_serial",
			"/sys/class/dmi/id/board_serial",
		} {
			if serial := readTrimmed(path); serial != "" && !strings.EqualFold(serial, "none") {
				return serial, nil
			}
		}
		// machine-id is not a hardware serial but is stable per install.
		if id := readTrimmed("/etc/machine-id"); id != "" {
			return id, nil
		}
		return "", errors.New("no readable serial source")
	}
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func secondLine(out string) string {
	lines := make([]string, 0, 2)
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) > 1 {
		return lines[1]
	}
	return ""
}

var (
	netshValuePattern   = regexp.MustCompile(`:\s*(.+)$`)
	accessPointPattern  = regexp.MustCompile(`Access Point:\s*([0-9A-Fa-f:]+)`)
	airportFieldPattern = regexp.MustCompile(`^\s*(B?SSID):\s*(.+)$`)
)

// WiFiInfo returns the connected SSID and BSSID, empty when offline or
// when no wireless tooling is available.
func (o *Ops) WiFiInfo(ctx context.Context) (string, string, error) {
	switch o.goos {
	case "windows":
		out, err := o.run(ctx, "netsh", "wlan", "show", "interfaces")
		if err != nil {
			return "", "", err
		}
		var ssid, bssid string
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "SSID") && !strings.Contains(line, "BSSID") {
				if m := netshValuePattern.FindStringSubmatch(line); len(m) == 2 {
					ssid = strings.TrimSpace(m[1])
				}
			} else if strings.HasPrefix(line, "BSSID") {
				if m := netshValuePattern.FindStringSubmatch(line); len(m) == 2 {
					bssid = strings.TrimSpace(m[1])
				}
			}
		}
		return ssid, bssid, nil
	case "darwin":
		out, err := o.run(ctx, "/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport", "-I")
		if err != nil {
			return "", "", err
		}
		var ssid, bssid string
		for _, line := range strings.Split(out, "\n") {
			if m := airportFieldPattern.FindStringSubmatch(line); len(m) == 3 {
				switch m[1] {
				case "SSID":
					ssid = strings.TrimSpace(m[2])
				case "BSSID":
					bssid = strings.TrimSpace(m[2])
				}
			}
		}
		return ssid, bssid, nil
	default:
		ssid, err := o.run(ctx, "iwgetid", "-r")
		if err != nil {
			return "", "", err
		}
		var bssid string
		if out, err := o.run(ctx, "iwgetid", "-a"); err == nil {
			if m := accessPointPattern.FindStringSubmatch(out); len(m) == 2 {
				bssid = m[1]
			}
		}
		return ssid, bssid, nil
	}
}

var (
	pmsetPercentPattern = regexp.MustCompile(`(\d+)%`)
)

// Battery reports the charge percent and whether external power is
// attached. Desktops without a battery return an error; callers treat
// that as "no battery facts".
func (o *Ops) Battery(ctx context.Context) (int, bool, error) {
	switch o.goos {
	case "windows":
		out, err := o.run(ctx, "wmic", "path", "Win32_Battery", "get", "EstimatedChargeRemaining")
		if err != nil {
			return 0, false, err
		}
		raw := secondLine(out)
		percent, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, false, errors.Errorf("unreadable battery level %q", raw)
		}
		return percent, false, nil
	case "darwin":
		out, err := o.run(ctx, "pmset", "-g", "batt")
		if err != nil {
			return 0, false, err
		}
		m := pmsetPercentPattern.FindStringSubmatch(out)
		if len(m) != 2 {
			return 0, false, errors.New("no battery present")
		}
		percent, _ := strconv.Atoi(m[1])
		plugged := strings.Contains(out, "AC Power")
		return percent, plugged, nil
	default:
		for _, battery := range []string{"BAT0", "BAT1"} {
			base := filepath.Join("/sys/class/power_supply", battery)
			raw := readTrimmed(filepath.Join(base, "capacity"))
			if raw == "" {
				continue
			}
			percent, convErr := strconv.Atoi(raw)
			if convErr != nil {
				log.Debug().Str("battery", battery).Str("raw", raw).Msg("unreadable battery capacity")
				continue
			}
			status := readTrimmed(filepath.Join(base, "status"))
			plugged := status == "Charging" || status == "Full"
			return percent, plugged, nil
		}
		return 0, false, errors.New("no battery present")
	}
}
