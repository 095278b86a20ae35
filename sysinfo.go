package traceagent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SystemInfo is the device identity snapshot shown by --show-info and
// used for registration.
type SystemInfo struct {
	Hostname       string
	SerialNumber   string
	MachineID      string
	OSName         string
	OSArch         string
	BatteryPercent *int
	PowerPlugged   bool
}

// InfoProvider collects device identity and battery facts. Every
// lookup is best-effort; callers always get usable values.
type InfoProvider struct {
	platform PlatformOps
}

func NewInfoProvider(platform PlatformOps) *InfoProvider {
	return &InfoProvider{platform: platform}
}

// Hostname never fails; an unresolvable hostname degrades to "unknown".
func (p *InfoProvider) Hostname() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "unknown"
	}
	return strings.TrimSpace(name)
}

// SerialNumber returns the hardware serial, falling back to the stable
// machine identifier when the platform lookup fails.
func (p *InfoProvider) SerialNumber(ctx context.Context) string {
	if p.platform != nil {
		if serial, err := p.platform.SerialNumber(ctx); err == nil {
			if trimmed := strings.TrimSpace(serial); trimmed != "" && !strings.EqualFold(trimmed, "none") {
				return trimmed
			}
		} else {
			log.Debug().Err(err).Msg("serial number lookup failed")
		}
	}
	id := p.MachineID(ctx)
	log.Warn().Str("machine_id", id).Msg("could not get serial number; using machine id")
	return id
}

// MachineID returns a stable identifier: hardware serial, then a
// MAC-derived id, then a hostname-derived id, then a generated UUID.
func (p *InfoProvider) MachineID(ctx context.Context) string {
	if p.platform != nil {
		if serial, err := p.platform.SerialNumber(ctx); err == nil {
			if trimmed := strings.TrimSpace(serial); trimmed != "" && !strings.EqualFold(trimmed, "none") {
				return trimmed
			}
		}
	}
	if mac := primaryMAC(); mac != "" {
		return "MAC-" + mac
	}
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		return "HOST-" + strings.TrimSpace(name)
	}
	return "GEN-" + uuid.NewString()
}

// Battery returns the charge percent and plugged state, or nil when no
// battery is readable.
func (p *InfoProvider) Battery(ctx context.Context) (*int, bool) {
	if p.platform == nil {
		return nil, false
	}
	percent, plugged, err := p.platform.Battery(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("battery lookup failed")
		return nil, false
	}
	return &percent, plugged
}

// Describe assembles the full identity snapshot.
func (p *InfoProvider) Describe(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Hostname:     p.Hostname(),
		SerialNumber: p.SerialNumber(ctx),
		MachineID:    p.MachineID(ctx),
		OSName:       runtime.GOOS,
		OSArch:       runtime.GOARCH,
	}
	info.BatteryPercent, info.PowerPlugged = p.Battery(ctx)
	return info
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return fmt.Sprintf("%012x", macToUint(iface.HardwareAddr))
	}
	return ""
}

func macToUint(addr net.HardwareAddr) uint64 {
	var v uint64
	for _, b := range addr {
		v = v<<8 | uint64(b)
	}
	return v
}
