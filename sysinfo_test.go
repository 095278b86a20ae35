package traceagent

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestSerialNumberPrefersPlatform(t *testing.T) {
	provider := NewInfoProvider(&fakePlatform{serial: " C02ABC123 "})
	if got := provider.SerialNumber(context.Background()); got != "C02ABC123" {
		t.Fatalf("unexpected serial %q", got)
	}
}

func TestSerialNumberFallsBackToMachineID(t *testing.T) {
	provider := NewInfoProvider(&fakePlatform{serialErr: errors.New("wmic not found")})
	got := provider.SerialNumber(context.Background())
	if got == "" {
		t.Fatal("serial fallback must always produce an identifier")
	}
	if !strings.HasPrefix(got, "MAC-") && !strings.HasPrefix(got, "HOST-") && !strings.HasPrefix(got, "GEN-") {
		t.Fatalf("expected a derived machine id, got %q", got)
	}
}

func TestSerialNumberRejectsPlaceholder(t *testing.T) {
	// Some vendors report the literal string "None".
	provider := NewInfoProvider(&fakePlatform{serial: "None"})
	got := provider.SerialNumber(context.Background())
	if strings.EqualFold(got, "none") {
		t.Fatalf("placeholder serial must be replaced, got %q", got)
	}
}

func TestBatteryDegradesToNil(t *testing.T) {
	provider := NewInfoProvider(&fakePlatform{batteryErr: errors.New("no battery")})
	percent, plugged := provider.Battery(context.Background())
	if percent != nil || plugged {
		t.Fatalf("unexpected battery facts %v %v", percent, plugged)
	}

	provider = NewInfoProvider(&fakePlatform{batteryPercent: 88, batteryPlugged: true})
	percent, plugged = provider.Battery(context.Background())
	if percent == nil || *percent != 88 || !plugged {
		t.Fatalf("unexpected battery facts %v %v", percent, plugged)
	}
}

func TestDescribeAlwaysUsable(t *testing.T) {
	provider := NewInfoProvider(&fakePlatform{serial: "SN-1", batteryPercent: 50})
	info := provider.Describe(context.Background())
	if info.Hostname == "" || info.SerialNumber != "SN-1" || info.MachineID == "" {
		t.Fatalf("incomplete identity snapshot %+v", info)
	}
	if info.OSName == "" || info.OSArch == "" {
		t.Fatalf("missing os facts %+v", info)
	}
}
