package sip

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdmission(t *testing.T, cidrs []string) *Admission {
	t.Helper()
	a, err := NewAdmission(cidrs, "142.132.212.248", "sip.easybell.de", discardLogger())
	if err != nil {
		t.Fatalf("NewAdmission: %v", err)
	}
	return a
}

func TestAdmissionCheck(t *testing.T) {
	a := newTestAdmission(t, []string{"217.0.0.0/13", "81.23.216.5"})

	tests := []struct {
		name      string
		remoteIP  string
		callerURI string
		allowed   bool
		rule      string
	}{
		{
			name:      "public scanner denied",
			remoteIP:  "203.0.113.5",
			callerURI: "sip:scanner@203.0.113.5",
			allowed:   false,
			rule:      "denied",
		},
		{
			name:      "allowlisted prefix",
			remoteIP:  "217.3.44.9",
			callerURI: "sip:+4930555@sip.provider.example",
			allowed:   true,
			rule:      "allowlist",
		},
		{
			name:      "allowlisted single ip",
			remoteIP:  "81.23.216.5",
			callerURI: "sip:anything@anywhere",
			allowed:   true,
			rule:      "allowlist",
		},
		{
			name:      "nat exception via public ip in uri",
			remoteIP:  "10.80.4.7",
			callerURI: "sip:+4930123456@142.132.212.248:5060",
			allowed:   true,
			rule:      "nat-exception",
		},
		{
			name:      "nat exception via provider hostname",
			remoteIP:  "192.168.178.20",
			callerURI: "sip:+4930123456@SIP.EASYBELL.DE",
			allowed:   true,
			rule:      "nat-exception",
		},
		{
			name:      "private source without uri hint denied",
			remoteIP:  "10.80.4.7",
			callerURI: "sip:attacker@10.80.4.7",
			allowed:   false,
			rule:      "denied",
		},
		{
			name:      "public source with provider uri still denied",
			remoteIP:  "198.51.100.33",
			callerURI: "sip:spoof@sip.easybell.de",
			allowed:   false,
			rule:      "denied",
		},
		{
			name:      "source with port",
			remoteIP:  "217.3.44.9:5060",
			callerURI: "sip:x@y",
			allowed:   true,
			rule:      "allowlist",
		},
		{
			name:      "unparseable source denied",
			remoteIP:  "not-an-ip",
			callerURI: "sip:x@y",
			allowed:   false,
			rule:      "denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := a.Check(tt.remoteIP, tt.callerURI)
			if v.Allowed != tt.allowed || v.Rule != tt.rule {
				t.Errorf("Check(%q, %q) = %+v, want allowed=%v rule=%q",
					tt.remoteIP, tt.callerURI, v, tt.allowed, tt.rule)
			}
		})
	}
}

func TestAdmissionDisabled(t *testing.T) {
	a := newTestAdmission(t, nil)

	a.SetEnabled(false)
	if a.Enabled() {
		t.Fatal("filter still enabled after SetEnabled(false)")
	}
	v := a.Check("203.0.113.5", "sip:scanner@203.0.113.5")
	if !v.Allowed || v.Rule != "disabled" {
		t.Errorf("Check with filter disabled = %+v, want allowed rule=disabled", v)
	}

	a.SetEnabled(true)
	v = a.Check("203.0.113.5", "sip:scanner@203.0.113.5")
	if v.Allowed {
		t.Errorf("Check after re-enable = %+v, want denied", v)
	}
}

func TestAdmissionInvalidCIDR(t *testing.T) {
	_, err := NewAdmission([]string{"not-a-cidr"}, "", "", discardLogger())
	if err == nil {
		t.Error("expected error for invalid cidr")
	}
}

func TestAdmissionNetworks(t *testing.T) {
	a := newTestAdmission(t, []string{"217.0.0.0/13", "81.23.216.5"})
	nets := a.Networks()
	if len(nets) != 2 {
		t.Fatalf("Networks() = %v, want 2 entries", nets)
	}
	if nets[1] != "81.23.216.5/32" {
		t.Errorf("single ip entry = %q, want 81.23.216.5/32", nets[1])
	}
}
