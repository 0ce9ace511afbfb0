package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// listenLocal opens a TCP listener on 127.0.0.1 and returns its port.
func listenLocal(t *testing.T) (net.Listener, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, port
}

func TestOpenPortsFindsListener(t *testing.T) {
	_, port := listenLocal(t)
	p := NewProber(500*time.Millisecond, 100*time.Millisecond)

	open := p.OpenPorts(context.Background(), "127.0.0.1", []int{port})
	if len(open) != 1 || open[0] != port {
		t.Errorf("OpenPorts() = %v, want [%d]", open, port)
	}
}

func TestOpenPortsClosedPort(t *testing.T) {
	ln, port := listenLocal(t)
	ln.Close()

	p := NewProber(200*time.Millisecond, 100*time.Millisecond)
	open := p.OpenPorts(context.Background(), "127.0.0.1", []int{port})
	if len(open) != 0 {
		t.Errorf("OpenPorts() = %v, want none on a closed port", open)
	}
}

func TestProbeTimeoutBound(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1, guaranteed unroutable. The probe must
	// classify it DEAD within the TCP budget plus the ICMP fallback, not
	// hang to a TCP stack default.
	p := NewProber(200*time.Millisecond, 200*time.Millisecond)

	start := time.Now()
	result := p.Probe(context.Background(), "192.0.2.1")
	elapsed := time.Since(start)

	if result.Alive {
		t.Error("TEST-NET address should never be alive")
	}
	if elapsed > 3*time.Second {
		t.Errorf("probe took %v, want a bounded budget", elapsed)
	}
}

func TestProbeRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(5*time.Second, 100*time.Millisecond)

	start := time.Now()
	result := p.Probe(ctx, "192.0.2.1")
	if result.Alive {
		t.Error("cancelled probe must report dead for this cycle")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled probe took %v", elapsed)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		ports []int
		want  model.DeviceFamily
	}{
		{"rdp and smb", []int{135, 445, 3389}, model.FamilyWindows},
		{"winrm only", []int{5985}, model.FamilyWindows},
		{"ssh only", []int{22}, model.FamilyUnix},
		{"ssh on a windows box stays windows", []int{22, 445}, model.FamilyWindows},
		{"snmp only device", []int{161}, model.FamilyUnknown},
		{"no signature ports", nil, model.FamilyUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.ports); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.ports, got, tt.want)
			}
		})
	}
}
