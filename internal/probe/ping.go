package probe

import (
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Pinger performs ICMP echo checks. Requires raw socket privileges; an
// unprivileged process simply reports hosts as unreachable over ICMP and
// falls back to whatever the TCP probes found.
type Pinger struct {
	timeout time.Duration
}

// NewPinger creates a pinger with the given per-echo timeout.
func NewPinger(timeout time.Duration) *Pinger {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &Pinger{timeout: timeout}
}

// Ping sends one ICMP echo request and waits for a reply.
// Returns (alive, rtt).
func (p *Pinger) Ping(ip string) (bool, time.Duration) {
	start := time.Now()

	message := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("scoutd-ping"),
		},
	}

	data, err := message.Marshal(nil)
	if err != nil {
		return false, 0
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false, 0
	}
	defer conn.Close()

	dst := &net.IPAddr{IP: net.ParseIP(ip)}
	if _, err := conn.WriteTo(data, dst); err != nil {
		return false, 0
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
		return false, 0
	}

	reply := make([]byte, 1500)
	n, _, err := conn.ReadFrom(reply)
	if err != nil {
		return false, 0
	}

	rtt := time.Since(start)

	rm, err := icmp.ParseMessage(1, reply[:n])
	if err != nil {
		return false, 0
	}

	if rm.Type == ipv4.ICMPTypeEchoReply {
		return true, rtt
	}
	return false, 0
}
