// Package probe classifies hosts ALIVE or DEAD with cheap checks before any
// expensive collection is attempted, and derives a device-family hint from
// open-port signatures.
package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
)

// livenessPorts are the common TCP ports tried first. A single successful
// connect short-circuits to ALIVE without touching the rest.
var livenessPorts = []int{80, 443, 22, 3389, 445, 135, 161, 23, 8080}

// Prober runs the liveness state machine for one host at a time:
// UNKNOWN -> (TCP probes, then ICMP fallback) -> ALIVE | DEAD.
type Prober struct {
	tcpTimeout time.Duration
	pinger     *Pinger
}

// NewProber creates a prober. tcpTimeout bounds each TCP connect attempt;
// pingTimeout bounds the ICMP fallback.
func NewProber(tcpTimeout, pingTimeout time.Duration) *Prober {
	if tcpTimeout <= 0 {
		tcpTimeout = 200 * time.Millisecond
	}
	return &Prober{
		tcpTimeout: tcpTimeout,
		pinger:     NewPinger(pingTimeout),
	}
}

// Probe classifies one host. TCP connect attempts run concurrently against
// the common-port set; if none succeeds within budget the ICMP fallback
// decides. A host is DEAD for this cycle only when both methods fail.
func (p *Prober) Probe(ctx context.Context, ip string) model.ProbeResult {
	start := time.Now()

	if ok, rtt := p.anyPortOpen(ctx, ip); ok {
		return model.ProbeResult{IP: ip, Alive: true, ResponseTime: rtt, Method: model.ProbeTCP}
	}

	select {
	case <-ctx.Done():
		return model.ProbeResult{IP: ip, Alive: false, Method: model.ProbeNone}
	default:
	}

	if ok, rtt := p.pinger.Ping(ip); ok {
		return model.ProbeResult{IP: ip, Alive: true, ResponseTime: rtt, Method: model.ProbeICMP}
	}

	log.Trace("Host dead for this cycle", "ip", ip, "elapsed", time.Since(start))
	return model.ProbeResult{IP: ip, Alive: false, ResponseTime: time.Since(start), Method: model.ProbeNone}
}

// anyPortOpen dials all liveness ports concurrently and returns on the
// first success.
func (p *Prober) anyPortOpen(ctx context.Context, ip string) (bool, time.Duration) {
	dialCtx, cancel := context.WithTimeout(ctx, p.tcpTimeout)
	defer cancel()

	start := time.Now()
	hit := make(chan time.Duration, len(livenessPorts))

	var wg sync.WaitGroup
	for _, port := range livenessPorts {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			var d net.Dialer
			conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn.Close()
			hit <- time.Since(start)
		}(port)
	}

	go func() {
		wg.Wait()
		close(hit)
	}()

	rtt, ok := <-hit
	// First open port decides; remaining dials are cancelled.
	cancel()
	return ok, rtt
}

// OpenPorts reports which of the given ports accept a TCP connection, each
// attempt bounded by the prober's TCP timeout. Used by the protocol
// detector and for the open-port signature on minimal records.
func (p *Prober) OpenPorts(ctx context.Context, ip string, ports []int) []int {
	var (
		mu   sync.Mutex
		open []int
		wg   sync.WaitGroup
	)

	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()

			dialCtx, cancel := context.WithTimeout(ctx, p.tcpTimeout)
			defer cancel()

			var d net.Dialer
			conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn.Close()

			mu.Lock()
			open = append(open, port)
			mu.Unlock()
		}(port)
	}

	wg.Wait()
	return open
}
