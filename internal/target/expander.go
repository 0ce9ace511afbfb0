// Package target expands scan target specifications (CIDR blocks, last-octet
// ranges, single addresses) into deduplicated IP lists.
package target

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/martinsuchenak/scoutd/internal/log"
)

// Expander turns spec strings into a deduplicated set of concrete IPs.
// Expansion is restartable: Expand may be called repeatedly and yields the
// same set each time.
type Expander struct {
	specs        []string
	maxCIDRHosts int
}

// NewExpander creates an expander over the given specs. maxCIDRHosts caps
// how many hosts a single CIDR block may contribute; larger blocks are
// truncated with a warning.
func NewExpander(specs []string, maxCIDRHosts int) *Expander {
	if maxCIDRHosts <= 0 {
		maxCIDRHosts = 4096
	}
	return &Expander{specs: specs, maxCIDRHosts: maxCIDRHosts}
}

// Expand parses every spec and returns the deduplicated IP list in spec
// order. Invalid specs are skipped with a warning, never fatal.
func (e *Expander) Expand() []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(ip string) {
		if _, dup := seen[ip]; dup {
			return
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}

	for _, spec := range e.specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}

		ips, err := e.expandSpec(spec)
		if err != nil {
			log.Warn("Skipping malformed target spec", "spec", spec, "error", err)
			continue
		}
		for _, ip := range ips {
			add(ip)
		}
	}

	return out
}

func (e *Expander) expandSpec(spec string) ([]string, error) {
	switch {
	case strings.Contains(spec, "/"):
		return e.expandCIDR(spec)
	case strings.Contains(spec, "-"):
		return expandRange(spec)
	default:
		ip := net.ParseIP(spec)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("not an IPv4 address")
		}
		return []string{ip.String()}, nil
	}
}

// expandCIDR generates all host IPs in a CIDR block, skipping the network
// and broadcast addresses, capped at maxCIDRHosts.
func (e *Expander) expandCIDR(cidr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	if ipNet.IP.To4() == nil {
		return nil, fmt.Errorf("only IPv4 CIDR blocks are supported")
	}

	ones, _ := ipNet.Mask.Size()

	broadcast := make(net.IP, len(ipNet.IP))
	copy(broadcast, ipNet.IP)
	for i := range ipNet.Mask {
		broadcast[i] |= ^ipNet.Mask[i]
	}

	var ips []string
	truncated := false

	for ip := cloneIP(ipNet.IP.Mask(ipNet.Mask)); ipNet.Contains(ip); inc(ip) {
		// Network and broadcast addresses are not hosts for /30 and wider.
		if ones <= 30 {
			if ip.Equal(ipNet.IP) || ip.Equal(broadcast) {
				continue
			}
		}
		if len(ips) >= e.maxCIDRHosts {
			truncated = true
			break
		}
		ips = append(ips, ip.String())
	}

	if truncated {
		log.Warn("CIDR block exceeds host cap, truncating",
			"cidr", cidr, "cap", e.maxCIDRHosts)
	}

	return ips, nil
}

// expandRange parses "a.b.c.d-e" where e is the closing last octet.
func expandRange(spec string) ([]string, error) {
	parts := strings.SplitN(spec, "-", 2)
	start := net.ParseIP(strings.TrimSpace(parts[0]))
	if start == nil || start.To4() == nil {
		return nil, fmt.Errorf("invalid range start")
	}
	start = start.To4()

	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || end < 0 || end > 255 {
		return nil, fmt.Errorf("invalid range end octet")
	}
	if int(start[3]) > end {
		return nil, fmt.Errorf("range start octet exceeds end octet")
	}

	var ips []string
	for o := int(start[3]); o <= end; o++ {
		ips = append(ips, fmt.Sprintf("%d.%d.%d.%d", start[0], start[1], start[2], o))
	}
	return ips, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

// inc increments an IP address in place.
func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
