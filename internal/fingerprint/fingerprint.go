// Package fingerprint computes weighted identity signatures and pure
// match scores between device observations and inventory entries.
package fingerprint

import (
	"sort"
	"strings"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// Matched field names reported alongside scores.
const (
	FieldSerial   = "serial_number"
	FieldMAC      = "mac_address"
	FieldHostname = "hostname"
	FieldIP       = "ip"
)

// WeightTable assigns a reliability weight per identity field, descending:
// hardware serial is the strongest signal, the IP address the most volatile.
type WeightTable struct {
	Serial   int
	MAC      int
	Hostname int // hostname+domain composite
	IP       int
}

// DefaultWeights is the policy default, not fixed physics; callers may tune
// it as long as the scenario tests still hold.
func DefaultWeights() WeightTable {
	return WeightTable{Serial: 40, MAC: 30, Hostname: 20, IP: 10}
}

// Compute derives the normalized identity signature from a collected record.
func Compute(record *model.DeviceRecord) model.Fingerprint {
	return model.Fingerprint{
		SerialNumber: normalize(record.SerialNumber),
		MACAddress:   normalizeMAC(record.MACAddress),
		Hostname:     normalize(record.Hostname),
		Domain:       normalize(record.Domain),
		IP:           strings.TrimSpace(record.IP),
	}
}

// FromEntry derives the signature of an existing inventory entry.
func FromEntry(entry *model.Entry) model.Fingerprint {
	return model.Fingerprint{
		SerialNumber: normalize(entry.SerialNumber),
		MACAddress:   normalizeMAC(entry.MACAddress),
		Hostname:     normalize(entry.Hostname),
		Domain:       normalize(entry.Domain),
		IP:           strings.TrimSpace(entry.IP),
	}
}

// Score compares two signatures under the weight table. The result is the
// summed weight of matching fields scaled to 0-100 over the weight of
// fields present on both sides, so partial records are judged only on what
// they can prove. Pure: same inputs always yield the same outputs.
func Score(existing, incoming model.Fingerprint, w WeightTable) (int, []string) {
	var comparable, matched int
	var fields []string

	compare := func(a, b string, weight int, name string) {
		if a == "" || b == "" || weight <= 0 {
			return
		}
		comparable += weight
		if a == b {
			matched += weight
			fields = append(fields, name)
		}
	}

	compare(existing.SerialNumber, incoming.SerialNumber, w.Serial, FieldSerial)
	compare(existing.MACAddress, incoming.MACAddress, w.MAC, FieldMAC)
	compare(composite(existing.Hostname, existing.Domain), composite(incoming.Hostname, incoming.Domain), w.Hostname, FieldHostname)
	compare(existing.IP, incoming.IP, w.IP, FieldIP)

	if comparable == 0 {
		return 0, nil
	}
	return matched * 100 / comparable, fields
}

// Rank scores a fingerprint against every candidate and returns matches in
// descending score order, zero-score candidates dropped.
func Rank(candidates []model.Entry, fp model.Fingerprint, w WeightTable) []model.DuplicateMatch {
	var matches []model.DuplicateMatch
	for i := range candidates {
		score, fields := Score(FromEntry(&candidates[i]), fp, w)
		if score == 0 {
			continue
		}
		matches = append(matches, model.DuplicateMatch{
			InventoryID:   candidates[i].ID,
			Score:         score,
			MatchedFields: fields,
			Type:          model.MatchExact,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

func composite(hostname, domain string) string {
	if hostname == "" {
		return ""
	}
	if domain == "" {
		return hostname
	}
	return hostname + "." + domain
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}
