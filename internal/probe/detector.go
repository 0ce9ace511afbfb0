package probe

import (
	"context"
	"sort"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// signaturePorts are the well-known ports checked for family detection.
// 135/139/445 SMB/RPC, 3389 RDP, 5985 WinRM, 22 SSH, 161 SNMP.
var signaturePorts = []int{22, 135, 139, 161, 445, 3389, 5985}

var windowsPorts = map[int]bool{135: true, 139: true, 445: true, 3389: true, 5985: true}

// Detector assigns a DeviceFamily hint from a fast port-signature check.
// The hint chooses the collector chain ordering; the chain itself tolerates
// a wrong guess by falling through to the next adapter.
type Detector struct {
	prober *Prober
}

// NewDetector creates a detector sharing the prober's timeout budget.
func NewDetector(prober *Prober) *Detector {
	return &Detector{prober: prober}
}

// Detect returns the family hint and the open-port signature for an ALIVE
// host. The signature is sorted for stable comparison and reporting.
func (d *Detector) Detect(ctx context.Context, ip string) (model.DeviceFamily, []int) {
	open := d.prober.OpenPorts(ctx, ip, signaturePorts)
	sort.Ints(open)
	return Classify(open), open
}

// Classify maps an open-port signature to a DeviceFamily.
func Classify(openPorts []int) model.DeviceFamily {
	hasWindows := false
	hasSSH := false
	for _, p := range openPorts {
		if windowsPorts[p] {
			hasWindows = true
		}
		if p == 22 {
			hasSSH = true
		}
	}

	switch {
	case hasWindows:
		return model.FamilyWindows
	case hasSSH:
		return model.FamilyUnix
	default:
		return model.FamilyUnknown
	}
}
