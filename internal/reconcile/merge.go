package reconcile

import (
	"time"

	"github.com/martinsuchenak/scoutd/internal/model"
)

// Merge applies an incoming record to an existing entry, field by field. A
// populated existing field is never overwritten by an empty incoming value;
// it changes only when the incoming value is present and differs. Returns
// the merged copy and the names of the fields that changed.
func Merge(existing *model.Entry, incoming *model.DeviceRecord) (*model.Entry, []string) {
	merged := *existing
	var changed []string

	apply := func(dst *string, src, name string) {
		if src != "" && src != *dst {
			*dst = src
			changed = append(changed, name)
		}
	}

	apply(&merged.IP, incoming.IP, "ip")
	apply(&merged.Hostname, incoming.Hostname, "hostname")
	apply(&merged.Domain, incoming.Domain, "domain")
	apply(&merged.MACAddress, incoming.MACAddress, "mac_address")
	apply(&merged.SerialNumber, incoming.SerialNumber, "serial_number")
	apply(&merged.OSName, incoming.OSName, "os_name")
	apply(&merged.OSVersion, incoming.OSVersion, "os_version")
	apply(&merged.AssignedUser, incoming.AssignedUser, "assigned_user")
	apply(&merged.Hardware.Processor, incoming.Hardware.Processor, "processor")
	apply(&merged.Hardware.Graphics, incoming.Hardware.Graphics, "graphics")

	if incoming.Family != "" && incoming.Family != model.FamilyUnknown && incoming.Family != merged.Family {
		merged.Family = incoming.Family
		changed = append(changed, "family")
	}
	if incoming.Hardware.MemoryMB > 0 && incoming.Hardware.MemoryMB != merged.Hardware.MemoryMB {
		merged.Hardware.MemoryMB = incoming.Hardware.MemoryMB
		changed = append(changed, "memory_mb")
	}
	if incoming.Hardware.StorageGB > 0 && incoming.Hardware.StorageGB != merged.Hardware.StorageGB {
		merged.Hardware.StorageGB = incoming.Hardware.StorageGB
		changed = append(changed, "storage_gb")
	}
	if len(incoming.OpenPorts) > 0 && !equalPorts(merged.OpenPorts, incoming.OpenPorts) {
		merged.OpenPorts = incoming.OpenPorts
		changed = append(changed, "open_ports")
	}

	merged.LastSeen = incoming.CollectedAt
	merged.UpdatedAt = time.Now()

	return &merged, changed
}

// entryFromRecord builds a fresh inventory entry from a first observation.
// The ID is left empty; the store assigns one on insert.
func entryFromRecord(record *model.DeviceRecord) *model.Entry {
	now := time.Now()
	return &model.Entry{
		IP:           record.IP,
		Hostname:     record.Hostname,
		Domain:       record.Domain,
		MACAddress:   record.MACAddress,
		SerialNumber: record.SerialNumber,
		Family:       record.Family,
		OSName:       record.OSName,
		OSVersion:    record.OSVersion,
		AssignedUser: record.AssignedUser,
		Hardware:     record.Hardware,
		OpenPorts:    record.OpenPorts,
		State:        model.StateAlive,
		Lifecycle:    model.LifecycleNew,
		FirstSeen:    record.CollectedAt,
		LastSeen:     record.CollectedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func equalPorts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
