package model

import (
	"time"
)

// DeviceFamily is a coarse classification derived from a host's open-port
// signature. It selects the collector adapter ordering and is a hint only.
type DeviceFamily string

const (
	FamilyWindows DeviceFamily = "windows"
	FamilyUnix    DeviceFamily = "unix"
	FamilyUnknown DeviceFamily = "unknown"
)

// Collection methods recorded on a DeviceRecord.
const (
	MethodWinRM        = "winrm"
	MethodSSH          = "ssh"
	MethodSNMP         = "snmp"
	MethodUnidentified = "unidentified"
)

// ProbeMethod identifies which liveness check classified a host.
type ProbeMethod string

const (
	ProbeTCP  ProbeMethod = "tcp"
	ProbeICMP ProbeMethod = "icmp"
	ProbeNone ProbeMethod = "none"
)

// ProbeResult is the outcome of one liveness probe attempt.
// Immutable once produced.
type ProbeResult struct {
	IP           string        `json:"ip"`
	Alive        bool          `json:"alive"`
	ResponseTime time.Duration `json:"response_time"`
	Method       ProbeMethod   `json:"method"`
}

// HardwareInfo holds the hardware fields a collector managed to extract.
// Zero values mean the field was not available over the protocol used.
type HardwareInfo struct {
	Processor string `json:"processor,omitempty"`
	MemoryMB  int64  `json:"memory_mb,omitempty"`
	StorageGB int64  `json:"storage_gb,omitempty"`
	Graphics  string `json:"graphics,omitempty"`
}

// DeviceRecord is the raw field set collected from one host in one scan
// pass. Records are never mutated after creation; a later scan supersedes
// them with a new record.
type DeviceRecord struct {
	ID           string       `json:"id"`
	IP           string       `json:"ip"`
	Hostname     string       `json:"hostname,omitempty"`
	Domain       string       `json:"domain,omitempty"`
	MACAddress   string       `json:"mac_address,omitempty"`
	SerialNumber string       `json:"serial_number,omitempty"`
	Family       DeviceFamily `json:"family"`
	OSName       string       `json:"os_name,omitempty"`
	OSVersion    string       `json:"os_version,omitempty"`
	AssignedUser string       `json:"assigned_user,omitempty"`
	Hardware     HardwareInfo `json:"hardware"`
	OpenPorts    []int        `json:"open_ports,omitempty"`

	CollectionMethod string    `json:"collection_method"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Credential is one username/secret pair tried by a collector adapter.
// Secret is a password for WinRM and SSH; PrivateKey, when set, takes
// precedence for SSH key auth.
type Credential struct {
	Username   string `json:"username"`
	Secret     string `json:"secret"`
	PrivateKey string `json:"private_key,omitempty"`
}

// CredentialSet holds the ordered credential lists rotated through per
// protocol family. First working credential wins and is cached for the
// remainder of the batch.
type CredentialSet struct {
	Windows         []Credential `json:"windows,omitempty"`
	SSH             []Credential `json:"ssh,omitempty"`
	SNMPCommunities []string     `json:"snmp_communities,omitempty"`
}
