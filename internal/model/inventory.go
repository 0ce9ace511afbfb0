package model

import (
	"time"
)

// DeviceState is the per-inventory-entry liveness state machine.
// UNKNOWN -> ALIVE | DEAD; DEAD -> PERMANENTLY_DEAD after a configurable
// number of consecutive failed scan cycles. Entries are never deleted,
// only transitioned.
type DeviceState string

const (
	StateUnknown         DeviceState = "unknown"
	StateAlive           DeviceState = "alive"
	StateDead            DeviceState = "dead"
	StatePermanentlyDead DeviceState = "permanently_dead"
)

// Lifecycle is the record lifecycle across scans.
// NEW -> ACTIVE -> UNDER_REVIEW -> ACTIVE | ARCHIVED.
type Lifecycle string

const (
	LifecycleNew         Lifecycle = "new"
	LifecycleActive      Lifecycle = "active"
	LifecycleUnderReview Lifecycle = "under_review"
	LifecycleArchived    Lifecycle = "archived"
)

// Entry is a long-lived inventory entry owned by the persistence store.
type Entry struct {
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

	State               DeviceState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Lifecycle           Lifecycle   `json:"lifecycle"`
	// Version supports optimistic concurrency in stores; a stale version
	// surfaces as a write conflict.
	Version int64 `json:"version"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fingerprint is the weighted identity signature derived from a record's
// most reliable fields, normalized for comparison.
type Fingerprint struct {
	SerialNumber string `json:"serial_number,omitempty"`
	MACAddress   string `json:"mac_address,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Domain       string `json:"domain,omitempty"`
	IP           string `json:"ip,omitempty"`
}

// MatchType classifies a duplicate match beyond its numeric score.
type MatchType string

const (
	MatchExact           MatchType = "exact"
	MatchUserTransfer    MatchType = "user_transfer"
	MatchHardwareUpgrade MatchType = "hardware_upgrade"
	MatchNetworkChange   MatchType = "network_change"
	MatchSerialConflict  MatchType = "serial_conflict"
)

// DuplicateMatch scores one inventory candidate against a new fingerprint.
type DuplicateMatch struct {
	InventoryID   string    `json:"inventory_id"`
	Score         int       `json:"score"` // 0-100
	MatchedFields []string  `json:"matched_fields"`
	Type          MatchType `json:"match_type"`
}

// Action is the reconciliation outcome.
type Action string

const (
	ActionAutoMerge     Action = "auto_merge"
	ActionUpdateFlagged Action = "update_flagged"
	ActionCreate        Action = "create"
	ActionManualReview  Action = "manual_review"
)

// Decision is the reconciler's verdict for one incoming record.
type Decision struct {
	Action    Action `json:"action"`
	TargetID  string `json:"target_id,omitempty"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// AuditEntry is an immutable append-only record of one reconciliation
// decision, kept for traceability.
type AuditEntry struct {
	ID            string    `json:"id"`
	InventoryID   string    `json:"inventory_id"`
	Action        Action    `json:"action"`
	Score         int       `json:"score"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	Reasoning     string    `json:"reasoning"`
	LowConfidence bool      `json:"low_confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScanStatus tracks one scan job's progress, reported through the progress
// callback after every batch.
type ScanStatus struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"` // running, completed, cancelled, failed
	TotalTargets    int        `json:"total_targets"`
	TotalBatches    int        `json:"total_batches"`
	BatchesComplete int        `json:"batches_complete"`
	Alive           int        `json:"alive"`
	Dead            int        `json:"dead"`
	Collected       int        `json:"collected"`
	AutoMerged      int        `json:"auto_merged"`
	Flagged         int        `json:"flagged"`
	Created         int        `json:"created"`
	QueuedForReview int        `json:"queued_for_review"`
	Errors          int        `json:"errors"`
	StalledBatches  int        `json:"stalled_batches"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
