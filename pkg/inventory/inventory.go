// Package inventory defines the persistence collaborator contract the scan
// engine reconciles against. The engine assumes nothing about a store's
// internal schema beyond these interfaces.
package inventory

import (
	"context"
	"errors"

	"github.com/martinsuchenak/scoutd/internal/model"
)

var (
	// ErrNotFound is returned when an inventory entry does not exist.
	ErrNotFound = errors.New("inventory entry not found")
	// ErrWriteConflict is returned when a concurrent write invalidated an
	// upsert. The reconciler retries once, then escalates to manual review.
	ErrWriteConflict = errors.New("inventory write conflict")
	// ErrUnreachable is returned when the store itself cannot be reached.
	// This is the only error that halts a scan job.
	ErrUnreachable = errors.New("inventory store unreachable")
)

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	InventoryID string
	Created     bool
}

// Store is the opaque inventory persistence contract.
type Store interface {
	// Upsert creates the entry if it has no ID, otherwise merges it into
	// the existing entry with that ID.
	Upsert(ctx context.Context, entry *model.Entry) (*UpsertResult, error)

	// QueryCandidates returns existing entries that share at least one
	// identity field with the fingerprint, for duplicate scoring.
	QueryCandidates(ctx context.Context, fp model.Fingerprint) ([]model.Entry, error)

	// GetEntry fetches one entry by inventory ID.
	GetEntry(ctx context.Context, id string) (*model.Entry, error)

	// RecordProbe updates an entry's liveness state machine from one scan
	// cycle's probe outcome and returns the resulting state. deadThreshold
	// is the consecutive-failure count that makes a dead host permanent.
	RecordProbe(ctx context.Context, id string, alive bool, deadThreshold int) (model.DeviceState, error)

	// StateByIP returns the persisted liveness state for an address, or
	// StateUnknown for addresses not yet in the inventory.
	StateByIP(ctx context.Context, ip string) (model.DeviceState, string, error)

	// AppendAudit appends one immutable audit entry.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
}

// ReviewPair holds both sides of an ambiguous reconciliation for human
// resolution.
type ReviewPair struct {
	Incoming    *model.DeviceRecord `json:"incoming"`
	CandidateID string              `json:"candidate_id,omitempty"`
}

// ReviewQueue receives reconciliations the engine refuses to auto-resolve.
// Consumed by external review tooling.
type ReviewQueue interface {
	Enqueue(ctx context.Context, pair ReviewPair, reasoning string) error
}
