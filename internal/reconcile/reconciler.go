// Package reconcile scores incoming device observations against the
// inventory and decides auto-merge, flagged update, create, or manual
// review. Merges never overwrite populated data with blanks.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/scoutd/internal/fingerprint"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/pkg/inventory"
)

const lockStripes = 64

// Options tunes the decision policy. Thresholds are configurable policy
// constants, defaulted to 85/70.
type Options struct {
	Weights        fingerprint.WeightTable
	MergeThreshold int
	FlagThreshold  int
}

// Reconciler owns DuplicateMatch and Decision production for one scan job.
// Writes to the same inventory identity are serialized through a striped
// lock; distinct identities reconcile fully in parallel.
type Reconciler struct {
	store inventory.Store
	queue inventory.ReviewQueue
	opts  Options

	locks [lockStripes]sync.Mutex
}

// New creates a reconciler over the given store and review queue.
func New(store inventory.Store, queue inventory.ReviewQueue, opts Options) *Reconciler {
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = 85
	}
	if opts.FlagThreshold <= 0 {
		opts.FlagThreshold = 70
	}
	if opts.Weights == (fingerprint.WeightTable{}) {
		opts.Weights = fingerprint.DefaultWeights()
	}
	return &Reconciler{store: store, queue: queue, opts: opts}
}

// Reconcile decides and applies the outcome for one incoming record.
// Only inventory.ErrUnreachable propagates; every other failure resolves
// into a decision.
func (r *Reconciler) Reconcile(ctx context.Context, record *model.DeviceRecord) (*model.Decision, error) {
	fp := fingerprint.Compute(record)

	candidates, err := r.store.QueryCandidates(ctx, fp)
	if err != nil {
		if errors.Is(err, inventory.ErrUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("querying candidates: %w", err)
	}

	// Serial conflict is never auto-resolved, regardless of score.
	if reason, holderID := serialConflict(fp, candidates); reason != "" {
		decision := &model.Decision{
			Action:    model.ActionManualReview,
			TargetID:  holderID,
			Reasoning: reason,
		}
		return decision, r.sendToReview(ctx, record, holderID, decision)
	}

	matches := fingerprint.Rank(candidates, fp, r.opts.Weights)
	if len(matches) == 0 {
		return r.create(ctx, record)
	}

	best := matches[0]

	// Hostname and IP get reassigned too freely to merge on alone, and a
	// sparse record (the fail-soft minimum is a bare IP) can still scale to
	// 100 against a populated entry. The threshold bands apply only when
	// the match carries a hardware-bound signal.
	if best.Score >= r.opts.FlagThreshold && !hardwareBacked(best.MatchedFields) {
		decision := &model.Decision{
			Action:   model.ActionManualReview,
			TargetID: best.InventoryID,
			Score:    best.Score,
			Reasoning: fmt.Sprintf("matched only volatile fields (%s, score %d); serial or mac required to merge",
				strings.Join(best.MatchedFields, ", "), best.Score),
		}
		return decision, r.sendToReview(ctx, record, best.InventoryID, decision)
	}

	switch {
	case best.Score >= r.opts.MergeThreshold:
		return r.merge(ctx, record, best, false)
	case best.Score >= r.opts.FlagThreshold:
		return r.merge(ctx, record, best, true)
	default:
		decision := &model.Decision{
			Action:   model.ActionManualReview,
			TargetID: best.InventoryID,
			Score:    best.Score,
			Reasoning: fmt.Sprintf("weak match (score %d): matched %s, diverged elsewhere",
				best.Score, strings.Join(best.MatchedFields, ", ")),
		}
		return decision, r.sendToReview(ctx, record, best.InventoryID, decision)
	}
}

func (r *Reconciler) create(ctx context.Context, record *model.DeviceRecord) (*model.Decision, error) {
	entry := entryFromRecord(record)

	result, err := r.store.Upsert(ctx, entry)
	if err != nil {
		if errors.Is(err, inventory.ErrWriteConflict) {
			decision := &model.Decision{Action: model.ActionManualReview, Reasoning: "create lost a write race"}
			return decision, r.sendToReview(ctx, record, "", decision)
		}
		return nil, err
	}

	decision := &model.Decision{
		Action:    model.ActionCreate,
		TargetID:  result.InventoryID,
		Reasoning: "no matching inventory candidate",
	}
	return decision, r.audit(ctx, result.InventoryID, decision, nil, false)
}

func (r *Reconciler) merge(ctx context.Context, record *model.DeviceRecord, match model.DuplicateMatch, flagged bool) (*model.Decision, error) {
	lock := &r.locks[stripe(match.InventoryID)]
	lock.Lock()
	defer lock.Unlock()

	var changed []string
	var tags []model.MatchType

	// A conflicted write means another writer bumped the entry version
	// after our read. Replaying the same merged entry would conflict
	// forever, so the retry re-reads and re-merges against fresh state.
	apply := func() error {
		existing, err := r.store.GetEntry(ctx, match.InventoryID)
		if err != nil {
			return err
		}
		merged, ch := Merge(existing, record)
		changed = ch
		tags = classify(existing, record)
		_, err = r.store.Upsert(ctx, merged)
		return err
	}

	err := apply()
	if errors.Is(err, inventory.ErrWriteConflict) {
		log.Warn("Inventory write conflict, re-merging against fresh state", "inventory_id", match.InventoryID)
		err = apply()
	}
	if err != nil {
		switch {
		case errors.Is(err, inventory.ErrUnreachable):
			return nil, err
		case errors.Is(err, inventory.ErrWriteConflict):
			decision := &model.Decision{
				Action:    model.ActionManualReview,
				TargetID:  match.InventoryID,
				Score:     match.Score,
				Reasoning: "persistent write conflict during merge",
			}
			return decision, r.sendToReview(ctx, record, match.InventoryID, decision)
		default:
			return nil, fmt.Errorf("merging into %s: %w", match.InventoryID, err)
		}
	}

	action := model.ActionAutoMerge
	if flagged {
		action = model.ActionUpdateFlagged
	}

	decision := &model.Decision{
		Action:    action,
		TargetID:  match.InventoryID,
		Score:     match.Score,
		Reasoning: reasoning(match, changed, tags),
	}
	return decision, r.audit(ctx, match.InventoryID, decision, changed, flagged)
}

func (r *Reconciler) sendToReview(ctx context.Context, record *model.DeviceRecord, candidateID string, decision *model.Decision) error {
	pair := inventory.ReviewPair{Incoming: record, CandidateID: candidateID}
	if err := r.queue.Enqueue(ctx, pair, decision.Reasoning); err != nil {
		return fmt.Errorf("enqueueing for review: %w", err)
	}
	return r.audit(ctx, candidateID, decision, nil, false)
}

func (r *Reconciler) audit(ctx context.Context, inventoryID string, decision *model.Decision, changed []string, lowConfidence bool) error {
	entry := &model.AuditEntry{
		ID:            uuid.New().String(),
		InventoryID:   inventoryID,
		Action:        decision.Action,
		Score:         decision.Score,
		ChangedFields: changed,
		Reasoning:     decision.Reasoning,
		LowConfidence: lowConfidence,
		CreatedAt:     time.Now(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		if errors.Is(err, inventory.ErrUnreachable) {
			return err
		}
		log.Error("Failed to append audit entry", "inventory_id", inventoryID, "error", err)
	}
	return nil
}

// serialConflict reports a non-empty reasoning when the incoming serial is
// already attached to two or more inventory entries that disagree on MAC
// or hostname among themselves. The first holder's ID is returned so the
// review item references a concrete entry; the rest are named in the
// reasoning.
func serialConflict(fp model.Fingerprint, candidates []model.Entry) (string, string) {
	if fp.SerialNumber == "" {
		return "", ""
	}

	var holders []*model.Entry
	for i := range candidates {
		if fingerprint.FromEntry(&candidates[i]).SerialNumber == fp.SerialNumber {
			holders = append(holders, &candidates[i])
		}
	}
	if len(holders) < 2 {
		return "", ""
	}

	for _, h := range holders[1:] {
		if h.MACAddress != holders[0].MACAddress || h.Hostname != holders[0].Hostname {
			others := make([]string, 0, len(holders)-1)
			for _, o := range holders[1:] {
				others = append(others, o.ID)
			}
			reason := fmt.Sprintf("serial %s held by %d inventory entries with diverging mac/hostname (also %s)",
				fp.SerialNumber, len(holders), strings.Join(others, ", "))
			return reason, holders[0].ID
		}
	}
	return "", ""
}

// hardwareBacked reports whether a matched field set includes the serial
// number or MAC address.
func hardwareBacked(fields []string) bool {
	for _, f := range fields {
		if f == fingerprint.FieldSerial || f == fingerprint.FieldMAC {
			return true
		}
	}
	return false
}

// classify derives informational tags layered on a merge outcome.
func classify(existing *model.Entry, incoming *model.DeviceRecord) []model.MatchType {
	var tags []model.MatchType

	if differs(existing.AssignedUser, incoming.AssignedUser) {
		tags = append(tags, model.MatchUserTransfer)
	}
	if differs(existing.Hardware.Processor, incoming.Hardware.Processor) ||
		(existing.Hardware.MemoryMB > 0 && incoming.Hardware.MemoryMB > 0 && existing.Hardware.MemoryMB != incoming.Hardware.MemoryMB) {
		tags = append(tags, model.MatchHardwareUpgrade)
	}
	if differs(existing.IP, incoming.IP) || differs(existing.Hostname, incoming.Hostname) {
		tags = append(tags, model.MatchNetworkChange)
	}

	return tags
}

func differs(existing, incoming string) bool {
	return existing != "" && incoming != "" && !strings.EqualFold(existing, incoming)
}

func reasoning(match model.DuplicateMatch, changed []string, tags []model.MatchType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "matched %s (score %d)", strings.Join(match.MatchedFields, ", "), match.Score)
	if len(changed) > 0 {
		fmt.Fprintf(&b, "; updated %s", strings.Join(changed, ", "))
	}
	for _, tag := range tags {
		fmt.Fprintf(&b, "; %s", tag)
	}
	return b.String()
}

func stripe(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}
