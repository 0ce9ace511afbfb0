package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/pkg/inventory"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry() *model.Entry {
	now := time.Now()
	return &model.Entry{
		IP:           "10.0.0.10",
		Hostname:     "ws-010",
		Domain:       "corp.example.com",
		MACAddress:   "aa:bb:cc:dd:ee:10",
		SerialNumber: "SN-0010",
		Family:       model.FamilyWindows,
		OSName:       "Windows 11 Pro",
		OSVersion:    "10.0.22631",
		AssignedUser: "alice",
		Hardware:     model.HardwareInfo{Processor: "Intel i7", MemoryMB: 16384},
		OpenPorts:    []int{135, 445, 5985},
		State:        model.StateAlive,
		Lifecycle:    model.LifecycleActive,
		FirstSeen:    now,
		LastSeen:     now,
	}
}

func TestUpsertCreatesEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry()
	result, err := store.Upsert(ctx, entry)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !result.Created {
		t.Error("Created = false, want true")
	}
	if result.InventoryID == "" {
		t.Fatal("InventoryID is empty")
	}
	if entry.Version != 1 {
		t.Errorf("Version = %d, want 1", entry.Version)
	}

	got, err := store.GetEntry(ctx, result.InventoryID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.Hostname != "ws-010" || got.SerialNumber != "SN-0010" {
		t.Errorf("got hostname %q serial %q", got.Hostname, got.SerialNumber)
	}
	if got.Hardware.MemoryMB != 16384 {
		t.Errorf("MemoryMB = %d, want 16384", got.Hardware.MemoryMB)
	}
	if len(got.OpenPorts) != 3 {
		t.Errorf("OpenPorts = %v, want 3 ports", got.OpenPorts)
	}
}

func TestUpsertUpdatesWithVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	entry.AssignedUser = "bob"
	result, err := store.Upsert(ctx, entry)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.Created {
		t.Error("Created = true, want false")
	}
	if entry.Version != 2 {
		t.Errorf("Version = %d, want 2", entry.Version)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.AssignedUser != "bob" {
		t.Errorf("AssignedUser = %q, want bob", got.AssignedUser)
	}
	if got.Version != 2 {
		t.Errorf("stored Version = %d, want 2", got.Version)
	}
}

func TestUpsertStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *entry
	entry.AssignedUser = "bob"
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale.AssignedUser = "carol"
	_, err := store.Upsert(ctx, &stale)
	if !errors.Is(err, inventory.ErrWriteConflict) {
		t.Fatalf("stale update error = %v, want ErrWriteConflict", err)
	}

	// The losing write must not have touched the row.
	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.AssignedUser != "bob" {
		t.Errorf("AssignedUser = %q, want bob", got.AssignedUser)
	}
}

func TestUpsertUnknownIDNotFound(t *testing.T) {
	store := newTestStore(t)

	entry := testEntry()
	entry.ID = uuid.New().String()
	entry.Version = 1
	_, err := store.Upsert(context.Background(), entry)
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetEntry(context.Background(), "missing")
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestQueryCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testEntry()
	if _, err := store.Upsert(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	second := testEntry()
	second.IP = "10.0.0.20"
	second.Hostname = "ws-020"
	second.MACAddress = "aa:bb:cc:dd:ee:20"
	second.SerialNumber = "SN-0020"
	if _, err := store.Upsert(ctx, second); err != nil {
		t.Fatalf("second: %v", err)
	}

	archived := testEntry()
	archived.IP = "10.0.0.30"
	archived.Hostname = "ws-030"
	archived.MACAddress = "aa:bb:cc:dd:ee:30"
	archived.SerialNumber = "SN-0030"
	archived.Lifecycle = model.LifecycleArchived
	if _, err := store.Upsert(ctx, archived); err != nil {
		t.Fatalf("archived: %v", err)
	}

	tests := []struct {
		name string
		fp   model.Fingerprint
		want int
	}{
		{"by serial", model.Fingerprint{SerialNumber: "SN-0010"}, 1},
		{"by mac", model.Fingerprint{MACAddress: "aa:bb:cc:dd:ee:20"}, 1},
		{"by hostname", model.Fingerprint{Hostname: "ws-010"}, 1},
		{"by ip", model.Fingerprint{IP: "10.0.0.20"}, 1},
		{"or across entries", model.Fingerprint{SerialNumber: "SN-0010", IP: "10.0.0.20"}, 2},
		{"archived excluded", model.Fingerprint{SerialNumber: "SN-0030"}, 0},
		{"no match", model.Fingerprint{SerialNumber: "SN-9999"}, 0},
		{"empty fields never match blanks", model.Fingerprint{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.QueryCandidates(ctx, tt.fp)
			if err != nil {
				t.Fatalf("QueryCandidates() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d candidates, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRecordProbeStateMachine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	const deadThreshold = 5

	for i := 1; i < deadThreshold; i++ {
		state, err := store.RecordProbe(ctx, entry.ID, false, deadThreshold)
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		if state != model.StateDead {
			t.Fatalf("after %d failures state = %q, want dead", i, state)
		}
	}

	// An alive probe resets the failure count.
	state, err := store.RecordProbe(ctx, entry.ID, true, deadThreshold)
	if err != nil {
		t.Fatalf("alive probe: %v", err)
	}
	if state != model.StateAlive {
		t.Fatalf("state = %q, want alive", state)
	}

	// It takes the full threshold again to go permanently dead.
	for i := 1; i <= deadThreshold; i++ {
		state, err = store.RecordProbe(ctx, entry.ID, false, deadThreshold)
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if state != model.StatePermanentlyDead {
		t.Fatalf("state = %q, want permanently dead", state)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.ConsecutiveFailures != deadThreshold {
		t.Errorf("ConsecutiveFailures = %d, want %d", got.ConsecutiveFailures, deadThreshold)
	}
}

func TestRecordProbeUnknownEntry(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RecordProbe(context.Background(), "missing", true, 5)
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStateByIP(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, id, err := store.StateByIP(ctx, "10.0.0.99")
	if err != nil {
		t.Fatalf("StateByIP() error = %v", err)
	}
	if state != model.StateUnknown || id != "" {
		t.Errorf("untracked IP = (%q, %q), want (unknown, empty)", state, id)
	}

	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, id, err = store.StateByIP(ctx, entry.IP)
	if err != nil {
		t.Fatalf("StateByIP() error = %v", err)
	}
	if state != model.StateAlive {
		t.Errorf("state = %q, want alive", state)
	}
	if id != entry.ID {
		t.Errorf("id = %q, want %q", id, entry.ID)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	audits := []*model.AuditEntry{
		{
			ID:          uuid.New().String(),
			InventoryID: entry.ID,
			Action:      model.ActionCreate,
			Score:       0,
			Reasoning:   "no candidates matched",
			CreatedAt:   base,
		},
		{
			ID:            uuid.New().String(),
			InventoryID:   entry.ID,
			Action:        model.ActionAutoMerge,
			Score:         100,
			ChangedFields: []string{"assigned_user"},
			Reasoning:     "exact fingerprint match",
			CreatedAt:     base.Add(time.Minute),
		},
		{
			ID:            uuid.New().String(),
			InventoryID:   entry.ID,
			Action:        model.ActionUpdateFlagged,
			Score:         72,
			LowConfidence: true,
			Reasoning:     "mid-confidence match",
			CreatedAt:     base.Add(2 * time.Minute),
		},
	}
	for _, a := range audits {
		if err := store.AppendAudit(ctx, a); err != nil {
			t.Fatalf("AppendAudit() error = %v", err)
		}
	}

	got, err := store.AuditForEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("AuditForEntry() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d audit entries, want 3", len(got))
	}
	// Newest first.
	if got[0].Action != model.ActionUpdateFlagged {
		t.Errorf("got[0].Action = %q, want update_flagged", got[0].Action)
	}
	if !got[0].LowConfidence {
		t.Error("got[0].LowConfidence = false, want true")
	}
	if got[1].Score != 100 {
		t.Errorf("got[1].Score = %d, want 100", got[1].Score)
	}
	if len(got[1].ChangedFields) != 1 || got[1].ChangedFields[0] != "assigned_user" {
		t.Errorf("got[1].ChangedFields = %v", got[1].ChangedFields)
	}
	if got[2].Action != model.ActionCreate {
		t.Errorf("got[2].Action = %q, want create", got[2].Action)
	}

	other, err := store.AuditForEntry(ctx, "some-other-entry")
	if err != nil {
		t.Fatalf("AuditForEntry(other) error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unrelated entry has %d audit rows", len(other))
	}
}

func TestReviewQueueLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	candidate := testEntry()
	if _, err := store.Upsert(ctx, candidate); err != nil {
		t.Fatalf("create: %v", err)
	}

	incoming := &model.DeviceRecord{
		IP:           "10.0.0.10",
		Hostname:     "ws-010-reimaged",
		SerialNumber: "SN-0010",
	}
	pair := inventory.ReviewPair{Incoming: incoming, CandidateID: candidate.ID}
	if err := store.Enqueue(ctx, pair, "serial matches but hostname diverges"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Enqueuing parks the candidate under review.
	parked, err := store.GetEntry(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if parked.Lifecycle != model.LifecycleUnderReview {
		t.Errorf("Lifecycle = %q, want under_review", parked.Lifecycle)
	}

	items, err := store.PendingReviews(ctx)
	if err != nil {
		t.Fatalf("PendingReviews() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d pending items, want 1", len(items))
	}
	item := items[0]
	if item.CandidateID != candidate.ID {
		t.Errorf("CandidateID = %q, want %q", item.CandidateID, candidate.ID)
	}
	if item.Incoming == nil || item.Incoming.Hostname != "ws-010-reimaged" {
		t.Errorf("Incoming = %+v", item.Incoming)
	}
	if item.Reasoning == "" {
		t.Error("Reasoning is empty")
	}

	if err := store.ResolveReview(ctx, item.ID, true); err != nil {
		t.Fatalf("ResolveReview() error = %v", err)
	}

	restored, err := store.GetEntry(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if restored.Lifecycle != model.LifecycleActive {
		t.Errorf("Lifecycle = %q, want active", restored.Lifecycle)
	}

	items, err = store.PendingReviews(ctx)
	if err != nil {
		t.Fatalf("PendingReviews() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d pending items after resolve, want 0", len(items))
	}

	// Resolving twice is a not-found, not a silent success.
	if err := store.ResolveReview(ctx, item.ID, true); !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("second resolve error = %v, want ErrNotFound", err)
	}
}

func TestResolveReviewArchives(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	candidate := testEntry()
	if _, err := store.Upsert(ctx, candidate); err != nil {
		t.Fatalf("create: %v", err)
	}

	pair := inventory.ReviewPair{
		Incoming:    &model.DeviceRecord{IP: candidate.IP, SerialNumber: candidate.SerialNumber},
		CandidateID: candidate.ID,
	}
	if err := store.Enqueue(ctx, pair, "duplicate hardware"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, err := store.PendingReviews(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("PendingReviews() = %d items, err %v", len(items), err)
	}

	if err := store.ResolveReview(ctx, items[0].ID, false); err != nil {
		t.Fatalf("ResolveReview() error = %v", err)
	}

	archived, err := store.GetEntry(ctx, candidate.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if archived.Lifecycle != model.LifecycleArchived {
		t.Errorf("Lifecycle = %q, want archived", archived.Lifecycle)
	}

	// Archived entries drop out of candidate queries and listings but stay
	// readable by ID.
	candidates, err := store.QueryCandidates(ctx, model.Fingerprint{SerialNumber: candidate.SerialNumber})
	if err != nil {
		t.Fatalf("QueryCandidates() error = %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("archived entry still matches candidates: %d", len(candidates))
	}
}

func TestResolveReviewUnknownID(t *testing.T) {
	store := newTestStore(t)
	err := store.ResolveReview(context.Background(), "missing", true)
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestListEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		entry := testEntry()
		entry.IP = ip
		entry.Hostname = ""
		entry.MACAddress = ""
		entry.SerialNumber = ""
		entry.LastSeen = now.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			entry.Lifecycle = model.LifecycleArchived
		}
		if _, err := store.Upsert(ctx, entry); err != nil {
			t.Fatalf("create %s: %v", ip, err)
		}
	}

	entries, err := store.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Most recently seen first.
	if entries[0].IP != "10.0.0.2" || entries[1].IP != "10.0.0.1" {
		t.Errorf("order = [%s, %s], want [10.0.0.2, 10.0.0.1]", entries[0].IP, entries[1].IP)
	}
}

func TestStoreReopens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	entry := testEntry()
	if _, err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() after reopen error = %v", err)
	}
	if got.SerialNumber != entry.SerialNumber {
		t.Errorf("SerialNumber = %q, want %q", got.SerialNumber, entry.SerialNumber)
	}
}
