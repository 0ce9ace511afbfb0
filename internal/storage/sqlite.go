// Package storage provides the default SQLite-backed implementation of the
// inventory store and review queue contracts.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/pkg/inventory"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStore implements inventory.Store and inventory.ReviewQueue with a
// SQLite backend.
type SQLiteStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

var (
	_ inventory.Store       = (*SQLiteStore)(nil)
	_ inventory.ReviewQueue = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the inventory database under
// dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "inventory.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert creates the entry when it carries no ID, otherwise replaces the
// stored entry under optimistic concurrency: a stale version returns
// inventory.ErrWriteConflict.
func (s *SQLiteStore) Upsert(ctx context.Context, entry *model.Entry) (*inventory.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
		entry.Version = 1
		if err := s.insert(ctx, entry); err != nil {
			return nil, wrapDBErr(err)
		}
		return &inventory.UpsertResult{InventoryID: entry.ID, Created: true}, nil
	}

	hardware, openPorts, err := encodeDetail(entry)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_entries SET
			ip = ?, hostname = ?, domain = ?, mac_address = ?, serial_number = ?,
			family = ?, os_name = ?, os_version = ?, assigned_user = ?,
			hardware = ?, open_ports = ?, state = ?, consecutive_failures = ?,
			lifecycle = ?, version = version + 1, last_seen = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		entry.IP, entry.Hostname, entry.Domain, entry.MACAddress, entry.SerialNumber,
		string(entry.Family), entry.OSName, entry.OSVersion, entry.AssignedUser,
		hardware, openPorts, string(entry.State), entry.ConsecutiveFailures,
		string(entry.Lifecycle), entry.LastSeen, time.Now(),
		entry.ID, entry.Version)
	if err != nil {
		return nil, wrapDBErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrapDBErr(err)
	}
	if affected == 0 {
		// Either a concurrent writer bumped the version or the entry is
		// missing entirely.
		if _, err := s.getEntryLocked(ctx, entry.ID); err != nil {
			return nil, err
		}
		return nil, inventory.ErrWriteConflict
	}

	entry.Version++
	return &inventory.UpsertResult{InventoryID: entry.ID, Created: false}, nil
}

func (s *SQLiteStore) insert(ctx context.Context, entry *model.Entry) error {
	hardware, openPorts, err := encodeDetail(entry)
	if err != nil {
		return err
	}

	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.State == "" {
		entry.State = model.StateUnknown
	}
	if entry.Lifecycle == "" {
		entry.Lifecycle = model.LifecycleNew
	}
	if entry.Family == "" {
		entry.Family = model.FamilyUnknown
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inventory_entries (
			id, ip, hostname, domain, mac_address, serial_number, family,
			os_name, os_version, assigned_user, hardware, open_ports,
			state, consecutive_failures, lifecycle, version,
			first_seen, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.IP, entry.Hostname, entry.Domain, entry.MACAddress,
		entry.SerialNumber, string(entry.Family), entry.OSName, entry.OSVersion,
		entry.AssignedUser, hardware, openPorts, string(entry.State),
		entry.ConsecutiveFailures, string(entry.Lifecycle), entry.Version,
		entry.FirstSeen, entry.LastSeen, entry.CreatedAt, now)
	return err
}

// QueryCandidates returns non-archived entries sharing at least one
// identity field with the fingerprint.
func (s *SQLiteStore) QueryCandidates(ctx context.Context, fp model.Fingerprint) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM inventory_entries
		WHERE lifecycle != 'archived' AND (
			(serial_number != '' AND serial_number = ?) OR
			(mac_address != '' AND mac_address = ?) OR
			(hostname != '' AND hostname = ?) OR
			(ip != '' AND ip = ?)
		)`,
		fp.SerialNumber, fp.MACAddress, fp.Hostname, fp.IP)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// GetEntry fetches one entry by inventory ID.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntryLocked(ctx, id)
}

func (s *SQLiteStore) getEntryLocked(ctx context.Context, id string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM inventory_entries WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrNotFound
	}
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return entry, nil
}

// RecordProbe advances the liveness state machine for one scan cycle.
// An alive probe resets the failure count; a failed probe increments it,
// crossing deadThreshold transitions the entry to PERMANENTLY_DEAD.
func (s *SQLiteStore) RecordProbe(ctx context.Context, id string, alive bool, deadThreshold int) (model.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.getEntryLocked(ctx, id)
	if err != nil {
		return model.StateUnknown, err
	}

	if alive {
		entry.State = model.StateAlive
		entry.ConsecutiveFailures = 0
	} else {
		entry.ConsecutiveFailures++
		entry.State = model.StateDead
		if entry.ConsecutiveFailures >= deadThreshold {
			entry.State = model.StatePermanentlyDead
		}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE inventory_entries
		SET state = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ?`,
		string(entry.State), entry.ConsecutiveFailures, time.Now(), id)
	if err != nil {
		return model.StateUnknown, wrapDBErr(err)
	}
	return entry.State, nil
}

// StateByIP returns the persisted liveness state for an address, or
// StateUnknown for addresses not yet tracked.
func (s *SQLiteStore) StateByIP(ctx context.Context, ip string) (model.DeviceState, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state, id string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, id FROM inventory_entries
		WHERE ip = ? AND lifecycle != 'archived'
		ORDER BY updated_at DESC LIMIT 1`, ip).Scan(&state, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StateUnknown, "", nil
	}
	if err != nil {
		return model.StateUnknown, "", wrapDBErr(err)
	}
	return model.DeviceState(state), id, nil
}

// AppendAudit appends one immutable audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := json.Marshal(entry.ChangedFields)
	if err != nil {
		return fmt.Errorf("encoding changed fields: %w", err)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, inventory_id, action, score, changed_fields, reasoning, low_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InventoryID, string(entry.Action), entry.Score,
		string(changed), entry.Reasoning, boolToInt(entry.LowConfidence), entry.CreatedAt)
	return wrapDBErr(err)
}

// AuditForEntry lists audit history for one inventory entry, newest first.
func (s *SQLiteStore) AuditForEntry(ctx context.Context, inventoryID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inventory_id, action, score, changed_fields, reasoning, low_confidence, created_at
		FROM audit_entries WHERE inventory_id = ? ORDER BY created_at DESC`, inventoryID)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var action, changed string
		var lowConfidence int
		if err := rows.Scan(&e.ID, &e.InventoryID, &action, &e.Score, &changed, &e.Reasoning, &lowConfidence, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		e.LowConfidence = lowConfidence != 0
		if err := json.Unmarshal([]byte(changed), &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("decoding changed fields: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Enqueue implements inventory.ReviewQueue.
func (s *SQLiteStore) Enqueue(ctx context.Context, pair inventory.ReviewPair, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming, err := json.Marshal(pair.Incoming)
	if err != nil {
		return fmt.Errorf("encoding incoming record: %w", err)
	}

	// Moving the candidate under review keeps it out of auto-merge paths
	// until a human resolves it.
	if pair.CandidateID != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE inventory_entries SET lifecycle = ?, updated_at = ?
			WHERE id = ? AND lifecycle != 'archived'`,
			string(model.LifecycleUnderReview), time.Now(), pair.CandidateID)
		if err != nil {
			return wrapDBErr(err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, incoming, candidate_id, reasoning, resolved, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		uuid.New().String(), string(incoming), pair.CandidateID, reasoning, time.Now())
	return wrapDBErr(err)
}

// ReviewItem is one pending entry in the review queue.
type ReviewItem struct {
	ID          string              `json:"id"`
	Incoming    *model.DeviceRecord `json:"incoming"`
	CandidateID string              `json:"candidate_id,omitempty"`
	Reasoning   string              `json:"reasoning"`
	CreatedAt   time.Time           `json:"created_at"`
}

// PendingReviews lists unresolved review queue items, oldest first.
func (s *SQLiteStore) PendingReviews(ctx context.Context) ([]ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incoming, candidate_id, reasoning, created_at
		FROM review_queue WHERE resolved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var items []ReviewItem
	for rows.Next() {
		var item ReviewItem
		var incoming string
		if err := rows.Scan(&item.ID, &incoming, &item.CandidateID, &item.Reasoning, &item.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(incoming), &item.Incoming); err != nil {
			return nil, fmt.Errorf("decoding review item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResolveReview marks a review item resolved and returns its candidate to
// ACTIVE (keep=true) or ARCHIVED. Archived entries keep their history;
// nothing is hard-deleted.
func (s *SQLiteStore) ResolveReview(ctx context.Context, reviewID string, keep bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidateID string
	err := s.db.QueryRowContext(ctx,
		`SELECT candidate_id FROM review_queue WHERE id = ? AND resolved = 0`, reviewID).Scan(&candidateID)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.ErrNotFound
	}
	if err != nil {
		return wrapDBErr(err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE review_queue SET resolved = 1 WHERE id = ?`, reviewID); err != nil {
		return wrapDBErr(err)
	}

	if candidateID == "" {
		return nil
	}

	lifecycle := model.LifecycleActive
	if !keep {
		lifecycle = model.LifecycleArchived
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE inventory_entries SET lifecycle = ?, updated_at = ?
		WHERE id = ? AND lifecycle = ?`,
		string(lifecycle), time.Now(), candidateID, string(model.LifecycleUnderReview))
	return wrapDBErr(err)
}

// ListEntries returns all non-archived entries, most recently seen first.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM inventory_entries
		WHERE lifecycle != 'archived' ORDER BY last_seen DESC`)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

const entryColumns = `id, ip, hostname, domain, mac_address, serial_number, family,
	os_name, os_version, assigned_user, hardware, open_ports,
	state, consecutive_failures, lifecycle, version,
	first_seen, last_seen, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.Entry, error) {
	var entry model.Entry
	var family, state, lifecycle, hardware, openPorts string
	var firstSeen, lastSeen sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.IP, &entry.Hostname, &entry.Domain, &entry.MACAddress,
		&entry.SerialNumber, &family, &entry.OSName, &entry.OSVersion,
		&entry.AssignedUser, &hardware, &openPorts, &state,
		&entry.ConsecutiveFailures, &lifecycle, &entry.Version,
		&firstSeen, &lastSeen, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}

	entry.Family = model.DeviceFamily(family)
	entry.State = model.DeviceState(state)
	entry.Lifecycle = model.Lifecycle(lifecycle)
	if firstSeen.Valid {
		entry.FirstSeen = firstSeen.Time
	}
	if lastSeen.Valid {
		entry.LastSeen = lastSeen.Time
	}
	if err := json.Unmarshal([]byte(hardware), &entry.Hardware); err != nil {
		return nil, fmt.Errorf("decoding hardware: %w", err)
	}
	if err := json.Unmarshal([]byte(openPorts), &entry.OpenPorts); err != nil {
		return nil, fmt.Errorf("decoding open ports: %w", err)
	}
	return &entry, nil
}

func encodeDetail(entry *model.Entry) (hardware, openPorts string, err error) {
	h, err := json.Marshal(entry.Hardware)
	if err != nil {
		return "", "", fmt.Errorf("encoding hardware: %w", err)
	}
	ports := entry.OpenPorts
	if ports == nil {
		ports = []int{}
	}
	p, err := json.Marshal(ports)
	if err != nil {
		return "", "", fmt.Errorf("encoding open ports: %w", err)
	}
	return string(h), string(p), nil
}

// wrapDBErr maps low-level database failures onto the store contract.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", inventory.ErrUnreachable, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
