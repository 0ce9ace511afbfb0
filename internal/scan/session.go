package scan

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinsuchenak/scoutd/internal/model"
)

// Progress receives a status snapshot after every completed batch and at
// job completion. The engine is headless; whatever presentation layer is
// attached consumes these.
type Progress func(status model.ScanStatus)

// Session threads one scan job's counters and statistics through every
// pipeline stage. All mutation goes through its methods; there is no
// package-level scan state.
type Session struct {
	mu       sync.Mutex
	status   model.ScanStatus
	progress Progress
	lastBeat time.Time
}

// NewSession creates a session for one scan job.
func NewSession(progress Progress) *Session {
	now := time.Now()
	return &Session{
		status: model.ScanStatus{
			ID:        newID(),
			Status:    "running",
			StartedAt: &now,
		},
		progress: progress,
		lastBeat: now,
	}
}

// Touch records forward progress for the batch watchdog.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// SinceBeat reports how long ago the session last made progress.
func (s *Session) SinceBeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastBeat)
}

// Update applies fn to the status under the session lock.
func (s *Session) Update(fn func(*model.ScanStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

// CountDecision tallies one reconciliation outcome.
func (s *Session) CountDecision(action model.Action) {
	s.Update(func(st *model.ScanStatus) {
		switch action {
		case model.ActionAutoMerge:
			st.AutoMerged++
		case model.ActionUpdateFlagged:
			st.Flagged++
		case model.ActionCreate:
			st.Created++
		case model.ActionManualReview:
			st.QueuedForReview++
		}
	})
}

// Report invokes the progress callback with a snapshot.
func (s *Session) Report() {
	if s.progress == nil {
		return
	}
	s.progress(s.Snapshot())
}

// Snapshot returns a copy of the current status.
func (s *Session) Snapshot() model.ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Finish marks the job done and emits a final report.
func (s *Session) Finish(state string) model.ScanStatus {
	now := time.Now()
	s.Update(func(st *model.ScanStatus) {
		st.Status = state
		st.CompletedAt = &now
	})
	s.Report()
	return s.Snapshot()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
