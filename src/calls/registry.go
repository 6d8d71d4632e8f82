// Package calls tracks call lifecycle and owns the best-effort
// persistence contracts for transcripts and turn metrics.
package calls

import (
	"fmt"
	"sync"
	"time"
)

// Status is a call's lifecycle state. Transitions only move forward:
// starting -> live -> ended. ended is terminal.
type Status string

const (
	StatusStarting Status = "starting"
	StatusLive     Status = "live"
	StatusEnded    Status = "ended"
)

var statusRank = map[Status]int{
	StatusStarting: 0,
	StatusLive:     1,
	StatusEnded:    2,
}

// CallRecord is the authoritative in-process record of one call.
type CallRecord struct {
	ID           string
	From         string
	To           string
	AgentID      int // 0 means no agent
	Voice        string
	PromptID     string
	Status       Status
	StartedAt    time.Time
	EndedAt      time.Time
	RecordingURL string
}

// Patch is a partial update applied to a CallRecord. Nil fields are
// left unchanged.
type Patch struct {
	Status       *Status
	EndedAt      *time.Time
	RecordingURL *string
	Voice        *string
	AgentID      *int
	PromptID     *string
}

// Registry is the mutex-guarded in-process call table. It is shared
// by every session and is the only cross-session mutable state
// besides the session registry itself.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]CallRecord
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]CallRecord)}
}

// Upsert inserts or replaces a record. Status regressions against an
// existing record are refused: a call never leaves ended, and live
// never returns to starting.
func (r *Registry) Upsert(rec CallRecord) error {
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.calls[rec.ID]; ok {
		if statusRank[rec.Status] < statusRank[existing.Status] {
			return fmt.Errorf("call %s: status %s cannot follow %s", rec.ID, rec.Status, existing.Status)
		}
		// Preserve routing fields the caller did not re-supply.
		if rec.AgentID == 0 {
			rec.AgentID = existing.AgentID
		}
		if rec.Voice == "" {
			rec.Voice = existing.Voice
		}
		if rec.PromptID == "" {
			rec.PromptID = existing.PromptID
		}
		if rec.From == "" {
			rec.From = existing.From
		}
		if rec.To == "" {
			rec.To = existing.To
		}
	}
	r.calls[rec.ID] = rec
	return nil
}

// Update applies a patch to a record, creating a starting record if
// none exists. Forward-only status transitions are enforced;
// repeating the current status is a no-op, not an error, so cleanup
// can run idempotently.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.calls[id]
	if !ok {
		rec = CallRecord{ID: id, Status: StatusStarting, StartedAt: time.Now()}
	}

	if patch.Status != nil {
		next := *patch.Status
		if statusRank[next] < statusRank[rec.Status] {
			return fmt.Errorf("call %s: status %s cannot follow %s", id, next, rec.Status)
		}
		rec.Status = next
	}
	if patch.EndedAt != nil {
		rec.EndedAt = *patch.EndedAt
	}
	if patch.RecordingURL != nil {
		rec.RecordingURL = *patch.RecordingURL
	}
	if patch.Voice != nil {
		rec.Voice = *patch.Voice
	}
	if patch.AgentID != nil {
		rec.AgentID = *patch.AgentID
	}
	if patch.PromptID != nil {
		rec.PromptID = *patch.PromptID
	}

	r.calls[id] = rec
	return nil
}

// Get returns a copy of the record, or nil if unknown.
func (r *Registry) Get(id string) *CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.calls[id]
	if !ok {
		return nil
	}
	return &rec
}

// Live returns all calls that have not ended.
func (r *Registry) Live() []CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CallRecord
	for _, rec := range r.calls {
		if rec.Status != StatusEnded {
			out = append(out, rec)
		}
	}
	return out
}
