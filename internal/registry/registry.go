// Package registry is the authoritative in-memory store of sandboxes.
//
// Callers never see internal records: every read returns a copy, and every
// mutation goes through Update or Transition under the registry lock.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// MaxLogEntries bounds the per-sandbox log; the oldest entries are dropped.
const MaxLogEntries = 200

var (
	// ErrNotFound is returned for ids that are not registered.
	ErrNotFound = errors.New("sandbox not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the allowed moves. Any state may move to error except
// stopped, and stopped is reachable from everywhere through delete.
var transitions = map[models.SandboxStatus][]models.SandboxStatus{
	models.StatusInitializing: {models.StatusRunning, models.StatusError, models.StatusStopped},
	models.StatusRunning:      {models.StatusError, models.StatusStopped},
	models.StatusError:        {models.StatusError, models.StatusStopped},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to models.SandboxStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry is a thread-safe sandbox store with monotonically assigned ids.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*models.Sandbox
	lastID  int64
	now     func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[int64]*models.Sandbox),
		now:     time.Now,
	}
}

// Register stores a new sandbox in the initializing state and returns its
// snapshot. The id field of the template is ignored and assigned here.
func (r *Registry) Register(tmpl models.Sandbox) models.Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	now := r.now()

	sb := tmpl.Clone()
	sb.ID = r.lastID
	sb.Status = models.StatusInitializing
	sb.CreatedAt = now
	sb.UpdatedAt = now
	if sb.Identity != nil {
		sb.AccountEmail = sb.Identity.Email
	}

	r.entries[sb.ID] = &sb
	return sb.Clone()
}

// Get returns a snapshot of one sandbox
func (r *Registry) Get(id int64) (models.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sb, ok := r.entries[id]
	if !ok {
		return models.Sandbox{}, fmt.Errorf("sandbox %d: %w", id, ErrNotFound)
	}
	return sb.Clone(), nil
}

// List returns snapshots of every sandbox ordered by id
func (r *Registry) List() []models.Sandbox {
	r.mu.RLock()
	out := make([]models.Sandbox, 0, len(r.entries))
	for _, sb := range r.entries {
		out = append(out, sb.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sandboxes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Update applies fn to the stored record under the write lock. fn must not
// change the id or the status; use Transition for status changes.
func (r *Registry) Update(id int64, fn func(*models.Sandbox)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("sandbox %d: %w", id, ErrNotFound)
	}

	status, sid := sb.Status, sb.ID
	fn(sb)
	sb.ID, sb.Status = sid, status
	sb.UpdatedAt = r.now()
	return nil
}

// Transition moves a sandbox to a new status and records message as both
// the current message and a log entry.
func (r *Registry) Transition(id int64, to models.SandboxStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("sandbox %d: %w", id, ErrNotFound)
	}
	if !CanTransition(sb.Status, to) {
		return fmt.Errorf("sandbox %d %s -> %s: %w", id, sb.Status, to, ErrInvalidTransition)
	}

	sb.Status = to
	if to == models.StatusError {
		sb.Error = message
	}
	if message != "" {
		sb.Message = message
		r.appendLog(sb, message)
	}
	sb.UpdatedAt = r.now()
	return nil
}

// Log appends a timestamped entry to a sandbox's log
func (r *Registry) Log(id int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("sandbox %d: %w", id, ErrNotFound)
	}
	r.appendLog(sb, text)
	return nil
}

func (r *Registry) appendLog(sb *models.Sandbox, text string) {
	entry := fmt.Sprintf("[%s] %s", r.now().UTC().Format("15:04:05"), text)
	sb.Logs = append(sb.Logs, entry)
	if n := len(sb.Logs); n > MaxLogEntries {
		sb.Logs = append([]string(nil), sb.Logs[n-MaxLogEntries:]...)
	}
}

// Remove deletes a sandbox and returns its final snapshot
func (r *Registry) Remove(id int64) (models.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.entries[id]
	if !ok {
		return models.Sandbox{}, fmt.Errorf("sandbox %d: %w", id, ErrNotFound)
	}
	delete(r.entries, id)
	return sb.Clone(), nil
}

// CountByStatus returns the number of sandboxes in each status
func (r *Registry) CountByStatus() map[models.SandboxStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.SandboxStatus]int)
	for _, sb := range r.entries {
		out[sb.Status]++
	}
	return out
}
