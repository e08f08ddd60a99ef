// Package auditlog records the outcome of every routed message.
//
// An [Entry] says which provider was selected, which stage answered, how
// many attempts it took, and which error kind ended each failed stage. It
// never contains message text, images, or credentials.
//
// [PostgresLog] persists entries; [MemoryLog] keeps the most recent ones in
// process; [Nop] discards them.
package auditlog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// Outcome values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Entry is one routed message.
type Entry struct {
	RequestID string `json:"request_id"`

	// Provider is the provider the user had selected. Empty when none
	// resolved.
	Provider chat.ProviderID `json:"provider,omitempty"`

	// Source is the stage that answered. Empty on failure.
	Source chat.ProviderID `json:"source,omitempty"`

	Model    string         `json:"model,omitempty"`
	Outcome  string         `json:"outcome"`
	Kind     chat.ErrorKind `json:"kind"`
	Attempts int            `json:"attempts"`
	Elapsed  time.Duration  `json:"elapsed_ns"`

	Stages   []chat.StageResult `json:"stages,omitempty"`
	HasImage bool               `json:"has_image"`

	// PageHost is the host of the page the user was on, without path or
	// query.
	PageHost string `json:"page_host,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Log stores entries.
type Log interface {
	// Record stores e. Implementations set CreatedAt when it is zero.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Nop discards every entry.
type Nop struct{}

// Record implements Log.
func (Nop) Record(context.Context, Entry) error { return nil }

// Recent implements Log.
func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

// DefaultMemoryCapacity is the number of entries a MemoryLog keeps.
const DefaultMemoryCapacity = 200

// MemoryLog keeps the newest entries in a fixed-size ring.
type MemoryLog struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
	now  func() time.Time
}

// NewMemoryLog returns a log holding up to capacity entries. A non-positive
// capacity uses DefaultMemoryCapacity.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLog{buf: make([]Entry, capacity), now: time.Now}
}

// Record implements Log.
func (m *MemoryLog) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.Stages = slices.Clone(e.Stages)
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent implements Log.
func (m *MemoryLog) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		e := m.buf[idx]
		e.Stages = slices.Clone(e.Stages)
		out = append(out, e)
	}
	return out, nil
}

var (
	_ Log = Nop{}
	_ Log = (*MemoryLog)(nil)
)
