package visibility

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity levels for journal entries.
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Categories of operational warnings recorded during batch processing.
const (
	CategoryVisibility     = "VISIBILITY_TIMEOUT"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryConcurrency    = "CONCURRENCY_LIMIT"
	CategoryDeadLetter     = "DEAD_LETTER"
)

// Entry is one recorded operational warning.
type Entry struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
}

// Journal is a capped in-memory record of operational warnings. When full
// it drops the oldest entry, so a misbehaving batch cannot grow it without
// bound.
type Journal struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	cap     int
}

// NewJournal returns a journal capped at 1000 entries.
func NewJournal() *Journal {
	return NewJournalWithCap(1000)
}

// NewJournalWithCap returns a journal with a custom entry cap.
func NewJournalWithCap(cap int) *Journal {
	return &Journal{
		entries: make(map[string]*Entry),
		cap:     cap,
	}
}

// Add records a new entry, evicting the oldest when at capacity.
func (j *Journal) Add(category, severity, message, source string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.cap {
		j.removeOldest()
	}

	id := uuid.New().String()
	j.entries[id] = &Entry{
		ID:        id,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// removeOldest drops the oldest entry. Callers hold the lock.
func (j *Journal) removeOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, e := range j.entries {
		if oldestID == "" || e.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = e.Timestamp
		}
	}
	if oldestID != "" {
		delete(j.entries, oldestID)
	}
}

// All returns every entry, newest first.
func (j *Journal) All() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sorted(nil)
}

// ByCategory returns entries of one category, newest first.
func (j *Journal) ByCategory(category string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sorted(func(e *Entry) bool {
		return strings.EqualFold(e.Category, category)
	})
}

// Unacknowledged returns entries not yet acknowledged, newest first.
func (j *Journal) Unacknowledged() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sorted(func(e *Entry) bool {
		return !e.Acknowledged
	})
}

func (j *Journal) sorted(filter func(*Entry) bool) []Entry {
	result := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if filter == nil || filter(e) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Timestamp.After(result[k].Timestamp)
	})
	return result
}

// Acknowledge marks an entry handled. It reports whether the id existed.
func (j *Journal) Acknowledge(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[id]
	if !ok {
		return false
	}
	e.Acknowledged = true
	return true
}

// ClearOlderThan drops entries older than the given age and returns how
// many were removed.
func (j *Journal) ClearOlderThan(age time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	threshold := time.Now().Add(-age)
	removed := 0
	for id, e := range j.entries {
		if e.Timestamp.Before(threshold) {
			delete(j.entries, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored entries.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
