// Package dedup decides which items the pipeline may act on: the
// watermark separates items that arrived after process start from the
// backlog, and the ledger guarantees each id is acted on at most once per
// process lifetime.
package dedup

import (
	"sync"
	"time"
)

// Watermark is the process-start cutoff. It is fixed at construction.
type Watermark struct {
	at time.Time
}

// NewWatermark fixes the cutoff at t, normalized to UTC.
func NewWatermark(t time.Time) Watermark {
	return Watermark{at: t.UTC()}
}

// At returns the cutoff instant.
func (w Watermark) At() time.Time { return w.at }

// IsNew reports whether receivedAt is strictly after the cutoff. The zero
// time, which is what unparseable provider dates normalize to, is never new.
func (w Watermark) IsNew(receivedAt time.Time) bool {
	if receivedAt.IsZero() {
		return false
	}
	return receivedAt.After(w.at)
}

// Ledger is an append-only, process-lifetime set of handled ids. It has no
// eviction; memory grows with the number of distinct ids seen.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// MarkIfUnseen records id and returns true only the first time id is seen.
func (l *Ledger) MarkIfUnseen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	return true
}

// Seen reports whether id has been recorded without recording it.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.seen[id]
	return ok
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
