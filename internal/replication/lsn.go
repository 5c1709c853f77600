package replication

import (
	"sort"
	"sync"

	"github.com/jackc/pglogrepl"
)

// lsnTracker decides how far the subscription may confirm its position to
// the server. Commit records raise a ceiling, but every dispatched insert
// pins the flush position below its own WAL location until the processor
// resolves it. A message still in flight is therefore replayed after a
// crash or restart instead of being confirmed away with its transaction.
type lsnTracker struct {
	mu      sync.Mutex
	pending []pglogrepl.LSN // WAL positions of unresolved inserts, sorted ascending
	ceiling pglogrepl.LSN   // highest commit position seen
	acked   pglogrepl.LSN   // last position handed to the server
}

// Dispatch registers an insert that is about to be processed.
func (t *lsnTracker) Dispatch(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= lsn })
	t.pending = append(t.pending, 0)
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = lsn
}

// Resolve removes a dispatched insert once the processor is done with it.
func (t *lsnTracker) Resolve(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i] >= lsn })
	if i < len(t.pending) && t.pending[i] == lsn {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
	}
}

// Commit records a transaction's commit position. It becomes confirmable
// only once no dispatched insert below it remains unresolved.
func (t *lsnTracker) Commit(lsn pglogrepl.LSN) {
	t.mu.Lock()
	if lsn > t.ceiling {
		t.ceiling = lsn
	}
	t.mu.Unlock()
}

// Flush returns the position safe to confirm: everything below the oldest
// unresolved insert, or the last commit when nothing is in flight. The
// returned position never moves backwards.
func (t *lsnTracker) Flush() pglogrepl.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	candidate := t.ceiling
	if len(t.pending) > 0 && t.pending[0] <= candidate {
		if t.pending[0] == 0 {
			candidate = 0
		} else {
			candidate = t.pending[0] - 1
		}
	}
	if candidate > t.acked {
		t.acked = candidate
	}
	return t.acked
}
