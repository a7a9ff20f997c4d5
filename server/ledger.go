package server

import (
	"sync"

	"mini-drb/message"
)

// ledger counts, per connection, the references handed out over it minus
// the references its peer released. Counts can go negative for refs the
// peer obtained some other way, such as the root export.
type ledger struct {
	mu   sync.Mutex
	refs map[message.RemoteRef]int64
}

func newLedger() *ledger {
	return &ledger{refs: make(map[message.RemoteRef]int64)}
}

func (l *ledger) add(ref message.RemoteRef, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs[ref] += n
	if l.refs[ref] == 0 {
		delete(l.refs, ref)
	}
}

// drain returns the positive balances and empties the ledger.
func (l *ledger) drain() map[message.RemoteRef]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[message.RemoteRef]uint64)
	for ref, n := range l.refs {
		if n > 0 {
			out[ref] = uint64(n)
		}
	}
	l.refs = make(map[message.RemoteRef]int64)
	return out
}
