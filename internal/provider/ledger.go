// Package provider holds helpers shared by the channel provider
// implementations.
package provider

import (
	"sync"

	"notifyd/internal/notify"
)

// Ledger is a bounded delivery-status log backing VerifyDelivery.
// Unseen ids report StatusUnknown. When the cap is exceeded the oldest
// entry is evicted.
type Ledger struct {
	mu     sync.RWMutex
	status map[string]notify.Status
	order  []string
	max    int
}

func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = 1000
	}
	return &Ledger{status: map[string]notify.Status{}, max: max}
}

func (l *Ledger) Record(id string, st notify.Status) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.status[id]; !seen {
		l.order = append(l.order, id)
		for len(l.order) > l.max {
			oldest := l.order[0]
			l.order = l.order[1:]
			delete(l.status, oldest)
		}
	}
	l.status[id] = st
}

func (l *Ledger) Status(id string) notify.Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.status[id]; ok {
		return st
	}
	return notify.StatusUnknown
}
