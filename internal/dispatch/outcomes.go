package dispatch

import (
	"context"
	"sync"

	"notifyd/internal/notify"
)

// OutcomeStore records per-(request, channel) delivery outcomes.
// Recording the same (request, channel) pair again replaces the earlier
// outcome; outcomes for different channels of one request never merge.
type OutcomeStore interface {
	Record(ctx context.Context, o notify.Outcome) error
	ByRequest(ctx context.Context, requestID string) ([]notify.Outcome, error)
	ByUser(ctx context.Context, userID string, limit int) ([]notify.Outcome, error)
}

// MemoryOutcomes keeps a bounded in-process outcome log. When the cap
// is exceeded the oldest request's outcomes are evicted wholesale, so a
// request never ends up with a partial outcome set.
type MemoryOutcomes struct {
	mu        sync.RWMutex
	byRequest map[string]map[notify.Channel]notify.Outcome
	order     []string
	max       int
}

var _ OutcomeStore = (*MemoryOutcomes)(nil)

func NewMemoryOutcomes(maxRequests int) *MemoryOutcomes {
	if maxRequests <= 0 {
		maxRequests = 500
	}
	return &MemoryOutcomes{
		byRequest: map[string]map[notify.Channel]notify.Outcome{},
		max:       maxRequests,
	}
}

func (m *MemoryOutcomes) Record(ctx context.Context, o notify.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chans, ok := m.byRequest[o.RequestID]
	if !ok {
		chans = map[notify.Channel]notify.Outcome{}
		m.byRequest[o.RequestID] = chans
		m.order = append(m.order, o.RequestID)
		for len(m.order) > m.max {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.byRequest, oldest)
		}
	}
	chans[o.Channel] = o
	return nil
}

func (m *MemoryOutcomes) ByRequest(ctx context.Context, requestID string) ([]notify.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chans, ok := m.byRequest[requestID]
	if !ok {
		return nil, nil
	}
	out := make([]notify.Outcome, 0, len(chans))
	for _, c := range notify.AllChannels() {
		if o, ok := chans[c]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// ByUser walks requests newest-first and returns up to limit outcomes.
func (m *MemoryOutcomes) ByUser(ctx context.Context, userID string, limit int) ([]notify.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []notify.Outcome
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		chans := m.byRequest[m.order[i]]
		for _, c := range notify.AllChannels() {
			o, ok := chans[c]
			if !ok || o.UserID != userID {
				continue
			}
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
