package executor

import (
	"sync"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// approvalQueue holds opportunities awaiting a manual decision during the
// trust-building window.
type approvalQueue struct {
	mu      sync.Mutex
	pending map[string]domain.Opportunity
	order   []string
}

func newApprovalQueue() *approvalQueue {
	return &approvalQueue{pending: make(map[string]domain.Opportunity)}
}

// Hold parks an opportunity until approved or rejected.
func (q *approvalQueue) Hold(opp domain.Opportunity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.pending[opp.ID]; exists {
		return
	}
	q.pending[opp.ID] = opp
	q.order = append(q.order, opp.ID)
}

// Take removes and returns the opportunity with the given ID.
func (q *approvalQueue) Take(id string) (domain.Opportunity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	opp, ok := q.pending[id]
	if !ok {
		return domain.Opportunity{}, false
	}
	delete(q.pending, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return opp, true
}

// Pending lists held opportunities in arrival order.
func (q *approvalQueue) Pending() []domain.Opportunity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id])
	}
	return out
}
