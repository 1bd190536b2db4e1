package payments

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type pendingOrder struct {
	userID    uuid.UUID
	amount    decimal.Decimal
	expiresAt time.Time
}

// pendingOrders tracks checkouts awaiting capture. Entries are one-shot:
// Consume removes what it returns, so an order can only be credited once.
type pendingOrders struct {
	mu     sync.Mutex
	ttl    time.Duration
	orders map[string]pendingOrder
}

func newPendingOrders(ttl time.Duration) *pendingOrders {
	return &pendingOrders{ttl: ttl, orders: make(map[string]pendingOrder)}
}

func (p *pendingOrders) Put(orderID string, userID uuid.UUID, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	p.orders[orderID] = pendingOrder{userID: userID, amount: amount, expiresAt: time.Now().Add(p.ttl)}
}

func (p *pendingOrders) Consume(orderID string) (uuid.UUID, decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	o, ok := p.orders[orderID]
	if !ok {
		return uuid.Nil, decimal.Zero, false
	}
	delete(p.orders, orderID)
	return o.userID, o.amount, true
}

func (p *pendingOrders) sweepLocked() {
	now := time.Now()
	for id, o := range p.orders {
		if now.After(o.expiresAt) {
			delete(p.orders, id)
		}
	}
}
