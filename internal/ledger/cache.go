package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabdil/creditledger/internal/models"
)

type cachedBalance struct {
	balance   models.Balance
	expiresAt time.Time
}

// BalanceCache is an in-process snapshot cache for fast reads. It holds no
// authority: every successful append invalidates the account's entry before
// the caller gets its response, and anything older than the TTL is a miss.
type BalanceCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[uuid.UUID]cachedBalance
}

func NewBalanceCache(ttl time.Duration) *BalanceCache {
	return &BalanceCache{
		ttl:   ttl,
		items: make(map[uuid.UUID]cachedBalance),
	}
}

func (c *BalanceCache) Get(accountID uuid.UUID) (models.Balance, bool) {
	c.mu.RLock()
	item, ok := c.items[accountID]
	c.mu.RUnlock()

	if !ok {
		return models.Balance{}, false
	}
	if time.Now().After(item.expiresAt) {
		c.Invalidate(accountID)
		return models.Balance{}, false
	}

	return item.balance, true
}

func (c *BalanceCache) Put(balance models.Balance) {
	c.mu.Lock()
	c.items[balance.AccountID] = cachedBalance{
		balance:   balance,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *BalanceCache) Invalidate(accountID uuid.UUID) {
	c.mu.Lock()
	delete(c.items, accountID)
	c.mu.Unlock()
}
