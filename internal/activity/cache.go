// Package activity keeps the process-wide table of auctions that currently
// accept participants.
package activity

import (
	"sync"

	"bidflow/models"
)

// Cache maps auction IDs to their last known status. It is read on every
// connection admission and written only by lifecycle events.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]models.AuctionStatus
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]models.AuctionStatus)}
}

// Initialize replaces the whole table, typically with the active auctions
// read at startup.
func (c *Cache) Initialize(entries map[string]models.AuctionStatus) {
	fresh := make(map[string]models.AuctionStatus, len(entries))
	for id, status := range entries {
		fresh[id] = status
	}

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
}

func (c *Cache) Update(auctionID string, status models.AuctionStatus) {
	c.mu.Lock()
	c.entries[auctionID] = status
	c.mu.Unlock()
}

func (c *Cache) Remove(auctionID string) {
	c.mu.Lock()
	delete(c.entries, auctionID)
	c.mu.Unlock()
}

// IsActive reports membership only. The stored status is not consulted.
func (c *Cache) IsActive(auctionID string) bool {
	c.mu.RLock()
	_, ok := c.entries[auctionID]
	c.mu.RUnlock()
	return ok
}

func (c *Cache) Status(auctionID string) (models.AuctionStatus, bool) {
	c.mu.RLock()
	status, ok := c.entries[auctionID]
	c.mu.RUnlock()
	return status, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
