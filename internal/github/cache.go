package github

import (
	"strings"
	"sync"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
)

type cachedFacts struct {
	facts    ledger.Facts
	cachedAt time.Time
}

type cachedStars struct {
	logins   map[string]bool // lowercase login
	cachedAt time.Time
}

// FactCache stores observed issue facts and stargazer sets in memory with
// automatic expiration
type FactCache struct {
	mu    sync.RWMutex
	facts map[string]cachedFacts // issue key → facts
	stars map[string]cachedStars // lowercase owner/repo → stargazers
	ttl   time.Duration
	now   func() time.Time
}

// NewFactCache creates a new fact cache
func NewFactCache(ttl time.Duration) *FactCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &FactCache{
		facts: make(map[string]cachedFacts),
		stars: make(map[string]cachedStars),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put adds or updates the facts of an issue
func (c *FactCache) Put(id ledger.IssueID, f ledger.Facts) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.facts[id.Key()] = cachedFacts{facts: f, cachedAt: c.now()}
}

// Get retrieves unexpired facts of an issue
func (c *FactCache) Get(id ledger.IssueID) (ledger.Facts, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.facts[id.Key()]
	if !exists || c.now().Sub(entry.cachedAt) > c.ttl {
		return ledger.Facts{}, false
	}
	return entry.facts, true
}

// Invalidate drops an issue so the next read goes to GitHub
func (c *FactCache) Invalidate(id ledger.IssueID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.facts, id.Key())
}

// PutStargazers replaces the stargazer set of a repository
func (c *FactCache) PutStargazers(repo string, logins map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stars[strings.ToLower(repo)] = cachedStars{logins: logins, cachedAt: c.now()}
}

// Stargazers retrieves the unexpired stargazer set of a repository
func (c *FactCache) Stargazers(repo string) (map[string]bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.stars[strings.ToLower(repo)]
	if !exists || c.now().Sub(entry.cachedAt) > c.ttl {
		return nil, false
	}
	return entry.logins, true
}

// CleanExpired removes expired entries and returns how many were dropped
func (c *FactCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, entry := range c.facts {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.facts, key)
			removed++
		}
	}
	for repo, entry := range c.stars {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.stars, repo)
			removed++
		}
	}

	return removed
}

// Count returns the number of cached issues
func (c *FactCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.facts)
}
