package mail

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// purgeEvery is the number of sightings between sweeps of expired IDs.
const purgeEvery = 100

// Dedup remembers processed Message-IDs so a reply arriving twice, over
// IMAP or a retried webhook, is handled once. It is safe for concurrent use.
type Dedup struct {
	seen  *cache.Cache
	marks atomic.Int64
}

// NewDedup returns a Dedup that forgets IDs after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	// Expired IDs are swept on insert, so no janitor goroutine.
	return &Dedup{seen: cache.New(ttl, 0)}
}

// First records id and reports whether this is its first sighting.
func (d *Dedup) First(id string) bool {
	if d.marks.Add(1)%purgeEvery == 0 {
		d.seen.DeleteExpired()
	}
	return d.seen.Add(normalizeMessageID(id), struct{}{}, cache.DefaultExpiration) == nil
}

// Forget drops id so a later delivery is handled again.
func (d *Dedup) Forget(id string) {
	d.seen.Delete(normalizeMessageID(id))
}

// Len is the number of IDs held, including expired ones not yet swept.
func (d *Dedup) Len() int {
	return d.seen.ItemCount()
}

func normalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
