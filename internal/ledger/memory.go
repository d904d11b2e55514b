package ledger

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps the ledger in process memory. Expired entries are
// evicted by the go-cache janitor.
type MemoryStore struct {
	fired    *cache.Cache
	contacts *cache.Cache
}

// NewMemoryStore creates a store whose entries expire after the given
// retention. cleanupInterval controls how often expired entries are swept.
func NewMemoryStore(r Retention, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		fired:    cache.New(r.Fired, cleanupInterval),
		contacts: cache.New(r.Contact, cleanupInterval),
	}
}

// TryMark uses cache.Add, which fails when a live entry already exists.
func (m *MemoryStore) TryMark(_ context.Context, key Key) (bool, error) {
	return m.fired.Add(key.String(), time.Now(), cache.DefaultExpiration) == nil, nil
}

func (m *MemoryStore) IsMarked(_ context.Context, key Key) (bool, error) {
	_, ok := m.fired.Get(key.String())
	return ok, nil
}

func (m *MemoryStore) Unmark(_ context.Context, key Key) error {
	m.fired.Delete(key.String())
	return nil
}

func (m *MemoryStore) PutContact(_ context.Context, email, subjectID string) error {
	m.contacts.SetDefault(email, subjectID)
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, email string) (string, bool, error) {
	v, ok := m.contacts.Get(email)
	if !ok {
		return "", false, nil
	}
	subject, ok := v.(string)
	return subject, ok, nil
}

// Purge sweeps expired entries immediately. now is ignored; go-cache uses
// the wall clock.
func (m *MemoryStore) Purge(_ context.Context, _ time.Time) (int64, error) {
	before := m.fired.ItemCount() + m.contacts.ItemCount()
	m.fired.DeleteExpired()
	m.contacts.DeleteExpired()
	return int64(before - m.fired.ItemCount() - m.contacts.ItemCount()), nil
}

func (m *MemoryStore) Close() error {
	m.fired.Flush()
	m.contacts.Flush()
	return nil
}
