package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Key identifies one notification bucket of one subject.
type Key struct {
	SubjectID string
	Bucket    int64
}

// KeyFor returns the key covering frameNumber. bucketSize must be positive.
func KeyFor(subjectID string, frameNumber, bucketSize int64) Key {
	return Key{SubjectID: subjectID, Bucket: frameNumber / bucketSize}
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.SubjectID, k.Bucket)
}

// Call returns the key reserving the emergency call of k's bucket. Subject
// ids never contain '/', so it cannot collide with an alert key.
func (k Key) Call() Key {
	return Key{SubjectID: k.SubjectID + "/call", Bucket: k.Bucket}
}

// Store persists fired keys and contact mappings. Implementations must make
// TryMark atomic across concurrent callers, and across processes when the
// store is shared.
type Store interface {
	// TryMark records key as fired and reports whether this call did so.
	TryMark(ctx context.Context, key Key) (bool, error)
	IsMarked(ctx context.Context, key Key) (bool, error)
	Unmark(ctx context.Context, key Key) error

	PutContact(ctx context.Context, email, subjectID string) error
	// GetContact returns ok=false when no live mapping exists.
	GetContact(ctx context.Context, email string) (subjectID string, ok bool, err error)

	// Purge drops entries whose retention has elapsed at now.
	Purge(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// Retention controls how long entries survive.
type Retention struct {
	Fired   time.Duration
	Contact time.Duration
}

// OpenStore opens the backend named in settings. The memory store has no
// background cleanup of its own; pair it with a Janitor.
func OpenStore(settings *conf.LedgerSettings, log logger.Logger) (Store, error) {
	r := Retention{Fired: settings.Retention, Contact: settings.ContactRetention}
	switch settings.Backend {
	case "", "memory":
		return NewMemoryStore(r, 0), nil
	default:
		return OpenSQL(settings.Backend, settings.DSN, r, log)
	}
}
