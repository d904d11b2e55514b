// Package ledger records which (subject, bucket) pairs have already produced
// an alert email, and which subject each contact address last belonged to.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// ErrNotFound is returned by ResolveSubject for unknown addresses.
var ErrNotFound = errors.NewStd("contact not found")

// Ledger is the notification ledger. It adds address normalization and error
// categorization on top of a Store.
type Ledger struct {
	store Store
	log   logger.Logger
}

// New wraps store.
func New(store Store, log logger.Logger) *Ledger {
	return &Ledger{store: store, log: log.Module("ledger")}
}

// HasFired reports whether an alert was already recorded for key.
func (l *Ledger) HasFired(ctx context.Context, key Key) (bool, error) {
	ok, err := l.store.IsMarked(ctx, key)
	if err != nil {
		return false, l.wrap(err, "has_fired", key)
	}
	return ok, nil
}

// MarkFired records key as fired. Marking an already fired key is a no-op.
func (l *Ledger) MarkFired(ctx context.Context, key Key) error {
	_, err := l.TryMark(ctx, key)
	return err
}

// TryMark is the atomic test-and-set: it returns true only for the single
// caller that moved key from unfired to fired.
func (l *Ledger) TryMark(ctx context.Context, key Key) (bool, error) {
	won, err := l.store.TryMark(ctx, key)
	if err != nil {
		return false, l.wrap(err, "try_mark", key)
	}
	if won {
		l.log.Debug("key marked fired", logger.String("key", key.String()))
	}
	return won, nil
}

// Reset clears the fired mark for key so a later frame may alert again.
func (l *Ledger) Reset(ctx context.Context, key Key) error {
	if err := l.store.Unmark(ctx, key); err != nil {
		return l.wrap(err, "reset", key)
	}
	l.log.Debug("key reset", logger.String("key", key.String()))
	return nil
}

// Release undoes a TryMark reservation whose alert could not be delivered.
func (l *Ledger) Release(ctx context.Context, key Key) error {
	if err := l.store.Unmark(ctx, key); err != nil {
		return l.wrap(err, "release", key)
	}
	l.log.Debug("reservation released", logger.String("key", key.String()))
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (l *Ledger) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.store.Purge(ctx, now)
	if err != nil {
		return 0, errors.New(err).
			Component("ledger").
			Category(errors.CategoryDatabase).
			Context("operation", "purge").
			Build()
	}
	return n, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// RecordContact maps email to subjectID, replacing any earlier mapping.
func (l *Ledger) RecordContact(ctx context.Context, email, subjectID string) error {
	if err := l.store.PutContact(ctx, normalizeEmail(email), subjectID); err != nil {
		return errors.New(err).
			Component("ledger").
			Category(errors.CategoryDatabase).
			Context("operation", "record_contact").
			Build()
	}
	return nil
}

// ResolveSubject returns the subject most recently recorded for email, or
// ErrNotFound.
func (l *Ledger) ResolveSubject(ctx context.Context, email string) (string, error) {
	subject, ok, err := l.store.GetContact(ctx, normalizeEmail(email))
	if err != nil {
		return "", errors.New(err).
			Component("ledger").
			Category(errors.CategoryDatabase).
			Context("operation", "resolve_subject").
			Build()
	}
	if !ok {
		return "", ErrNotFound
	}
	return subject, nil
}

func (l *Ledger) wrap(err error, op string, key Key) error {
	return errors.New(err).
		Component("ledger").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("bucket", key.Bucket).
		Build()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
