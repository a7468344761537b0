package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
)

const (
	// DefaultStorageTimeout bounds every storage call.
	DefaultStorageTimeout = 10 * time.Second

	defaultReadRetries     = 2
	defaultReadBackoff     = 20 * time.Millisecond
	defaultRaceRetries     = 8
	defaultRaceBackoffBase = 2 * time.Millisecond
)

// storage applies the per-call deadline and maps backend errors onto the error taxonomy.
// Reads are retried on storage failures; writes never are.
type storage struct {
	db          *gorm.DB
	timeout     time.Duration
	readRetries uint64
	readBackoff time.Duration
}

func newStorage(db *gorm.DB, timeout time.Duration) storage {
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return storage{
		db:          db,
		timeout:     timeout,
		readRetries: defaultReadRetries,
		readBackoff: defaultReadBackoff,
	}
}

func (st storage) read(ctx context.Context, fn func(db *gorm.DB) error) error {
	backoff := retry.WithMaxRetries(st.readRetries, retry.NewExponential(st.readBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := st.write(ctx, fn)
		if errors.Is(err, ErrStorage) {
			return retry.RetryableError(err)
		}
		return err
	})
	return classifyStorageError(ctx, err)
}

func (st storage) write(ctx context.Context, fn func(db *gorm.DB) error) error {
	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	return classifyStorageError(callCtx, fn(st.db.WithContext(callCtx)))
}

func (st storage) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	return classifyStorageError(callCtx, st.db.WithContext(callCtx).Transaction(fn))
}

func classifyStorageError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrVersionRace),
		errors.Is(err, errDuplicateKey):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %w", errDuplicateKey, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrStorage, ctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value") ||
		strings.Contains(message, "SQLSTATE 23505")
}

// keyedMutex serializes work per key. Entries are dropped once no holder or waiter remains.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func normalizeIdentifier(raw, field string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", validationError("%s is required", field)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", validationError("%s exceeds %d characters", field, maxIdentifierLength)
	}
	return trimmed, nil
}
