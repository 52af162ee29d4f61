package cache

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// DurableTier is the badger-backed key-value tier. Keys are namespaced as
// "<group>:<key>" so a group can be dropped with a single prefix delete.
type DurableTier struct {
	db  *badger.DB
	log *logrus.Entry
}

// OpenDurable opens (or creates) the store under dir. With inMemory set the
// store keeps nothing on disk, which tests rely on.
func OpenDurable(logger *logrus.Logger, dir string, inMemory bool) (*DurableTier, error) {
	log := logger.WithField("component", "durable_tier")

	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log}).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open durable tier: %w", err)
	}

	log.WithFields(logrus.Fields{
		"dir":       dir,
		"in_memory": inMemory,
	}).Info("Durable tier opened")
	return &DurableTier{db: db, log: log}, nil
}

func durableKey(group, key string) []byte {
	return []byte(group + ":" + key)
}

func durablePrefix(group string) []byte {
	return []byte(group + ":")
}

func (d *DurableTier) get(key []byte) ([]byte, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (d *DurableTier) set(key, value []byte, ttl time.Duration) error {
	return d.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (d *DurableTier) delete(key []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (d *DurableTier) dropPrefix(prefix []byte) error {
	return d.db.DropPrefix(prefix)
}

func (d *DurableTier) dropAll() error {
	return d.db.DropAll()
}

// gc reclaims value-log space left behind by expired and deleted entries.
func (d *DurableTier) gc() error {
	err := d.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (d *DurableTier) Close() error {
	return d.db.Close()
}

type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Entry.Warnf(format, args...)
}
