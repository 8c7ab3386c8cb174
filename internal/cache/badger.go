package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"mediahub/pkg/models"
)

// BadgerCache keeps the library blob under a single key in a Badger
// database. Quarantined copies live under "<namespace>:quarantine:<tag>".
type BadgerCache struct {
	db        *badger.DB
	namespace string
	logger    *slog.Logger
}

// OpenBadger opens the database at dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir, namespace string, logger *slog.Logger) (*BadgerCache, error) {
	if namespace == "" {
		return nil, errors.New("badger cache: namespace required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrUnavailable, err)
	}
	logger.Info("library_cache_opened", "backend", "badger", "dir", dir, "namespace", namespace)
	return &BadgerCache{db: db, namespace: namespace, logger: logger}, nil
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

func (c *BadgerCache) Load() (models.Snapshot, bool, error) {
	var snap models.Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(c.namespace))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("load library cache: %w", err)
	}
	return snap, true, nil
}

func (c *BadgerCache) Save(snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode library cache: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(c.namespace), data)
	})
	if err != nil {
		return fmt.Errorf("%w: save: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *BadgerCache) Clear() error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(c.namespace))
	})
	if err != nil {
		return fmt.Errorf("%w: clear: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *BadgerCache) Quarantine(tag string) error {
	key := []byte(c.namespace)
	aside := fmt.Appendf(nil, "%s:quarantine:%s:%d", c.namespace, tag, time.Now().UnixNano())
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(aside, val); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: quarantine: %v", ErrUnavailable, err)
	}
	return nil
}

// Quarantined returns the keys of copies set aside by Quarantine.
func (c *BadgerCache) Quarantined() ([]string, error) {
	var keys []string
	prefix := []byte(c.namespace + ":quarantine:")
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", err)
	}
	return keys, nil
}
