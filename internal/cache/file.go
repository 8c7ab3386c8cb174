// Package cache provides the on-device durable copies of a library: a
// JSON file and a Badger key. Both store the whole library as one blob
// under a fixed namespace.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"mediahub/pkg/models"
)

// ErrUnavailable means the storage medium itself cannot be used (missing
// permissions, locked by another process, read-only disk).
var ErrUnavailable = errors.New("local cache unavailable")

// FileCache keeps the library in <dir>/<namespace>.json. Writes go to a
// temporary file that is renamed into place, under an exclusive file lock
// shared with other processes using the same directory.
type FileCache struct {
	dir       string
	namespace string
	lock      *flock.Flock
	now       func() time.Time
}

func NewFileCache(dir, namespace string) (*FileCache, error) {
	if namespace == "" {
		return nil, errors.New("file cache: namespace required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrUnavailable, dir, err)
	}
	return &FileCache{
		dir:       dir,
		namespace: namespace,
		lock:      flock.New(filepath.Join(dir, namespace+".lock")),
		now:       time.Now,
	}, nil
}

func (c *FileCache) Path() string {
	return filepath.Join(c.dir, c.namespace+".json")
}

func (c *FileCache) Load() (models.Snapshot, bool, error) {
	var snap models.Snapshot
	found := false
	err := c.withLock(func() error {
		data, err := os.ReadFile(c.Path())
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			err = fmt.Errorf("decode library cache: %w", err)
			// a corrupt blob is moved aside so the next save can succeed
			if rerr := os.Rename(c.Path(), c.aside("corrupt")); rerr != nil {
				err = errors.Join(err, fmt.Errorf("move corrupt cache aside: %w", rerr))
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Snapshot{}, false, err
	}
	return snap, found, nil
}

func (c *FileCache) Save(snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode library cache: %w", err)
	}
	return c.withLock(func() error {
		tmp, err := os.CreateTemp(c.dir, c.namespace+".*.tmp")
		if err != nil {
			return fmt.Errorf("%w: create temp: %v", ErrUnavailable, err)
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: sync: %v", ErrUnavailable, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("%w: close: %v", ErrUnavailable, err)
		}
		if err := os.Rename(tmp.Name(), c.Path()); err != nil {
			return fmt.Errorf("%w: rename: %v", ErrUnavailable, err)
		}
		return nil
	})
}

func (c *FileCache) Clear() error {
	return c.withLock(func() error {
		if err := os.Remove(c.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// Quarantine renames the blob to <namespace>.quarantine.<tag>.<unix>.json.
func (c *FileCache) Quarantine(tag string) error {
	return c.withLock(func() error {
		err := os.Rename(c.Path(), c.aside("quarantine."+tag))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: quarantine: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// Quarantined lists the files set aside by Quarantine.
func (c *FileCache) Quarantined() ([]string, error) {
	return filepath.Glob(filepath.Join(c.dir, c.namespace+".quarantine.*.json"))
}

func (c *FileCache) aside(label string) string {
	stamp := strconv.FormatInt(c.now().UnixNano(), 10)
	return filepath.Join(c.dir, c.namespace+"."+label+"."+stamp+".json")
}

func (c *FileCache) withLock(fn func() error) error {
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}
	defer c.lock.Unlock()
	return fn()
}
