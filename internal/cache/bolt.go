package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var diagramBucket = []byte("diagrams")

// entry is the on-disk record for one rendered diagram.
type entry struct {
	Value     string    `msgpack:"v"`
	CreatedAt time.Time `msgpack:"t"`
}

// Bolt is a persistent Store backed by a bbolt database, so rendered diagrams
// survive process restarts.
type Bolt struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBolt opens (or creates) the database at path.
func NewBolt(path string, logger *slog.Logger) (*Bolt, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(diagramBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache bucket: %w", err)
	}
	return &Bolt{
		db:     db,
		logger: logger.With("component", "cache"),
	}, nil
}

// Get returns the cached value for key, if present.
func (c *Bolt) Get(key string) (string, bool) {
	var value string
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(diagramBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e entry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return err
		}
		value = e.Value
		found = true
		return nil
	})
	if err != nil {
		c.logger.Warn("cache read failed", slog.String("key", key), slog.Any("err", err))
		return "", false
	}
	return value, found
}

// Set stores value under key, replacing any previous entry. Write failures
// are logged and swallowed; a missing cache entry only costs a re-render.
func (c *Bolt) Set(key, value string) {
	raw, err := msgpack.Marshal(entry{Value: value, CreatedAt: time.Now().UTC()})
	if err != nil {
		c.logger.Warn("cache encode failed", slog.String("key", key), slog.Any("err", err))
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(diagramBucket).Put([]byte(key), raw)
	})
	if err != nil {
		c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
	}
}

// Close releases the underlying database.
func (c *Bolt) Close() error {
	return c.db.Close()
}
