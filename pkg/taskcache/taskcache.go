// Package taskcache stores the last-known-good result of each read
// operation against the task service, so that when the retrying client
// exhausts its backoff budget it can serve that stale result instead of a
// bare empty list. The returned list carries no staleness marker; the
// client only logs a warning when it serves cached tasks.
package taskcache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

var bucketResults = []byte("last_results")

// Cache is a small bbolt-backed key/value store keyed by operation
// ("agent:<name>" or "queue:<name>") holding the most recent task list
// returned by a successful call.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache database under dataDir.
func Open(dataDir string) (*Cache, error) {
	dbPath := filepath.Join(dataDir, "taskcache.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open task cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init task cache bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put records the tasks most recently returned for key.
func (c *Cache) Put(key string, tasks []types.Task) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal cached tasks for %q: %w", key, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(key), data)
	})
}

// Get returns the last tasks recorded for key, or nil if none were ever
// recorded.
func (c *Cache) Get(key string) ([]types.Task, error) {
	var tasks []types.Task
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &tasks)
	})
	if err != nil {
		return nil, fmt.Errorf("read cached tasks for %q: %w", key, err)
	}
	return tasks, nil
}

// AgentKey builds the cache key for list_idle_tasks(agent).
func AgentKey(agent string) string { return "agent:" + agent }

// QueueKey builds the cache key for get_unassigned_in_queue(queue).
func QueueKey(queue string) string { return "queue:" + queue }
