package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	historyBucketName = "history"
	queueBucketName   = "queue"
	folderBucketName  = "folders"
	configBucketName  = "config"

	historyKey = "entries"
)

// DB defines the interface for local state operations. All mutations are
// durable before they return; callers read back what they just wrote.
type DB interface {
	// AppendHistory inserts an entry newest-first and trims to the cap.
	AppendHistory(entry HistoryEntry) error

	// ListHistory returns all entries, newest first.
	ListHistory() ([]HistoryEntry, error)

	// RemoveHistory removes the entry at index and returns it.
	RemoveHistory(index int) (HistoryEntry, error)

	// MarkSent flags the given entries as sent with one shared timestamp,
	// in a single transaction.
	MarkSent(ids []string, sentAt time.Time) error

	// Enqueue appends an item to the offline queue and evicts the oldest
	// items beyond the cap.
	Enqueue(item QueueItem) error

	// PeekQueue returns the head of the queue without removing it,
	// or nil when the queue is empty.
	PeekQueue() (*QueueItem, error)

	// RemoveQueueItem removes one item by ID after a confirmed upload.
	RemoveQueueItem(id string) error

	// QueueLen returns the number of queued items.
	QueueLen() (int, error)

	// FolderID returns a cached remote folder id, or "" if not cached.
	FolderID(key string) (string, error)

	// PutFolderID caches a remote folder id.
	PutFolderID(key, id string) error

	// ConfigValue returns a persisted config override, or "" if unset.
	ConfigValue(key string) (string, error)

	// PutConfigValue persists a config override.
	PutConfigValue(key, value string) error

	// Close closes the database.
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
type BoltDB struct {
	db         *bbolt.DB
	maxHistory int
	maxQueue   int
}

// NewBoltDB creates a new BoltDB instance with the given retention caps.
func NewBoltDB(path string, maxHistory, maxQueue int) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{historyBucketName, queueBucketName, folderBucketName, configBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, maxHistory: maxHistory, maxQueue: maxQueue}, nil
}

func readHistory(tx *bbolt.Tx) ([]HistoryEntry, error) {
	bucket := tx.Bucket([]byte(historyBucketName))
	data := bucket.Get([]byte(historyKey))
	if data == nil {
		return []HistoryEntry{}, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshaling history: %w", err)
	}
	return entries, nil
}

func writeHistory(tx *bbolt.Tx, entries []HistoryEntry) error {
	bucket := tx.Bucket([]byte(historyBucketName))
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	return bucket.Put([]byte(historyKey), data)
}

// AppendHistory inserts an entry newest-first and trims to the cap.
// Trimmed entries are dropped locally only; their remote files stay.
func (b *BoltDB) AppendHistory(entry HistoryEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries, err := readHistory(tx)
		if err != nil {
			return err
		}
		entries = append([]HistoryEntry{entry}, entries...)
		if len(entries) > b.maxHistory {
			entries = entries[:b.maxHistory]
		}
		return writeHistory(tx, entries)
	})
}

// ListHistory returns all entries, newest first.
func (b *BoltDB) ListHistory() ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entries, err = readHistory(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RemoveHistory removes the entry at index and returns it.
func (b *BoltDB) RemoveHistory(index int) (HistoryEntry, error) {
	var removed HistoryEntry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries, err := readHistory(tx)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(entries) {
			return fmt.Errorf("history index out of range: %d", index)
		}
		removed = entries[index]
		entries = append(entries[:index], entries[index+1:]...)
		return writeHistory(tx, entries)
	})
	if err != nil {
		return HistoryEntry{}, err
	}
	return removed, nil
}

// MarkSent flags the given entries as sent with one shared timestamp.
func (b *BoltDB) MarkSent(ids []string, sentAt time.Time) error {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries, err := readHistory(tx)
		if err != nil {
			return err
		}
		for i := range entries {
			if selected[entries[i].ID] {
				ts := sentAt
				entries[i].Sent = true
				entries[i].SentAt = &ts
			}
		}
		return writeHistory(tx, entries)
	})
}

// queueKey orders items by enqueue time; the ID suffix keeps keys unique
// when two items land in the same nanosecond.
func queueKey(item QueueItem) []byte {
	return []byte(fmt.Sprintf("%020d-%s", item.EnqueuedAt.UnixNano(), item.ID))
}

// Enqueue appends an item and evicts the oldest items beyond the cap,
// keeping the most recent ones.
func (b *BoltDB) Enqueue(item QueueItem) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucketName))
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		if err := bucket.Put(queueKey(item), data); err != nil {
			return err
		}

		// Bucket stats lag behind pending writes, so count via cursor.
		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		for k, _ := cursor.First(); k != nil && count > b.maxQueue; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

// PeekQueue returns the head item without removing it.
func (b *BoltDB) PeekQueue() (*QueueItem, error) {
	var item *QueueItem
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(queueBucketName)).Cursor()
		_, v := cursor.First()
		if v == nil {
			return nil
		}
		item = &QueueItem{}
		return json.Unmarshal(v, item)
	})
	if err != nil {
		return nil, fmt.Errorf("peeking queue: %w", err)
	}
	return item, nil
}

// RemoveQueueItem removes one item by ID.
func (b *BoltDB) RemoveQueueItem(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(queueBucketName))
		cursor := bucket.Cursor()
		suffix := []byte("-" + id)
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytes.HasSuffix(k, suffix) {
				return cursor.Delete()
			}
		}
		return fmt.Errorf("queue item not found: %s", id)
	})
}

// QueueLen returns the number of queued items.
func (b *BoltDB) QueueLen() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(queueBucketName)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FolderID returns a cached remote folder id, or "" if not cached.
func (b *BoltDB) FolderID(key string) (string, error) {
	var id string
	err := b.db.View(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket([]byte(folderBucketName)).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// PutFolderID caches a remote folder id.
func (b *BoltDB) PutFolderID(key, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(folderBucketName)).Put([]byte(key), []byte(id))
	})
}

// ConfigValue returns a persisted config override, or "" if unset.
func (b *BoltDB) ConfigValue(key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		value = string(tx.Bucket([]byte(configBucketName)).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// PutConfigValue persists a config override.
func (b *BoltDB) PutConfigValue(key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(configBucketName)).Put([]byte(key), []byte(value))
	})
}

// Close closes the database connection.
func (b *BoltDB) Close() error {
	return b.db.Close()
}
