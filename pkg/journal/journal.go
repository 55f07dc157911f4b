// Package journal keeps a local history of environment runs in a bolt database.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("runs")

// Entry describes the outcome of a single environment during one run
type Entry struct {
	Env      string        `json:"env"`
	Status   string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Journal wraps the underlying database. It's safe for concurrent use.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal database at the given path
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open journal %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends the given entries in order
func (j *Journal) Record(entries ...Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		for _, entry := range entries {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}

			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}

			// zero padded keys keep the bucket in insertion order
			err = bucket.Put([]byte(fmt.Sprintf("%020d", seq)), data)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns recorded entries, newest first. If env is not empty, only entries for
// that environment are returned. A limit of 0 means no limit.
func (j *Journal) List(env string, limit int) ([]Entry, error) {
	result := make([]Entry, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(runsBucket).Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			var entry Entry
			err := json.Unmarshal(value, &entry)
			if err != nil {
				return eris.Wrap(err, "failed to parse journal entry")
			}

			if env != "" && entry.Env != env {
				continue
			}

			result = append(result, entry)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// Clear removes all recorded entries
func (j *Journal) Clear() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(runsBucket)
		if err != nil {
			return err
		}

		_, err = tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
}
