package state

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

var bucketName = []byte("continuation_points")

// Bolt keeps cursors in a BBolt database, one key per subject-role
type Bolt struct {
	db *bbolt.DB
}

// NewBolt wraps an open database
func NewBolt(db *bbolt.DB) *Bolt {
	return &Bolt{db: db}
}

// OpenBolt opens or creates the database at path
func OpenBolt(path string, options *bbolt.Options) (*Bolt, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0o600, options)
	switch {
	case err == nil:
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrVersionMismatch), errors.Is(err, bbolt.ErrChecksum):
		return nil, model.ErrStateCorruption(path, "unreadable bbolt db", err)
	default:
		// includes the lock timeout while another process holds the file
		return nil, model.ErrStateUnavailable(fmt.Errorf("opening bbolt db %s: %w", path, err))
	}
	return NewBolt(db), nil
}

func (b *Bolt) Load() (map[model.SubjectRole]time.Time, error) {
	out := make(map[model.SubjectRole]time.Time)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			t, err := ParseCursor(string(v))
			if err != nil {
				return model.ErrStateCorruption(string(k), fmt.Sprintf("invalid cursor %q", v), err)
			}
			out[model.SubjectRole(k)] = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Save(role model.SubjectRole, cursor time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(role), []byte(FormatCursor(cursor)))
	})
}

func (b *Bolt) Delete(role model.SubjectRole) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(role))
	})
}

// Close closes the underlying database
func (b *Bolt) Close() error {
	return b.db.Close()
}
