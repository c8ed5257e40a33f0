package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"go.etcd.io/bbolt"

	"github.com/bft-labs/connbridge/internal/domain"
)

var (
	// bucketOutputs holds the latest output per connection.
	bucketOutputs = []byte("outputs")
	// bucketHistory holds one nested bucket per connection with every
	// saved output, keyed by a big-endian sequence number.
	bucketHistory = []byte("history")
)

var errCorruptValue = errors.New("boltdb: corrupt stored output")

// Store implements ports.StateRepository on a bbolt database. Values are
// snappy-compressed JSON.
type Store struct {
	db *bbolt.DB
}

// New opens or creates the database at dbPath.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOutputs, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Save stores output as the latest output of its connection and appends it
// to the connection's history.
func (s *Store) Save(ctx context.Context, output domain.ReplicationOutput) error {
	if output.ConnectionID == "" {
		return fmt.Errorf("%w: empty connection id", domain.ErrInvalidConfig)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	value := snappy.Encode(nil, raw)
	key := []byte(output.ConnectionID)

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOutputs).Put(key, value); err != nil {
			return fmt.Errorf("failed to save output: %w", err)
		}

		history, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists(key)
		if err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		var seqKey [8]byte
		binary.BigEndian.PutUint64(seqKey[:], seq)
		return history.Put(seqKey[:], value)
	})
}

// Load returns the latest output of a connection.
func (s *Store) Load(ctx context.Context, connectionID string) (domain.ReplicationOutput, bool, error) {
	var (
		output domain.ReplicationOutput
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketOutputs).Get([]byte(connectionID))
		if value == nil {
			return nil
		}
		found = true
		return decode(value, &output)
	})
	if err != nil {
		return domain.ReplicationOutput{}, false, err
	}
	return output, found, nil
}

// History returns every saved output of a connection, oldest first.
func (s *Store) History(ctx context.Context, connectionID string) ([]domain.ReplicationOutput, error) {
	var outputs []domain.ReplicationOutput
	err := s.db.View(func(tx *bbolt.Tx) error {
		history := tx.Bucket(bucketHistory).Bucket([]byte(connectionID))
		if history == nil {
			return nil
		}
		return history.ForEach(func(_, v []byte) error {
			var output domain.ReplicationOutput
			if err := decode(v, &output); err != nil {
				return err
			}
			outputs = append(outputs, output)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func decode(value []byte, output *domain.ReplicationOutput) error {
	raw, err := snappy.Decode(nil, value)
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	if err := json.Unmarshal(raw, output); err != nil {
		return fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return nil
}
