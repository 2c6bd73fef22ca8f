package state

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/tarungka/flo/internal/utils"
)

var (
	snapshotsBucket = []byte("snapshots")
	metaBucket      = []byte("meta")
	metaCommitted   = []byte("committed")
)

// BoltStore is a single-file checkpoint Store on bbolt, for deployments
// that want one file per job instead of a badger directory.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt at %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Backend() string { return "bolt" }

func boltKey(operatorID string, taskIndex int, epoch uint64) []byte {
	prefix := []byte(fmt.Sprintf("%s/%d/", operatorID, taskIndex))
	return append(prefix, utils.ConvertUint64ToBytes(epoch)...)
}

func (s *BoltStore) Put(epoch uint64, operatorID string, taskIndex int, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(boltKey(operatorID, taskIndex, epoch), data)
	})
}

func (s *BoltStore) GetLatest(operatorID string, taskIndex int) (uint64, []byte, error) {
	committed, ok, err := s.Committed()
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s-%d", ErrNotFound, operatorID, taskIndex)
	}

	prefix := []byte(fmt.Sprintf("%s/%d/", operatorID, taskIndex))
	var bestEpoch uint64
	var data []byte
	found := false

	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(snapshotsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			epoch := utils.ConvertBytesToUint64(k[len(prefix):])
			if epoch > committed {
				continue
			}
			if !found || epoch > bestEpoch {
				bestEpoch = epoch
				data = append(data[:0], v...)
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: %s-%d", ErrNotFound, operatorID, taskIndex)
	}
	return bestEpoch, data, nil
}

func (s *BoltStore) SetCommitted(epoch uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaCommitted, utils.ConvertUint64ToBytes(epoch))
	})
}

func (s *BoltStore) Committed() (uint64, bool, error) {
	var epoch uint64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(metaCommitted)
		if v != nil {
			epoch = utils.ConvertBytesToUint64(v)
			found = true
		}
		return nil
	})
	return epoch, found, err
}

func (s *BoltStore) dropMatching(match func(epoch uint64) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 8 {
				continue
			}
			if match(utils.ConvertBytesToUint64(k[len(k)-8:])) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DiscardEpoch(epoch uint64) error {
	return s.dropMatching(func(e uint64) bool { return e == epoch })
}

func (s *BoltStore) CompactBefore(epoch uint64) error {
	return s.dropMatching(func(e uint64) bool { return e < epoch })
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
