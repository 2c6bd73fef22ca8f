package state

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/internal/utils"
)

// Key layout:
//
//	ckpt/<operator_id>/<task_index>/<epoch BE u64>  -> snapshot bytes
//	meta/committed                                  -> epoch BE u64
//
// The big-endian epoch suffix keeps a (operator, task)'s epochs in
// iteration order.
var committedKey = []byte("meta/committed")

// BadgerConfig configures the badger-backed store. Empty Dir opens an
// in-memory database, which is what the tests use.
type BadgerConfig struct {
	Dir string
}

// BadgerStore is the durable checkpoint Store on badger.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// NewBadgerStore opens (or creates) a badger-backed store.
func NewBadgerStore(c *BadgerConfig) (*BadgerStore, error) {
	newLogger := logger.GetLogger("ckpt-store")

	opts := badger.DefaultOptions(c.Dir)
	if c.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// badger's own logger is too chatty for a hot path store
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", c.Dir, err)
	}
	newLogger.Debug().Msgf("opened checkpoint store at %q", c.Dir)
	return &BadgerStore{db: db, logger: newLogger}, nil
}

func (s *BadgerStore) Backend() string { return "badger" }

func snapshotKey(operatorID string, taskIndex int, epoch uint64) []byte {
	prefix := []byte(fmt.Sprintf("ckpt/%s/%d/", operatorID, taskIndex))
	return append(prefix, utils.ConvertUint64ToBytes(epoch)...)
}

func (s *BadgerStore) Put(epoch uint64, operatorID string, taskIndex int, data []byte) error {
	s.logger.Trace().Msgf("putting snapshot %s-%d epoch %d (%d bytes)", operatorID, taskIndex, epoch, len(data))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(operatorID, taskIndex, epoch), data)
	})
}

func (s *BadgerStore) GetLatest(operatorID string, taskIndex int) (uint64, []byte, error) {
	committed, ok, err := s.Committed()
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s-%d", ErrNotFound, operatorID, taskIndex)
	}

	prefix := []byte(fmt.Sprintf("ckpt/%s/%d/", operatorID, taskIndex))
	var bestEpoch uint64
	var data []byte
	found := false

	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			epoch := utils.ConvertBytesToUint64(item.Key()[len(prefix):])
			if epoch > committed {
				continue
			}
			if !found || epoch > bestEpoch {
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				bestEpoch, data, found = epoch, v, true
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

func (s *BadgerStore) SetCommitted(epoch uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(committedKey, utils.ConvertUint64ToBytes(epoch))
	})
}

func (s *BadgerStore) Committed() (uint64, bool, error) {
	var epoch uint64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(committedKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			epoch = utils.ConvertBytesToUint64(v)
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return epoch, found, nil
}

// dropMatching deletes every ckpt/ key whose epoch suffix satisfies match.
func (s *BadgerStore) dropMatching(match func(epoch uint64) bool) error {
	prefix := []byte("ckpt/")
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) < 8 {
				continue
			}
			epoch := utils.ConvertBytesToUint64(key[len(key)-8:])
			if match(epoch) {
				doomed = append(doomed, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DiscardEpoch(epoch uint64) error {
	s.logger.Debug().Msgf("discarding artifacts of epoch %d", epoch)
	return s.dropMatching(func(e uint64) bool { return e == epoch })
}

func (s *BadgerStore) CompactBefore(epoch uint64) error {
	return s.dropMatching(func(e uint64) bool { return e < epoch })
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
