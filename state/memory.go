package state

import (
	"fmt"
	"sync"
)

type memKey struct {
	OperatorID string
	TaskIndex  int
}

// MemoryStore is the in-memory Store used by tests and the demo binary.
type MemoryStore struct {
	mu        sync.RWMutex
	epochs    map[uint64]map[memKey][]byte
	committed uint64
	hasCommit bool
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		epochs: make(map[uint64]map[memKey][]byte),
	}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Put(epoch uint64, operatorID string, taskIndex int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ep, ok := s.epochs[epoch]
	if !ok {
		ep = make(map[memKey][]byte)
		s.epochs[epoch] = ep
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	ep[memKey{operatorID, taskIndex}] = cp
	return nil
}

func (s *MemoryStore) GetLatest(operatorID string, taskIndex int) (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil, ErrStoreClosed
	}
	if !s.hasCommit {
		return 0, nil, fmt.Errorf("%w: %s-%d", ErrNotFound, operatorID, taskIndex)
	}
	key := memKey{operatorID, taskIndex}
	var best uint64
	var data []byte
	found := false
	for epoch, ep := range s.epochs {
		if epoch > s.committed {
			continue
		}
		if d, ok := ep[key]; ok && (!found || epoch > best) {
			best, data, found = epoch, d, true
		}
	}
	if !found {
		return 0, nil, fmt.Errorf("%w: %s-%d", ErrNotFound, operatorID, taskIndex)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return best, cp, nil
}

func (s *MemoryStore) SetCommitted(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.committed = epoch
	s.hasCommit = true
	return nil
}

func (s *MemoryStore) Committed() (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	return s.committed, s.hasCommit, nil
}

func (s *MemoryStore) DiscardEpoch(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.epochs, epoch)
	return nil
}

func (s *MemoryStore) CompactBefore(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for e := range s.epochs {
		if e < epoch {
			delete(s.epochs, e)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
