package proteus

import (
	"crypto/rand"
	"sync"
)

// memPreKeyStore is a trivial in-memory PreKeyStore used across tests. It
// counts loads and deletes per id so tests can assert on the prekey
// single-use and last-resort-preservation properties directly, rather than
// just on their observable side effects.
type memPreKeyStore struct {
	mu      sync.Mutex
	keys    map[uint16]*PreKey
	loads   map[uint16]int
	deletes map[uint16]int
}

func newMemPreKeyStore() *memPreKeyStore {
	return &memPreKeyStore{
		keys:    make(map[uint16]*PreKey),
		loads:   make(map[uint16]int),
		deletes: make(map[uint16]int),
	}
}

func (s *memPreKeyStore) put(suite Suite, id uint16) PreKeyBundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, err := suite.Generate(rand.Reader)
	if err != nil {
		panic(err)
	}
	s.keys[id] = &PreKey{ID: id, KeyPair: kp}
	return PreKeyBundle{PreKeyID: id, PreKeyPublic: suite.Public(kp)}
}

func (s *memPreKeyStore) LoadPreKey(id uint16) (*PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[id]++
	return s.keys[id], nil
}

func (s *memPreKeyStore) DeletePreKey(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[id]++
	delete(s.keys, id)
	return nil
}

func (s *memPreKeyStore) loadCount(id uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[id]
}

func (s *memPreKeyStore) deleteCount(id uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[id]
}
