package service

import (
	"sync"

	"github.com/google/uuid"
)

const lockShards = 64

// patientLocks provides the per-patient logical write lock as a sharded
// mutex map: writes for one patient serialize, writes across patients
// proceed concurrently.
type patientLocks struct {
	shards [lockShards]struct {
		mu    sync.Mutex
		locks map[uuid.UUID]*lockEntry
	}
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newPatientLocks() *patientLocks {
	pl := &patientLocks{}
	for i := range pl.shards {
		pl.shards[i].locks = map[uuid.UUID]*lockEntry{}
	}
	return pl
}

func (pl *patientLocks) shard(id uuid.UUID) *struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
} {
	return &pl.shards[int(id[0])%lockShards]
}

// Lock acquires the patient's lock and returns the unlock function.
// Entries are reference-counted so the map does not grow unboundedly.
func (pl *patientLocks) Lock(id uuid.UUID) func() {
	s := pl.shard(id)

	s.mu.Lock()
	e, ok := s.locks[id]
	if !ok {
		e = &lockEntry{}
		s.locks[id] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
