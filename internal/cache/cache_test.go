package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestCache(t *testing.T) (*Cache, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	c := New(backend, Config{
		PatientTTL:    5 * time.Minute,
		PopulationTTL: time.Hour,
		MemorySize:    128,
		MemoryTTL:     time.Minute,
	}, testLogger())
	return c, backend
}

func TestGetOrComputePatientCachesSecondRead(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	patientID := uuid.New()
	scaleID := uuid.New()

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"score":4}`), nil
	}

	data, fromCache, err := c.GetOrComputePatient(ctx, FamilyPatientScores, patientID, scaleID, "fh", compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.JSONEq(t, `{"score":4}`, string(data))

	data, fromCache, err = c.GetOrComputePatient(ctx, FamilyPatientScores, patientID, scaleID, "fh", compute)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.JSONEq(t, `{"score":4}`, string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// Scenario: invalidating patient P1 forces P1's next read to recompute
// while P2's cached entry is untouched.
func TestInvalidationIsPatientScoped(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	p1 := uuid.New()
	p2 := uuid.New()
	scaleID := uuid.New()

	calls := map[uuid.UUID]*int32{p1: new(int32), p2: new(int32)}
	computeFor := func(p uuid.UUID) func(context.Context) ([]byte, error) {
		return func(ctx context.Context) ([]byte, error) {
			atomic.AddInt32(calls[p], 1)
			return []byte(p.String()), nil
		}
	}

	for _, p := range []uuid.UUID{p1, p2} {
		_, _, err := c.GetOrComputePatient(ctx, FamilyPatientScores, p, scaleID, "fh", computeFor(p))
		require.NoError(t, err)
	}

	require.NoError(t, c.InvalidatePatient(ctx, p1))

	data, fromCache, err := c.GetOrComputePatient(ctx, FamilyPatientScores, p1, scaleID, "fh", computeFor(p1))
	require.NoError(t, err)
	assert.False(t, fromCache, "P1 must recompute after invalidation")
	assert.Equal(t, p1.String(), string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls[p1]))

	_, fromCache, err = c.GetOrComputePatient(ctx, FamilyPatientScores, p2, scaleID, "fh", computeFor(p2))
	require.NoError(t, err)
	assert.True(t, fromCache, "P2 is unaffected by P1's invalidation")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls[p2]))
}

// Two patients sharing a scale and filter hash must never read each
// other's values: the key is namespaced by patient id.
func TestIsolationAcrossPatients(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	p1 := uuid.New()
	p2 := uuid.New()
	scaleID := uuid.New()

	mk := func(s string) func(context.Context) ([]byte, error) {
		return func(ctx context.Context) ([]byte, error) { return []byte(s), nil }
	}

	d1, _, err := c.GetOrComputePatient(ctx, FamilyPatientScores, p1, scaleID, "fh", mk("one"))
	require.NoError(t, err)
	d2, _, err := c.GetOrComputePatient(ctx, FamilyPatientScores, p2, scaleID, "fh", mk("two"))
	require.NoError(t, err)

	assert.Equal(t, "one", string(d1))
	assert.Equal(t, "two", string(d2))
}

func TestAggregateInvalidationOrphansAllEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("agg"), nil
	}

	_, _, err := c.GetOrComputeAggregate(ctx, "h1", compute)
	require.NoError(t, err)
	_, fromCache, err := c.GetOrComputeAggregate(ctx, "h1", compute)
	require.NoError(t, err)
	assert.True(t, fromCache)

	require.NoError(t, c.InvalidatePopulation(ctx))

	_, fromCache, err = c.GetOrComputeAggregate(ctx, "h1", compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// Concurrent misses for one key coalesce to a single computation.
func TestSingleFlightCoalescesMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	patientID := uuid.New()
	scaleID := uuid.New()

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("v"), nil
	}

	const waiters = 16
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrComputePatient(ctx, FamilyPatientScores, patientID, scaleID, "fh", compute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "v", string(results[i]))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "one computation for all waiters")
}

func TestComputeFailureCachesNothing(t *testing.T) {
	c, backend := newTestCache(t)
	ctx := context.Background()
	patientID := uuid.New()
	scaleID := uuid.New()

	boom := errors.New("boom")
	_, _, err := c.GetOrComputePatient(ctx, FamilyPatientScores, patientID, scaleID, "fh", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, backend.Len(), "no partial result may be cached")

	// A later successful computation proceeds normally.
	data, fromCache, err := c.GetOrComputePatient(ctx, FamilyPatientScores, patientID, scaleID, "fh", func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "ok", string(data))
}

type failingBackend struct{}

func (failingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("backend down")
}
func (failingBackend) Del(ctx context.Context, keys ...string) error {
	return errors.New("backend down")
}
func (failingBackend) Incr(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("backend down")
}
func (failingBackend) Counter(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("backend down")
}
func (failingBackend) Ping(ctx context.Context) error { return errors.New("backend down") }
func (failingBackend) Close() error                   { return nil }

// Backend failure degrades to pass-through: the computation still succeeds.
func TestBackendFailurePassesThrough(t *testing.T) {
	c := New(failingBackend{}, Config{}, testLogger())
	ctx := context.Background()

	data, fromCache, err := c.GetOrComputePatient(ctx, FamilyPatientScores, uuid.New(), uuid.New(), "fh", func(ctx context.Context) ([]byte, error) {
		return []byte("computed"), nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "computed", string(data))
}

func TestHashIsStable(t *testing.T) {
	h1 := Hash("a", "b", "c")
	h2 := Hash("a", "b", "c")
	h3 := Hash("a", "bc")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3, "part boundaries must matter")
}
