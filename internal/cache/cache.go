package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Key families. Patient-scoped keys embed the patient's namespace version;
// the population family embeds a global version. Bumping a version orphans
// every key minted under the old one, which stands in for wildcard
// deletion on backends that lack it.
const (
	FamilyPatientScores    = "pscores"
	FamilyPatientItem      = "pitem"
	FamilyPatientComposite = "pcomp"
	FamilyAggregate        = "agg"
)

// Config carries the cache TTLs and in-process tier sizing.
type Config struct {
	PatientTTL    time.Duration
	PopulationTTL time.Duration
	MemorySize    int
	MemoryTTL     time.Duration
}

// Cache is the read-through memoization layer. Concurrent misses for one
// key coalesce to a single computation; backend failures degrade to
// pass-through so computations still succeed.
type Cache struct {
	backend Backend
	memory  *expirable.LRU[string, []byte]
	flight  singleflight.Group
	cfg     Config
	log     *logrus.Logger
}

// New creates a cache over the given backend.
func New(backend Backend, cfg Config, logger *logrus.Logger) *Cache {
	if cfg.PatientTTL == 0 {
		cfg.PatientTTL = 5 * time.Minute
	}
	if cfg.PopulationTTL == 0 {
		cfg.PopulationTTL = time.Hour
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 4096
	}
	if cfg.MemoryTTL == 0 {
		cfg.MemoryTTL = 30 * time.Second
	}
	return &Cache{
		backend: backend,
		memory:  expirable.NewLRU[string, []byte](cfg.MemorySize, nil, cfg.MemoryTTL),
		cfg:     cfg,
		log:     logger,
	}
}

// Hash digests a canonical input representation into a short stable token.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:12])
}

func patientVersionKey(patientID uuid.UUID) string {
	return "ver:p:" + patientID.String()
}

const populationVersionKey = "ver:agg"

// patientKey builds a namespaced, versioned key for one patient-scoped
// entry. Patient ids are opaque tokens; nothing free-text enters the key.
func (c *Cache) patientKey(ctx context.Context, family string, patientID, scaleID uuid.UUID, filterHash string) (string, error) {
	ver, err := c.backend.Counter(ctx, patientVersionKey(patientID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:v%d:%s:%s", family, patientID, ver, scaleID, filterHash), nil
}

func (c *Cache) aggregateKey(ctx context.Context, aggHash string) (string, error) {
	ver, err := c.backend.Counter(ctx, populationVersionKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d:%s", FamilyAggregate, ver, aggHash), nil
}

// GetOrComputePatient memoizes one patient-scoped entry. The bool reports
// whether the value came from cache.
func (c *Cache) GetOrComputePatient(ctx context.Context, family string, patientID, scaleID uuid.UUID, filterHash string, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	key, err := c.patientKey(ctx, family, patientID, scaleID, filterHash)
	if err != nil {
		c.log.WithError(err).Debug("Cache unavailable, computing through")
		data, err := compute(ctx)
		return data, false, err
	}
	return c.getOrCompute(ctx, key, c.cfg.PatientTTL, compute)
}

// GetOrComputeAggregate memoizes one population-scoped entry.
func (c *Cache) GetOrComputeAggregate(ctx context.Context, aggHash string, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	key, err := c.aggregateKey(ctx, aggHash)
	if err != nil {
		c.log.WithError(err).Debug("Cache unavailable, computing through")
		data, err := compute(ctx)
		return data, false, err
	}
	return c.getOrCompute(ctx, key, c.cfg.PopulationTTL, compute)
}

func (c *Cache) getOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if data, ok := c.memory.Get(key); ok {
		return data, true, nil
	}

	type flightResult struct {
		data      []byte
		fromCache bool
	}

	out, err, _ := c.flight.Do(key, func() (interface{}, error) {
		if data, ok := c.memory.Get(key); ok {
			return flightResult{data: data, fromCache: true}, nil
		}

		data, found, err := c.backend.Get(ctx, key)
		if err != nil {
			c.log.WithError(err).WithField("cache_key", key).Debug("Cache read failed, computing through")
		} else if found {
			c.memory.Add(key, data)
			return flightResult{data: data, fromCache: true}, nil
		}

		data, err = compute(ctx)
		if err != nil {
			// Nothing is cached on failure; every waiter sees the error.
			return nil, err
		}

		if err := c.backend.Set(ctx, key, data, ttl); err != nil {
			c.log.WithError(err).WithField("cache_key", key).Warn("Cache write failed")
		}
		c.memory.Add(key, data)
		return flightResult{data: data, fromCache: false}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := out.(flightResult)
	return r.data, r.fromCache, nil
}

// InvalidatePatient bumps the patient's namespace version so every key
// minted under the old version is orphaned. It happens-before any read
// that follows the caller's acknowledgment.
func (c *Cache) InvalidatePatient(ctx context.Context, patientID uuid.UUID) error {
	if _, err := c.backend.Incr(ctx, patientVersionKey(patientID)); err != nil {
		return fmt.Errorf("invalidating patient %s: %w", patientID, err)
	}
	c.log.WithField("patient_id", patientID).Debug("Patient cache namespace invalidated")
	return nil
}

// InvalidatePopulation bumps the global aggregate version.
func (c *Cache) InvalidatePopulation(ctx context.Context) error {
	if _, err := c.backend.Incr(ctx, populationVersionKey); err != nil {
		return fmt.Errorf("invalidating population aggregates: %w", err)
	}
	c.log.Debug("Population aggregate namespace invalidated")
	return nil
}

// Ping reports backend liveness.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close releases the backend connection.
func (c *Cache) Close() error {
	return c.backend.Close()
}
