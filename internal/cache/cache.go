package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sdko-org/scanperf/internal/metrics"
	"github.com/sdko-org/scanperf/internal/storage"
	"github.com/sirupsen/logrus"
)

var safeGroupChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

type counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	fastHits    atomic.Uint64
	durableHits atomic.Uint64
	fileHits    atomic.Uint64
	sets        atomic.Uint64
	deletes     atomic.Uint64
	fileRejects atomic.Uint64
	tierFaults  atomic.Uint64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Uint64{
		&c.hits, &c.misses, &c.fastHits, &c.durableHits, &c.fileHits,
		&c.sets, &c.deletes, &c.fileRejects, &c.tierFaults,
	} {
		v.Store(0)
	}
}

// Cache is a three-tier read-through/write-through cache. The durable and
// file tiers are optional; when one is nil or failing, operations fall
// through to the remaining tiers.
type Cache struct {
	fast    *fastTier
	durable *DurableTier
	files   storage.Storage

	opts       Options
	fileGroups map[string]bool
	fileMu     sync.Mutex

	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry
	stats   counters
}

func New(logger *logrus.Logger, durable *DurableTier, files storage.Storage, opts Options) *Cache {
	opts.withDefaults()

	c := &Cache{
		fast:    newFastTier(opts.FastTierMaxEntries, opts.Clock),
		durable: durable,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.WithField("component", "tier_cache"),
	}
	if opts.EnableFileCache && files != nil {
		c.files = files
	}
	if len(opts.FileTierGroups) > 0 {
		c.fileGroups = make(map[string]bool, len(opts.FileTierGroups))
		for _, g := range opts.FileTierGroups {
			c.fileGroups[g] = true
		}
	}

	c.log.WithFields(logrus.Fields{
		"durable":        durable != nil,
		"file_tier":      c.files != nil,
		"fast_max_ttl":   opts.FastTierMaxTTL,
		"file_threshold": opts.FileCacheThresholdBytes,
	}).Info("Tier cache initialised")
	return c
}

func (c *Cache) fileEnabled(group string) bool {
	if c.files == nil {
		return false
	}
	return c.fileGroups == nil || c.fileGroups[group]
}

func fileGroupPrefix(group string) string {
	if group == "" {
		group = "default"
	}
	return safeGroupChars.ReplaceAllString(group, "_") + "/"
}

func fileName(group, key string) string {
	h := xxhash.New()
	_, _ = h.WriteString(group)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key)
	return fmt.Sprintf("%s%016x.cache", fileGroupPrefix(group), h.Sum64())
}

func (c *Cache) fault(tier Tier, op string, err error) {
	c.stats.tierFaults.Add(1)
	c.metrics.CacheTierFault(tier.String())
	c.log.WithFields(logrus.Fields{
		"tier":      tier.String(),
		"operation": op,
		"error":     err,
	}).Warn("Cache tier fault, skipping tier")
}

func (c *Cache) hit(tier Tier, group string) {
	c.stats.hits.Add(1)
	switch tier {
	case TierFast:
		c.stats.fastHits.Add(1)
	case TierDurable:
		c.stats.durableHits.Add(1)
	case TierFile:
		c.stats.fileHits.Add(1)
	}
	c.metrics.CacheHit(tier.String(), group)
}

// fastTTL bounds how long a value may live in the fast tier, given the
// expiry of its authoritative copy.
func (c *Cache) fastTTL(expiresAt time.Time) time.Duration {
	ttl := c.opts.FastTierMaxTTL
	if !expiresAt.IsZero() {
		if remaining := expiresAt.Sub(c.clock.Now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (c *Cache) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !c.clock.Now().Before(expiresAt)
}

// Get looks the key up tier by tier, promoting hits from slower tiers into
// the faster ones.
func (c *Cache) Get(ctx context.Context, key, group string) ([]byte, bool) {
	if value, ok := c.fast.get(group, key); ok {
		c.hit(TierFast, group)
		return value, true
	}

	if value, expiresAt, ok := c.getDurable(key, group); ok {
		c.fast.set(group, key, value, c.fastTTL(expiresAt))
		c.hit(TierDurable, group)
		return value, true
	}

	if c.fileEnabled(group) {
		if value, expiresAt, ok := c.getFile(ctx, key, group); ok {
			c.fast.set(group, key, value, c.fastTTL(expiresAt))
			if c.durable != nil {
				var ttl time.Duration
				if !expiresAt.IsZero() {
					ttl = expiresAt.Sub(c.clock.Now())
				}
				if err := c.durable.set(durableKey(group, key), encodeEntry(value, expiresAt, false), ttl); err != nil {
					c.fault(TierDurable, "promote", err)
				}
			}
			c.hit(TierFile, group)
			return value, true
		}
	}

	c.stats.misses.Add(1)
	c.metrics.CacheMiss(group)
	return nil, false
}

func (c *Cache) getDurable(key, group string) ([]byte, time.Time, bool) {
	if c.durable == nil {
		return nil, time.Time{}, false
	}

	dkey := durableKey(group, key)
	raw, err := c.durable.get(dkey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.fault(TierDurable, "get", err)
		}
		return nil, time.Time{}, false
	}

	value, expiresAt, err := decodeEntry(raw)
	if err != nil || c.expired(expiresAt) {
		if err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Discarding undecodable durable entry")
		}
		if delErr := c.durable.delete(dkey); delErr != nil {
			c.fault(TierDurable, "delete", delErr)
		}
		return nil, time.Time{}, false
	}
	return value, expiresAt, true
}

func (c *Cache) getFile(ctx context.Context, key, group string) ([]byte, time.Time, bool) {
	name := fileName(group, key)
	raw, err := c.files.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.fault(TierFile, "get", err)
		}
		return nil, time.Time{}, false
	}

	value, expiresAt, err := decodeEntry(raw)
	if err != nil || c.expired(expiresAt) {
		if err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Discarding undecodable file entry")
		}
		c.deleteFile(ctx, name)
		return nil, time.Time{}, false
	}
	return value, expiresAt, true
}

func (c *Cache) deleteFile(ctx context.Context, name string) {
	if err := c.files.Delete(ctx, name); err != nil {
		c.fault(TierFile, "delete", err)
	}
	c.metrics.FileTierBytes(c.files.Usage())
}

// Set writes the value to every eligible tier. ttl <= 0 means the durable
// and file copies never expire; the fast copy is always bounded by
// FastTierMaxTTL. It returns false only if no tier accepted the write.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, group string) bool {
	c.stats.sets.Add(1)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}

	c.fast.set(group, key, value, c.fastTTL(expiresAt))

	if c.durable != nil {
		if err := c.durable.set(durableKey(group, key), encodeEntry(value, expiresAt, false), ttl); err != nil {
			c.fault(TierDurable, "set", err)
		}
	}

	if c.fileEnabled(group) {
		name := fileName(group, key)
		// The threshold applies to the serialized value as handed to Set,
		// before the entry header and compression.
		if len(value) > c.opts.FileCacheThresholdBytes {
			c.setFile(ctx, name, encodeEntry(value, expiresAt, true))
		} else if c.files.Has(name) {
			// A previous large value still sits in the file tier.
			c.deleteFile(ctx, name)
		}
	}

	// The fast tier always accepts the write.
	return true
}

func (c *Cache) setFile(ctx context.Context, name string, encoded []byte) bool {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	if c.files.Usage()+int64(len(encoded)) > c.opts.MaxFileCacheBytes {
		c.stats.fileRejects.Add(1)
		c.metrics.CacheTierFault(TierFile.String())
		c.log.WithFields(logrus.Fields{
			"object": name,
			"bytes":  len(encoded),
			"usage":  c.files.Usage(),
			"limit":  c.opts.MaxFileCacheBytes,
		}).Debug("File tier full, entry not offloaded")
		// Drop any older copy so the tier never serves a stale value.
		if c.files.Has(name) {
			c.deleteFile(ctx, name)
		}
		return false
	}

	if err := c.files.Put(ctx, name, encoded); err != nil {
		c.fault(TierFile, "set", err)
		return false
	}
	c.metrics.FileTierBytes(c.files.Usage())
	return true
}

// Delete removes the key from every tier. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key, group string) {
	c.stats.deletes.Add(1)
	c.fast.delete(group, key)

	if c.durable != nil {
		if err := c.durable.delete(durableKey(group, key)); err != nil {
			c.fault(TierDurable, "delete", err)
		}
	}
	if c.files != nil {
		c.deleteFile(ctx, fileName(group, key))
	}
}

// FlushGroup removes every entry tagged with group from all tiers.
func (c *Cache) FlushGroup(ctx context.Context, group string) error {
	log := c.log.WithFields(logrus.Fields{
		"operation": "flush_group",
		"group":     group,
	})

	removed := c.fast.flush(func(g string) bool { return g == group })

	var errs []error
	if c.durable != nil {
		if err := c.durable.dropPrefix(durablePrefix(group)); err != nil {
			c.fault(TierDurable, "flush_group", err)
			errs = append(errs, fmt.Errorf("durable tier: %w", err))
		}
	}

	files := 0
	if c.files != nil {
		n, err := c.files.DeletePrefix(ctx, fileGroupPrefix(group))
		if err != nil {
			c.fault(TierFile, "flush_group", err)
			errs = append(errs, fmt.Errorf("file tier: %w", err))
		}
		files = n
		c.metrics.FileTierBytes(c.files.Usage())
	}

	log.WithFields(logrus.Fields{
		"fast_removed": removed,
		"file_removed": files,
	}).Info("Cache group flushed")
	return errors.Join(errs...)
}

// FlushAll empties every tier and resets the statistics.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.fast.flush(func(string) bool { return true })

	var errs []error
	if c.durable != nil {
		if err := c.durable.dropAll(); err != nil {
			c.fault(TierDurable, "flush_all", err)
			errs = append(errs, fmt.Errorf("durable tier: %w", err))
		}
	}
	if c.files != nil {
		if _, err := c.files.DeletePrefix(ctx, ""); err != nil {
			c.fault(TierFile, "flush_all", err)
			errs = append(errs, fmt.Errorf("file tier: %w", err))
		}
		c.metrics.FileTierBytes(c.files.Usage())
	}

	c.stats.reset()
	c.log.Info("All cache tiers flushed")
	return errors.Join(errs...)
}

// FlushFast drops the in-process tier only. The durable and file tiers keep
// their copies, so subsequent reads repopulate it.
func (c *Cache) FlushFast() int {
	return c.fast.flush(func(string) bool { return true })
}

// FlushFastExcept drops in-process entries of every group except keep.
func (c *Cache) FlushFastExcept(keep ...string) int {
	return c.fast.flush(func(g string) bool {
		for _, k := range keep {
			if g == k {
				return false
			}
		}
		return true
	})
}

// FlushFastGroups drops in-process entries of the given groups only.
func (c *Cache) FlushFastGroups(groups ...string) int {
	return c.fast.flush(func(g string) bool {
		for _, k := range groups {
			if g == k {
				return true
			}
		}
		return false
	})
}

type PurgeReport struct {
	FastExpired  int
	FilesRemoved int
}

// PurgeExpired sweeps expired entries out of the fast and file tiers and
// lets the durable tier reclaim space. Badger drops expired keys itself.
func (c *Cache) PurgeExpired(ctx context.Context) (PurgeReport, error) {
	report := PurgeReport{FastExpired: c.fast.sweepExpired()}

	var errs []error
	if c.files != nil {
		names, err := c.files.List(ctx, "")
		if err != nil {
			errs = append(errs, err)
		}
		for _, name := range names {
			raw, err := c.files.Get(ctx, name)
			if err != nil {
				continue
			}
			_, expiresAt, err := decodeHeader(raw)
			if err != nil || c.expired(expiresAt) {
				c.deleteFile(ctx, name)
				report.FilesRemoved++
			}
		}
	}

	if c.durable != nil {
		if err := c.durable.gc(); err != nil {
			errs = append(errs, fmt.Errorf("durable gc: %w", err))
		}
	}

	return report, errors.Join(errs...)
}

func (c *Cache) Stats() Stats {
	entries, bytes := c.fast.size()
	s := Stats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
		HitsByTier: map[Tier]uint64{
			TierFast:    c.stats.fastHits.Load(),
			TierDurable: c.stats.durableHits.Load(),
			TierFile:    c.stats.fileHits.Load(),
		},
		Sets:        c.stats.sets.Load(),
		Deletes:     c.stats.deletes.Load(),
		FileRejects: c.stats.fileRejects.Load(),
		TierFaults:  c.stats.tierFaults.Load(),
		FastEntries: entries,
		FastBytes:   bytes,
	}
	if c.files != nil {
		s.FileBytes = c.files.Usage()
	}
	return s
}

func (c *Cache) Close() error {
	if c.durable == nil {
		return nil
	}
	return c.durable.Close()
}
