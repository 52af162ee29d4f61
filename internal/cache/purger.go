package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Purger struct {
	logger   *logrus.Logger
	cache    *Cache
	interval time.Duration
}

func NewPurger(logger *logrus.Logger, cache *Cache, interval time.Duration) *Purger {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Purger{
		logger:   logger,
		cache:    cache,
		interval: interval,
	}
}

func (p *Purger) Start(ctx context.Context) {
	ticker := p.cache.clock.NewTicker(p.interval)
	defer ticker.Stop()

	logEntry := p.logger.WithField("component", "cache_purger")
	logEntry.WithField("interval", p.interval).Info("Starting cache purger")

	for {
		select {
		case <-ticker.Chan():
			p.purge(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping cache purger")
			return
		}
	}
}

func (p *Purger) purge(ctx context.Context, log *logrus.Entry) {
	log = log.WithField("operation", "cache_purge")
	start := time.Now()

	report, err := p.cache.PurgeExpired(ctx)
	if err != nil {
		log.WithError(err).Error("Cache purge completed with errors")
	}

	log.WithFields(logrus.Fields{
		"fast_expired":  report.FastExpired,
		"files_removed": report.FilesRemoved,
		"duration":      time.Since(start),
	}).Info("Expired cache entries purged")
}
