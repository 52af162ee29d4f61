package scheduler

import (
	"context"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sirupsen/logrus"
)

func fingerprintMemoKey(unit WorkUnit) string {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s\x00%d\x00%d", unit.Path, unit.Size, unit.ModTime.UnixNano())
	return fmt.Sprintf("fp_%016x", h.Sum64())
}

// fingerprint returns the content hash of the unit. The content is always
// read; the file_hashes memo keyed by path, size and modification time only
// records the last hash seen, so content rewritten under unchanged metadata
// is detected and logged. Concurrent requests for the same file share one
// read.
func (s *Scheduler) fingerprint(ctx context.Context, unit WorkUnit) (string, error) {
	memo := fingerprintMemoKey(unit)

	v, err, _ := s.flight.Do(memo, func() (interface{}, error) {
		f, err := s.fs.Open(unit.Path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", unit.Path, err)
		}
		defer f.Close()

		h := xxhash.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hash %s: %w", unit.Path, err)
		}
		fp := fmt.Sprintf("%016x", h.Sum64())

		if prev, ok := s.cache.Get(ctx, memo, cache.GroupFileHashes); ok {
			if string(prev) == fp {
				return fp, nil
			}
			s.log.WithFields(logrus.Fields{
				"path":     unit.Path,
				"size":     unit.Size,
				"mod_time": unit.ModTime,
			}).Warn("File content changed without a metadata change")
		}
		s.cache.Set(ctx, memo, []byte(fp), s.perf.ScanCacheExpiry, cache.GroupFileHashes)
		return fp, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
