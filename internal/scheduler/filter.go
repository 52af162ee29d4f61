package scheduler

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

func extSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

func inExcludedDir(path string, dirs []string) bool {
	p := "/" + strings.Trim(filepath.ToSlash(path), "/") + "/"
	for _, d := range dirs {
		d = strings.Trim(filepath.ToSlash(d), "/")
		if d != "" && strings.Contains(p, "/"+d+"/") {
			return true
		}
	}
	return false
}

func (s *Scheduler) compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			s.log.WithError(err).WithField("pattern", p).Warn("Ignoring invalid exclude pattern")
			continue
		}
		out = append(out, re)
	}
	return out
}

// Filter drops descriptors that are missing, have an unwanted extension,
// sit under an excluded directory, match an exclude pattern or exceed the
// size ceiling, checked in that order.
func (s *Scheduler) Filter(descs []Descriptor, opts Options) ([]WorkUnit, FilterStats) {
	allowed := extSet(opts.AllowedExtensions)
	denied := extSet(opts.DeniedExtensions)
	patterns := s.compilePatterns(opts.ExcludePatterns)

	var stats FilterStats
	units := make([]WorkUnit, 0, len(descs))

	for _, d := range descs {
		info, err := s.fs.Stat(d.Path)
		if err != nil || info.IsDir() {
			stats.Missing++
			continue
		}

		ext := strings.ToLower(filepath.Ext(d.Path))
		if (allowed != nil && !allowed[ext]) || denied[ext] {
			stats.Extension++
			continue
		}

		if inExcludedDir(d.Path, opts.ExcludedDirs) {
			stats.Directory++
			continue
		}

		matched := false
		for _, re := range patterns {
			if re.MatchString(d.Path) {
				matched = true
				break
			}
		}
		if matched {
			stats.Pattern++
			continue
		}

		size := info.Size()
		if opts.MaxFileSize > 0 && size > opts.MaxFileSize {
			stats.Size++
			continue
		}

		units = append(units, WorkUnit{
			Path:    d.Path,
			Size:    size,
			ModTime: info.ModTime(),
		})
	}

	s.log.WithFields(logrus.Fields{
		"input":   len(descs),
		"kept":    len(units),
		"skipped": stats.Total(),
	}).Debug("Work units filtered")
	return units, stats
}
