package feed

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sdko-org/scanperf/internal/scheduler"
	"github.com/spf13/afero"
)

// headerLines bounds how far into a manifest the version header is looked for.
const headerLines = 64

// ComponentScanner reports advisories for installed plugins and themes.
// It reads the version from plugins/<slug>/readme.txt ("Stable tag:") and
// themes/<slug>/style.css ("Version:"); every other unit yields no findings.
type ComponentScanner struct {
	fs     afero.Fs
	client *Client
}

func NewComponentScanner(fsys afero.Fs, client *Client) *ComponentScanner {
	return &ComponentScanner{fs: fsys, client: client}
}

func componentOf(path string) (slug, header string, ok bool) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 3 {
		return "", "", false
	}
	file := strings.ToLower(parts[len(parts)-1])
	dir := parts[len(parts)-3]
	slug = parts[len(parts)-2]

	switch {
	case dir == "plugins" && file == "readme.txt":
		return slug, "stable tag:", true
	case dir == "themes" && file == "style.css":
		return slug, "version:", true
	}
	return "", "", false
}

func (s *ComponentScanner) readVersion(path, header string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for i := 0; i < headerLines && sc.Scan(); i++ {
		line := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(sc.Text()), "*#"))
		if strings.HasPrefix(strings.ToLower(line), header) {
			return strings.TrimSpace(line[len(header):]), nil
		}
	}
	return "", sc.Err()
}

func (s *ComponentScanner) Scan(ctx context.Context, unit scheduler.WorkUnit) (scheduler.UnitResult, error) {
	res := scheduler.UnitResult{Path: unit.Path}

	slug, header, ok := componentOf(unit.Path)
	if !ok {
		return res, nil
	}
	version, err := s.readVersion(unit.Path, header)
	if err != nil {
		return res, fmt.Errorf("read version of %s: %w", slug, err)
	}
	if version == "" {
		return res, nil
	}

	advisories, err := s.client.Advisories(ctx, slug, version)
	if err != nil {
		return res, err
	}
	for _, a := range advisories {
		msg := a.Title
		if a.FixedIn != "" {
			msg += fmt.Sprintf(" (fixed in %s)", a.FixedIn)
		}
		res.Findings = append(res.Findings, scheduler.Finding{
			Rule:     a.ID,
			Severity: a.Severity,
			Message:  fmt.Sprintf("%s %s: %s", slug, version, msg),
		})
	}
	return res, nil
}
