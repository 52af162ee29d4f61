package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DiskStorage keeps objects as files under an access-restricted directory.
type DiskStorage struct {
	fs    afero.Fs
	root  string
	index *sizeIndex
	log   *logrus.Entry
	seq   atomic.Uint64
}

func NewDiskStorage(logger *logrus.Logger, fsys afero.Fs, root string) (*DiskStorage, error) {
	root = filepath.Clean(root)
	if err := fsys.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := fsys.Chmod(root, 0700); err != nil {
		return nil, fmt.Errorf("restrict cache directory: %w", err)
	}

	d := &DiskStorage{
		fs:    fsys,
		root:  root,
		index: newSizeIndex(),
		log:   logger.WithField("component", "disk_storage"),
	}

	err := afero.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		d.index.set(filepath.ToSlash(rel), info.Size())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index cache directory: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"root":  root,
		"bytes": d.index.usage(),
	}).Debug("Disk storage ready")
	return d, nil
}

func (d *DiskStorage) resolve(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	full := filepath.Join(d.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return full, nil
}

func (d *DiskStorage) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(d.fs, full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return content, nil
}

func (d *DiskStorage) Put(ctx context.Context, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp := full + "." + strconv.FormatUint(d.seq.Add(1), 10) + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, content, 0600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := d.fs.Rename(tmp, full); err != nil {
		_ = d.fs.Remove(tmp)
		return fmt.Errorf("commit %s: %w", name, err)
	}

	d.index.set(name, int64(len(content)))
	return nil
}

func (d *DiskStorage) Delete(ctx context.Context, name string) error {
	full, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	d.index.remove(name)
	return nil
}

func (d *DiskStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	names, err := d.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, name := range names {
		if err := d.Delete(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (d *DiskStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := afero.Walk(d.fs, d.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(d.root, p)
		if relErr != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStorage) Usage() int64 {
	return d.index.usage()
}

func (d *DiskStorage) Has(name string) bool {
	return d.index.has(name)
}
