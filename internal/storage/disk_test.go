package storage

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDiskStorage_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	d, err := NewDiskStorage(quietLogger(), afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)

	require.NoError(t, d.Put(ctx, "scan_results/abc", []byte("hello")))
	got, err := d.Get(ctx, "scan_results/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.EqualValues(t, 5, d.Usage())

	require.NoError(t, d.Put(ctx, "scan_results/abc", []byte("hi")))
	assert.EqualValues(t, 2, d.Usage())

	require.NoError(t, d.Delete(ctx, "scan_results/abc"))
	require.NoError(t, d.Delete(ctx, "scan_results/abc"))
	_, err = d.Get(ctx, "scan_results/abc")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, d.Usage())
}

func TestDiskStorage_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	d, err := NewDiskStorage(quietLogger(), afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)

	require.NoError(t, d.Put(ctx, "a/1", []byte("x")))
	require.NoError(t, d.Put(ctx, "a/2", []byte("xx")))
	require.NoError(t, d.Put(ctx, "b/1", []byte("xxx")))

	n, err := d.DeletePrefix(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	names, err := d.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1"}, names)
	assert.EqualValues(t, 3, d.Usage())
}

func TestDiskStorage_RejectsEscapingNames(t *testing.T) {
	d, err := NewDiskStorage(quietLogger(), afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)

	err = d.Put(context.Background(), "../etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestDiskStorage_IndexesExistingFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/cache/g", 0700))
	require.NoError(t, afero.WriteFile(fsys, "/cache/g/obj", []byte("1234"), 0600))

	d, err := NewDiskStorage(quietLogger(), fsys, "/cache")
	require.NoError(t, err)
	assert.EqualValues(t, 4, d.Usage())

	info, err := fsys.Stat("/cache")
	require.NoError(t, err)
	assert.Equal(t, "-rwx------", info.Mode().Perm().String())
}
