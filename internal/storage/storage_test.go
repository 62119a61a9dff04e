package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPath(t *testing.T) {
	tcs := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "u1/1700000000000-abc.webm", want: "u1/1700000000000-abc.webm"},
		{in: "u1/photo.png", want: "u1/photo.png"},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "u1/../u2/x.png", wantErr: true},
		{in: "u1//x.png", wantErr: true},
		{in: ".meta/u1/x.png", wantErr: true},
		{in: "u1/.hidden", wantErr: true},
		{in: "u1\\x.png", wantErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			got, err := CleanPath(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUploadAndOpen(t *testing.T) {
	root := t.TempDir()
	d, err := NewDiskStorage(root, "http://localhost:8000/media")
	require.NoError(t, err)

	url, err := d.Upload(context.Background(), "u1/clip.webm", strings.NewReader("opus"), "audio/webm; codecs=opus")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/media/u1/clip.webm", url)

	obj, err := d.Open("u1/clip.webm")
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "opus", string(data))
	assert.Equal(t, "audio/webm; codecs=opus", obj.ContentType)
	assert.Equal(t, int64(4), obj.Size)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(root, "u1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUploadOverwrites(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir(), "http://localhost/media")
	require.NoError(t, err)

	_, err = d.Upload(context.Background(), "u1/a.png", strings.NewReader("one"), "image/png")
	require.NoError(t, err)
	_, err = d.Upload(context.Background(), "u1/a.png", strings.NewReader("two"), "image/jpeg")
	require.NoError(t, err)

	obj, err := d.Open("u1/a.png")
	require.NoError(t, err)
	defer obj.Close()
	data, _ := io.ReadAll(obj)
	assert.Equal(t, "two", string(data))
	assert.Equal(t, "image/jpeg", obj.ContentType)
}

func TestUploadCancelled(t *testing.T) {
	root := t.TempDir()
	d, err := NewDiskStorage(root, "http://localhost/media")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Upload(ctx, "u1/a.png", strings.NewReader("data"), "image/png")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = d.Open("u1/a.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenErrors(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir(), "http://localhost/media")
	require.NoError(t, err)

	_, err = d.Open("u1/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Open("../secret")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = d.Upload(context.Background(), "u1/a.png", strings.NewReader("x"), "image/png")
	require.NoError(t, err)
	_, err = d.Open("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}
