// Package storage keeps uploaded media on local disk and serves it back
// under a public base URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const metaDir = ".meta"

var (
	ErrInvalidPath = errors.New("invalid object path")
	ErrNotFound    = errors.New("object not found")
)

// CleanPath normalizes an object path. Absolute paths, parent segments and
// hidden segments are rejected.
func CleanPath(p string) (string, error) {
	if p == "" || strings.ContainsAny(p, "\\\x00") || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, ".") {
			return "", ErrInvalidPath
		}
	}

	return path.Clean(p), nil
}

type Object struct {
	io.ReadSeekCloser
	ContentType string
	Size        int64
	ModTime     time.Time
}

type DiskStorage struct {
	root      string
	publicURL *url.URL
}

// NewDiskStorage stores objects under root. Object URLs are publicURL
// joined with the object path.
func NewDiskStorage(root, publicURL string) (*DiskStorage, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(root, metaDir), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	return &DiskStorage{root: root, publicURL: u}, nil
}

func (d *DiskStorage) URL(objectPath string) string {
	return d.publicURL.JoinPath(objectPath).String()
}

// Upload writes body under objectPath and returns its public URL. The
// object only becomes visible once fully written.
func (d *DiskStorage) Upload(ctx context.Context, objectPath string, body io.Reader, contentType string) (string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(d.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, readerWithContext{ctx: ctx, r: body})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}

	if err := d.writeMeta(clean, contentType); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}

	return d.URL(clean), nil
}

func (d *DiskStorage) Open(objectPath string) (*Object, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	ct, err := os.ReadFile(d.metaPath(clean))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.Close()
		return nil, fmt.Errorf("read content type: %w", err)
	}
	contentType := string(ct)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Object{
		ReadSeekCloser: f,
		ContentType:    contentType,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
	}, nil
}

func (d *DiskStorage) metaPath(clean string) string {
	return filepath.Join(d.root, metaDir, filepath.FromSlash(clean))
}

func (d *DiskStorage) writeMeta(clean, contentType string) error {
	p := d.metaPath(clean)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("write content type: %w", err)
	}
	return nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
