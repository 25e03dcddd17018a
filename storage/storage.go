// Package storage resolves object keys to public URLs and provides a local
// directory-backed object store for single-machine deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// URLResolver turns an object key into a URL viewers can fetch.
type URLResolver interface {
	PublicURL(key string) string
}

// ObjectStore stores binary payloads under keys.
type ObjectStore interface {
	URLResolver
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// ErrInvalidKey is returned for keys that are empty or escape the store.
var ErrInvalidKey = errors.New("storage: invalid object key")

// PublicURLs builds URLs of the form <endpoint>/<bucket>/<key>.
type PublicURLs struct {
	Endpoint string
	Bucket   string
}

// PublicURL implements URLResolver. An empty key yields an empty URL.
func (p PublicURLs) PublicURL(key string) string {
	if key == "" {
		return ""
	}
	parts := []string{strings.TrimRight(p.Endpoint, "/")}
	if b := strings.Trim(p.Bucket, "/"); b != "" {
		parts = append(parts, b)
	}
	parts = append(parts, strings.TrimLeft(key, "/"))
	return strings.Join(parts, "/")
}

// DirStore keeps objects as files below a root directory.
type DirStore struct {
	root string
	urls PublicURLs
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string, urls PublicURLs) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &DirStore{root: root, urls: urls}, nil
}

func (d *DirStore) PublicURL(key string) string {
	return d.urls.PublicURL(key)
}

// Put writes body to the file for key. The content type is implied by the
// key's extension when the object is served.
func (d *DirStore) Put(ctx context.Context, key string, body io.Reader, _ string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Ping checks that the root directory is still present.
func (d *DirStore) Ping(context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", d.root)
	}
	return nil
}

// Handler serves stored objects. Mount it with http.StripPrefix.
func (d *DirStore) Handler() http.Handler {
	return http.FileServer(http.Dir(d.root))
}

func (d *DirStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

var (
	_ URLResolver = PublicURLs{}
	_ ObjectStore = (*DirStore)(nil)
)
