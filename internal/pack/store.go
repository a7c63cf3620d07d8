// Package pack persists evidence packs and intermediate task outputs as
// opaque blobs addressed by URI. Tasks never share mutable state directly;
// they hand each other these references.
package pack

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"ledgerline/internal/erp"
)

// Store wraps an abstract file storage service. BaseURL is any scheme afs
// understands (file://, mem://, s3://...).
type Store struct {
	fs      afs.Service
	BaseURL string
}

func New(baseURL string) *Store {
	return &Store{fs: afs.New(), BaseURL: strings.TrimRight(baseURL, "/")}
}

// Put stores data under key and returns its URI. Failures are task-level
// transient errors: the write can be retried without side effects because
// the content is deterministic for a given key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	uri := s.URI(key)
	if err := s.fs.Upload(ctx, uri, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", erp.Transient(fmt.Errorf("pack put %s: %w", key, err))
	}
	return uri, nil
}

// Get loads the blob behind a URI previously returned by Put.
func (s *Store) Get(ctx context.Context, uri string) ([]byte, error) {
	data, err := s.fs.DownloadWithURL(ctx, uri)
	if err != nil {
		return nil, erp.Transient(fmt.Errorf("pack get %s: %w", uri, err))
	}
	return data, nil
}

// Exists reports whether a URI resolves to a stored object.
func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	ok, err := s.fs.Exists(ctx, uri)
	if err != nil {
		return false, erp.Transient(err)
	}
	return ok, nil
}

// URI maps a key to its full storage URL.
func (s *Store) URI(key string) string {
	return url.Join(s.BaseURL, key)
}
