// Package archive exports the rows of tables a cleanup bundle is about to
// drop, so a destructive phase always leaves a copy behind.
//
// Archives are JSON lines, one object per row, written to a local directory
// (file:// or a plain path) or an S3 prefix (s3://bucket/prefix).
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrExists is returned by Put when key is already taken.
var ErrExists = errors.New("archive already exists")

// Sink stores archive objects. Put never overwrites an existing key.
type Sink interface {
	Put(ctx context.Context, key string, body io.ReadSeeker) error
	// Location describes where key ends up, for logs.
	Location(key string) string
}

// Open returns the sink for rawURL.
func Open(ctx context.Context, rawURL string) (Sink, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("archive url is empty")
	}
	if !strings.Contains(rawURL, "://") {
		return NewDir(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid archive url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return NewDir(u.Host + u.Path)
	case "s3":
		return NewS3(ctx, S3Config{Bucket: u.Host, Prefix: strings.TrimPrefix(u.Path, "/")})
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q (want file or s3)", u.Scheme)
	}
}

// sanitizeKey rejects keys that could escape the sink's root.
func sanitizeKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("empty key")
	case strings.Contains(key, ".."):
		return fmt.Errorf("invalid key %q contains '..'", key)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("invalid absolute key %q", key)
	}
	return nil
}
