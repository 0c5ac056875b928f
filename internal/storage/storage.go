package storage

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored blob.
type Object struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Store abstracts the object store holding per-event logs and compacted days.
// List must return objects sorted by key so that listing order matches
// chronological order inside a day.
// Implementations must be safe for concurrent use.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
	BackendGCS    Backend = "gcs"
	BackendRedis  Backend = "redis"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend       Backend
	Dir           string
	PublicBaseURL string

	GCSBucket          string
	GCSCredentialsPath string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.Dir, opts.PublicBaseURL)
	case BackendMemory:
		return NewMemoryStore(opts.PublicBaseURL), nil
	case BackendGCS:
		return NewGCSStore(ctx, opts.GCSBucket, opts.GCSCredentialsPath)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisKeyPrefix, opts.PublicBaseURL)
	default:
		return nil, errors.Errorf("unknown store backend: %s", opts.Backend)
	}
}

func joinURL(base, key string) string {
	if base == "" {
		return ""
	}
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + key
}
