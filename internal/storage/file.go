package storage

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileStore maps keys onto a directory tree rooted at dir.
type FileStore struct {
	dir     string
	baseURL string
	mu      sync.RWMutex
}

func NewFileStore(dir, publicBaseURL string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to ensure store dir")
	}
	return &FileStore{dir: dir, baseURL: publicBaseURL}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// walk only the deepest directory the prefix names
	start := filepath.Join(s.dir, filepath.FromSlash(path.Dir(prefix+"x")))
	var out []Object
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Key: key, Size: info.Size(), ContentType: ContentTypeFor(key), URL: s.PublicURL(key)})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk store")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "read object")
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat object")
}

// Put writes through a temp file and rename so readers never see partial objects.
// The content type is implied by the key extension.
func (s *FileStore) Put(_ context.Context, key string, data []byte, _ string) (Object, error) {
	p, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Object{}, errors.Wrap(err, "ensure object dir")
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Object{}, errors.Wrap(err, "write object")
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return Object{}, errors.Wrap(err, "commit object")
	}
	return Object{Key: key, Size: int64(len(data)), ContentType: ContentTypeFor(key), URL: s.PublicURL(key)}, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return errors.Wrap(err, "remove object")
	}
	return nil
}

func (s *FileStore) PublicURL(key string) string { return joinURL(s.baseURL, key) }
