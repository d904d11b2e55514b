package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// LocalStore writes images below a root directory. The API server serves the
// directory under /images.
type LocalStore struct {
	root    string
	baseURL string
	log     logger.Logger
}

// NewLocalStore creates root if needed.
func NewLocalStore(root, baseURL string, log logger.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: baseURL, log: log}, nil
}

func (s *LocalStore) Name() string { return "local" }

// Root returns the directory images are written to.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(key)
	if err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}

	// Write then rename so readers never see a partial image.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", wrapErr(err, s.Name(), "put", key)
	}

	s.log.Debug("image stored", logger.String("key", key), logger.Int("bytes", len(data)))
	return publicLink(s.baseURL, key), nil
}

func (s *LocalStore) Latest(ctx context.Context, prefix string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	dir, err := s.resolve(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, ErrNoObjects
		}
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".tmp") {
			names = append(names, e.Name())
		}
	}
	name := greatest(names)
	if name == "" {
		return Object{}, ErrNoObjects
	}

	key := path.Join(strings.TrimSuffix(prefix, "/"), name)
	obj := Object{Key: key, URL: publicLink(s.baseURL, key)}
	if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
		obj.Size = info.Size()
		obj.ModTime = info.ModTime()
	}
	return obj, nil
}

func (s *LocalStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(key)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	return data, nil
}

// resolve maps key into the root directory, refusing keys that escape it.
func (s *LocalStore) resolve(key string) (string, error) {
	if !fs.ValidPath(key) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
