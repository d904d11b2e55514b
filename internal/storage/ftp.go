package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// FTPStore uploads images to an FTP server whose directory is published over
// HTTP at PublicURL.
type FTPStore struct {
	config RemoteConfig
	log    logger.Logger
}

// NewFTPStore validates cfg.
func NewFTPStore(cfg RemoteConfig, log logger.Logger) (*FTPStore, error) {
	if err := cfg.validate("ftp"); err != nil {
		return nil, err
	}
	return &FTPStore{config: cfg, log: log}, nil
}

func (s *FTPStore) Name() string { return "ftp" }

func (s *FTPStore) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(s.config.Timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp: connection failed: %w", err)
	}
	if s.config.Username != "" {
		if err := conn.Login(s.config.Username, s.config.Password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("ftp: login failed: %w", err)
		}
	}
	return conn, nil
}

func (s *FTPStore) remotePath(key string) string {
	return path.Join(s.config.BasePath, key)
}

// makeDirs creates every directory of dir, ignoring "already exists" replies.
func (s *FTPStore) makeDirs(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current = path.Join(current, part)
		if err := conn.MakeDir(current); err != nil && !isDirectoryExistsError(err) {
			return fmt.Errorf("ftp: failed to create directory %s: %w", current, err)
		}
	}
	return nil
}

func isDirectoryExistsError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file exists") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "directory exists") ||
		strings.Contains(msg, "550")
}

func (s *FTPStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}
	defer func() { _ = conn.Quit() }()

	target := s.remotePath(key)
	dir, name := splitKey(target)
	if err := s.makeDirs(conn, dir); err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}

	tmp := path.Join(dir, "."+name+".part")
	if err := conn.Stor(tmp, bytes.NewReader(data)); err != nil {
		_ = conn.Delete(tmp)
		return "", wrapErr(fmt.Errorf("ftp: failed to store file: %w", err), s.Name(), "put", key)
	}
	if err := conn.Rename(tmp, target); err != nil {
		_ = conn.Delete(tmp)
		return "", wrapErr(fmt.Errorf("ftp: failed to rename temporary file: %w", err), s.Name(), "put", key)
	}

	s.log.Debug("image uploaded", logger.String("key", key), logger.String("host", s.config.Host))
	return publicLink(s.config.PublicURL, key), nil
}

func (s *FTPStore) Latest(ctx context.Context, prefix string) (Object, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}
	defer func() { _ = conn.Quit() }()

	dir := strings.TrimSuffix(prefix, "/")
	entries, err := conn.List(s.remotePath(dir))
	if err != nil {
		// Servers answer 550 for a missing directory.
		if strings.Contains(err.Error(), "550") {
			return Object{}, ErrNoObjects
		}
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}

	var best *ftp.Entry
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile || strings.HasPrefix(e.Name, ".") {
			continue
		}
		if best == nil || e.Name > best.Name {
			best = e
		}
	}
	if best == nil {
		return Object{}, ErrNoObjects
	}

	key := path.Join(dir, best.Name)
	return Object{
		Key:     key,
		URL:     publicLink(s.config.PublicURL, key),
		Size:    int64(best.Size), //nolint:gosec // file sizes fit in int64
		ModTime: best.Time,
	}, nil
}

func (s *FTPStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	defer func() { _ = conn.Quit() }()

	resp, err := conn.Retr(s.remotePath(key))
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	defer resp.Close()

	data, err := io.ReadAll(io.LimitReader(resp, maxImageSize))
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	return data, nil
}
