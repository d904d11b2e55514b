package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/emberwatch/emberwatch/internal/logger"
)

// SFTPStore uploads images to an SFTP server whose directory is published
// over HTTP at PublicURL. Each operation opens its own connection.
type SFTPStore struct {
	config RemoteConfig
	log    logger.Logger
}

// NewSFTPStore validates cfg.
func NewSFTPStore(cfg RemoteConfig, log logger.Logger) (*SFTPStore, error) {
	if err := cfg.validate("sftp"); err != nil {
		return nil, err
	}
	if cfg.KeyFile == "" && cfg.Password == "" {
		return nil, fmt.Errorf("sftp: no authentication method provided")
	}
	return &SFTPStore{config: cfg, log: log}, nil
}

func (s *SFTPStore) Name() string { return "sftp" }

func (s *SFTPStore) clientConfig() (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:    s.config.Username,
		Timeout: s.config.Timeout,
	}

	if s.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to load known hosts: %w", err)
		}
		config.HostKeyCallback = cb
	} else {
		s.log.Warn("sftp host key verification disabled, set knownhostsfile to enable it")
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via knownhostsfile
	}

	switch {
	case s.config.KeyFile != "":
		key, err := os.ReadFile(s.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		config.Auth = []ssh.AuthMethod{ssh.Password(s.config.Password)}
	}
	return config, nil
}

// connect dials in a goroutine so ctx can abandon a slow handshake.
func (s *SFTPStore) connect(ctx context.Context) (*sftp.Client, error) {
	type connResult struct {
		client *sftp.Client
		err    error
	}
	resultChan := make(chan connResult, 1)

	go func() {
		config, err := s.clientConfig()
		if err != nil {
			resultChan <- connResult{nil, err}
			return
		}

		addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
		sshConn, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			resultChan <- connResult{nil, fmt.Errorf("sftp: failed to connect: %w", err)}
			return
		}

		client, err := sftp.NewClient(sshConn)
		if err != nil {
			_ = sshConn.Close()
			resultChan <- connResult{nil, fmt.Errorf("sftp: failed to create client: %w", err)}
			return
		}
		resultChan <- connResult{client, nil}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if r := <-resultChan; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case result := <-resultChan:
		return result.client, result.err
	}
}

func (s *SFTPStore) remotePath(key string) string {
	return path.Join(s.config.BasePath, key)
}

func (s *SFTPStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}
	defer client.Close()

	target := s.remotePath(key)
	dir, name := splitKey(target)
	if err := client.MkdirAll(dir); err != nil {
		return "", wrapErr(fmt.Errorf("sftp: failed to create directory %s: %w", dir, err), s.Name(), "put", key)
	}

	tmp := path.Join(dir, "."+name+".part")
	f, err := client.Create(tmp)
	if err != nil {
		return "", wrapErr(fmt.Errorf("sftp: failed to create file: %w", err), s.Name(), "put", key)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return "", wrapErr(fmt.Errorf("sftp: failed to write file: %w", err), s.Name(), "put", key)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return "", wrapErr(err, s.Name(), "put", key)
	}
	if err := client.PosixRename(tmp, target); err != nil {
		_ = client.Remove(tmp)
		return "", wrapErr(fmt.Errorf("sftp: failed to rename upload: %w", err), s.Name(), "put", key)
	}

	s.log.Debug("image uploaded", logger.String("key", key), logger.String("host", s.config.Host))
	return publicLink(s.config.PublicURL, key), nil
}

func (s *SFTPStore) Latest(ctx context.Context, prefix string) (Object, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}
	defer client.Close()

	dir := strings.TrimSuffix(prefix, "/")
	entries, err := client.ReadDir(s.remotePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, ErrNoObjects
		}
		return Object{}, wrapErr(fmt.Errorf("sftp: failed to list directory: %w", err), s.Name(), "latest", prefix)
	}

	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	name := greatest(names)
	if name == "" {
		return Object{}, ErrNoObjects
	}

	key := path.Join(dir, name)
	obj := Object{Key: key, URL: publicLink(s.config.PublicURL, key)}
	for _, e := range entries {
		if e.Name() == name {
			obj.Size = e.Size()
			obj.ModTime = e.ModTime()
		}
	}
	return obj, nil
}

func (s *SFTPStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	defer client.Close()

	f, err := client.Open(s.remotePath(key))
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageSize))
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	return data, nil
}
