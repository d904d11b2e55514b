// Package storage uploads detection images and finds the most recent image
// of a subject. Backends: local filesystem, Supabase Storage, SFTP and FTP.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// ErrNoObjects is returned by Latest when nothing is stored under the prefix.
var ErrNoObjects = errors.Newf("no objects stored under prefix").
	Component("storage").
	Category(errors.CategoryNotFound).
	Build()

// Object describes a stored object.
type Object struct {
	Key     string
	URL     string
	Size    int64
	ModTime time.Time
}

// Store is the object storage capability.
type Store interface {
	// Name identifies the backend.
	Name() string
	// Put uploads data under key, replacing any existing object, and returns
	// a URL at which the object can be viewed.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Latest returns the object with the lexicographically greatest key
	// under prefix, or ErrNoObjects.
	Latest(ctx context.Context, prefix string) (Object, error)
	// Fetch downloads the object stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ImageKey returns the object key for a fire frame of subjectID.
func ImageKey(subjectID string, frameNumber int64) string {
	return fmt.Sprintf("%s/%s_fire_frame_%d.jpg", subjectID, subjectID, frameNumber)
}

// SubjectPrefix returns the key prefix holding all images of subjectID.
func SubjectPrefix(subjectID string) string {
	return subjectID + "/"
}

// maxImageSize bounds downloads.
const maxImageSize = 32 << 20

// New builds the configured backend. publicURL is the server's external base
// URL, used for links to locally stored images.
func New(settings *conf.StorageSettings, publicURL string, client *httpclient.Client, log logger.Logger) (Store, error) {
	log = log.Module("storage")
	switch settings.Backend {
	case "", "local":
		return NewLocalStore(settings.Local.Path, strings.TrimRight(publicURL, "/")+"/images", log)
	case "supabase":
		return NewSupabaseStore(SupabaseConfig{
			URL:    settings.Supabase.URL,
			Key:    settings.Supabase.Key,
			Bucket: settings.Bucket,
		}, client, log)
	case "sftp":
		return NewSFTPStore(remoteConfig(&settings.SFTP, 22), log)
	case "ftp":
		return NewFTPStore(remoteConfig(&settings.FTP, 21), log)
	default:
		return nil, errors.Newf("unsupported storage backend %q", settings.Backend).
			Component("storage").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func remoteConfig(t *conf.RemoteFileTarget, defaultPort int) RemoteConfig {
	rc := RemoteConfig{
		Host:           t.Host,
		Port:           t.Port,
		Username:       t.Username,
		Password:       t.Password,
		KeyFile:        t.KeyFile,
		KnownHostsFile: t.KnownHostsFile,
		BasePath:       t.Path,
		PublicURL:      t.PublicURL,
		Timeout:        t.Timeout,
	}
	if rc.Port == 0 {
		rc.Port = defaultPort
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 30 * time.Second
	}
	return rc
}

// RemoteConfig configures the SFTP and FTP backends.
type RemoteConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string
	BasePath       string
	PublicURL      string
	Timeout        time.Duration
}

func (rc RemoteConfig) validate(kind string) error {
	if rc.Host == "" {
		return fmt.Errorf("%s: host is required", kind)
	}
	if rc.PublicURL == "" {
		return fmt.Errorf("%s: publicurl is required to build image links", kind)
	}
	return nil
}

// publicLink joins base and key with exactly one slash.
func publicLink(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// greatest returns the lexicographically greatest name, or "" for none.
func greatest(names []string) string {
	best := ""
	for _, n := range names {
		if n > best {
			best = n
		}
	}
	return best
}

// splitKey splits a key into its directory and file name.
func splitKey(key string) (dir, name string) {
	return path.Dir(key), path.Base(key)
}

func wrapErr(err error, backend, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoObjects) {
		return err
	}
	return errors.New(err).
		Component("storage").
		Category(errors.CategoryStorage).
		Context("backend", backend).
		Context("operation", op).
		Context("key", key).
		Build()
}
