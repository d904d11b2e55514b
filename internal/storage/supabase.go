package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/emberwatch/emberwatch/internal/httpclient"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// SupabaseConfig configures a SupabaseStore.
type SupabaseConfig struct {
	URL    string
	Key    string
	Bucket string
}

// SupabaseStore talks to the Supabase Storage REST API. The bucket is
// expected to be public; Put returns the public object URL.
type SupabaseStore struct {
	baseURL string
	key     string
	bucket  string
	client  *httpclient.Client
	log     logger.Logger
}

// NewSupabaseStore validates cfg.
func NewSupabaseStore(cfg SupabaseConfig, client *httpclient.Client, log logger.Logger) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if client == nil {
		client = httpclient.New(nil)
	}
	return &SupabaseStore{
		baseURL: strings.TrimRight(cfg.URL, "/") + "/storage/v1",
		key:     cfg.Key,
		bucket:  cfg.Bucket,
		client:  client,
		log:     log,
	}, nil
}

func (s *SupabaseStore) Name() string { return "supabase" }

func (s *SupabaseStore) objectURL(key string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapeKey(key))
}

func (s *SupabaseStore) publicURL(key string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapeKey(key))
}

func (s *SupabaseStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
}

func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	req, err := httpclient.NewRequest(ctx, http.MethodPost, s.objectURL(key), contentType, bytes.NewReader(data))
	if err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}
	s.authorize(req)
	req.Header.Set("x-upsert", "true")

	if err := s.client.DoJSON(ctx, req, nil); err != nil {
		return "", wrapErr(err, s.Name(), "put", key)
	}

	s.log.Debug("image uploaded", logger.String("key", key), logger.Int("bytes", len(data)))
	return s.publicURL(key), nil
}

type listRequest struct {
	Prefix string     `json:"prefix"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	SortBy listSortBy `json:"sortBy"`
}

type listSortBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

func (s *SupabaseStore) Latest(ctx context.Context, prefix string) (Object, error) {
	dir := strings.TrimSuffix(prefix, "/")
	body := listRequest{
		Prefix: dir,
		Limit:  1000,
		SortBy: listSortBy{Column: "name", Order: "desc"},
	}
	req, err := httpclient.NewRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/object/list/%s", s.baseURL, url.PathEscape(s.bucket)), "", body)
	if err != nil {
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}
	s.authorize(req)

	raw, err := s.client.DoBytes(ctx, req, 4<<20)
	if err != nil {
		return Object{}, wrapErr(err, s.Name(), "latest", prefix)
	}

	value, err := jason.NewValueFromBytes(raw)
	if err != nil {
		return Object{}, wrapErr(fmt.Errorf("failed to parse list response: %w", err), s.Name(), "latest", prefix)
	}
	values, err := value.Array()
	if err != nil {
		return Object{}, wrapErr(fmt.Errorf("unexpected list response: %w", err), s.Name(), "latest", prefix)
	}

	// Folders come back with a null id; only files count.
	byName := make(map[string]*jason.Object, len(values))
	names := make([]string, 0, len(values))
	for _, v := range values {
		e, err := v.Object()
		if err != nil {
			continue
		}
		name, err := e.GetString("name")
		if err != nil || name == "" {
			continue
		}
		if _, err := e.GetString("id"); err != nil {
			continue
		}
		byName[name] = e
		names = append(names, name)
	}

	name := greatest(names)
	if name == "" {
		return Object{}, ErrNoObjects
	}

	key := dir + "/" + name
	obj := Object{Key: key, URL: s.publicURL(key)}
	entry := byName[name]
	if size, err := entry.GetInt64("metadata", "size"); err == nil {
		obj.Size = size
	}
	if ts, err := entry.GetString("updated_at"); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			obj.ModTime = t
		}
	}
	return obj, nil
}

func (s *SupabaseStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	req, err := httpclient.NewRequest(ctx, http.MethodGet, s.objectURL(key), "", nil)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	s.authorize(req)

	data, err := s.client.DoBytes(ctx, req, maxImageSize)
	if err != nil {
		return nil, wrapErr(err, s.Name(), "fetch", key)
	}
	return data, nil
}

// escapeKey escapes each path segment of key.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
