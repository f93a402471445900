package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rss_relay/internal/model"
)

// JSONFile implements Store as a single JSON document on disk.
type JSONFile struct {
	path string
	log  *slog.Logger
}

// NewJSONFile returns a store backed by the file at path.
func NewJSONFile(path string, log *slog.Logger) *JSONFile {
	return &JSONFile{path: path, log: log}
}

type feedRecord struct {
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	Link         string     `json:"link,omitempty"`
	Seen         []string   `json:"seen"`
	Subscribers  []int64    `json:"subscribers"`
	ErrorCount   int        `json:"error_count,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	DownSince    *time.Time `json:"down_since,omitempty"`
	Dead         bool       `json:"dead,omitempty"`
	IntervalSecs int64      `json:"interval_secs"`
	NextDue      time.Time  `json:"next_due"`
	TTLSecs      int64      `json:"ttl_secs,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
}

// Load reads the registry. A missing file yields an empty registry.
func (s *JSONFile) Load(_ context.Context) (map[string]*model.Feed, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("registry file not found, starting with empty registry", "path", s.path)
		return map[string]*model.Feed{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var records []feedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode registry file %s: %w", s.path, err)
	}

	feeds := make(map[string]*model.Feed, len(records))
	for _, r := range records {
		if r.URL == "" {
			return nil, fmt.Errorf("decode registry file %s: feed without url", s.path)
		}
		f := &model.Feed{
			URL:          r.URL,
			Title:        r.Title,
			Link:         r.Link,
			Seen:         r.Seen,
			ErrorCount:   r.ErrorCount,
			LastError:    r.LastError,
			DownSince:    r.DownSince,
			Dead:         r.Dead,
			Interval:     time.Duration(r.IntervalSecs) * time.Second,
			NextDue:      r.NextDue,
			TTL:          time.Duration(r.TTLSecs) * time.Second,
			LastSuccess:  r.LastSuccess,
			ETag:         r.ETag,
			LastModified: r.LastModified,
		}
		for _, id := range r.Subscribers {
			f.AddSubscriber(id)
		}
		feeds[f.URL] = f
	}
	return feeds, nil
}

// Save writes the registry atomically.
func (s *JSONFile) Save(_ context.Context, feeds []*model.Feed) error {
	records := make([]feedRecord, 0, len(feeds))
	for _, f := range feeds {
		records = append(records, feedRecord{
			URL:          f.URL,
			Title:        f.Title,
			Link:         f.Link,
			Seen:         f.Seen,
			Subscribers:  f.Subscribers,
			ErrorCount:   f.ErrorCount,
			LastError:    f.LastError,
			DownSince:    f.DownSince,
			Dead:         f.Dead,
			IntervalSecs: int64(f.Interval / time.Second),
			NextDue:      f.NextDue,
			TTLSecs:      int64(f.TTL / time.Second),
			LastSuccess:  f.LastSuccess,
			ETag:         f.ETag,
			LastModified: f.LastModified,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write registry file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *JSONFile) Close() error { return nil }

// writeFileAtomic replaces name with data so that readers see either the old
// or the new content.
func writeFileAtomic(name string, data []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(name)
	// The temp file must live on the same filesystem for rename to be atomic.
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), name); err != nil {
		return err
	}

	d, err := os.Open(dir) //nolint:gosec // directory of the configured registry path
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
