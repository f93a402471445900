package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver registration.
	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_relay/internal/model"
	"rss_relay/migrations"
)

const timeLayout = time.RFC3339Nano

// SQL implements Store on top of SQLite or PostgreSQL.
type SQL struct {
	db      *sql.DB
	dialect string
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQL{db: db, dialect: migrations.DialectSQLite}, nil
}

// NewPostgres connects to PostgreSQL and runs pending migrations.
func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQL{db: db, dialect: migrations.DialectPostgres}, nil
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Load reads the full registry.
func (s *SQL) Load(ctx context.Context) (map[string]*model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, title, link, error_count, last_error, down_since, dead,
		        interval_secs, next_due, ttl_secs, last_success, etag, last_modified
		 FROM feeds`,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	feeds, err := scanFeeds(rows)
	if err != nil {
		return nil, err
	}

	if err := s.loadSubscribers(ctx, feeds); err != nil {
		return nil, err
	}
	if err := s.loadSeen(ctx, feeds); err != nil {
		return nil, err
	}
	return feeds, nil
}

func (s *SQL) loadSubscribers(ctx context.Context, feeds map[string]*model.Feed) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_url, chat_id FROM subscribers ORDER BY feed_url, chat_id`)
	if err != nil {
		return fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			url    string
			chatID int64
		)
		if err := rows.Scan(&url, &chatID); err != nil {
			return fmt.Errorf("scan subscriber: %w", err)
		}
		if f, ok := feeds[url]; ok {
			f.AddSubscriber(chatID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate subscribers: %w", err)
	}
	return nil
}

func (s *SQL) loadSeen(ctx context.Context, feeds map[string]*model.Feed) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_url, hash FROM seen_items ORDER BY feed_url, position`)
	if err != nil {
		return fmt.Errorf("query seen items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var url, hash string
		if err := rows.Scan(&url, &hash); err != nil {
			return fmt.Errorf("scan seen item: %w", err)
		}
		if f, ok := feeds[url]; ok {
			f.Seen = append(f.Seen, hash)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate seen items: %w", err)
	}
	return nil
}

// Save replaces the stored registry with feeds in one transaction.
func (s *SQL) Save(ctx context.Context, feeds []*model.Feed) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"seen_items", "subscribers", "feeds"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	insFeed, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO feeds (url, title, link, error_count, last_error, down_since, dead,
		                    interval_secs, next_due, ttl_secs, last_success, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare feed insert: %w", err)
	}
	defer func() { _ = insFeed.Close() }()

	insSub, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO subscribers (feed_url, chat_id) VALUES (?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare subscriber insert: %w", err)
	}
	defer func() { _ = insSub.Close() }()

	insSeen, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO seen_items (feed_url, position, hash) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare seen insert: %w", err)
	}
	defer func() { _ = insSeen.Close() }()

	for _, f := range feeds {
		_, err = insFeed.ExecContext(ctx,
			f.URL, f.Title, f.Link, f.ErrorCount, f.LastError, formatTime(f.DownSince), boolToInt(f.Dead),
			int64(f.Interval/time.Second), f.NextDue.UTC().Format(timeLayout), int64(f.TTL/time.Second),
			formatTime(f.LastSuccess), f.ETag, f.LastModified,
		)
		if err != nil {
			return fmt.Errorf("insert feed %s: %w", f.URL, err)
		}
		for _, chatID := range f.Subscribers {
			if _, err = insSub.ExecContext(ctx, f.URL, chatID); err != nil {
				return fmt.Errorf("insert subscriber %d of %s: %w", chatID, f.URL, err)
			}
		}
		for i, h := range f.Seen {
			if _, err = insSeen.ExecContext(ctx, f.URL, i, h); err != nil {
				return fmt.Errorf("insert seen item of %s: %w", f.URL, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.dialect != migrations.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var (
		f           model.Feed
		downSince   sql.NullString
		dead        int
		intervalSec int64
		nextDue     string
		ttlSec      int64
		lastSuccess sql.NullString
	)
	err := row.Scan(&f.URL, &f.Title, &f.Link, &f.ErrorCount, &f.LastError, &downSince, &dead,
		&intervalSec, &nextDue, &ttlSec, &lastSuccess, &f.ETag, &f.LastModified)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}

	f.Dead = dead != 0
	f.Interval = time.Duration(intervalSec) * time.Second
	f.TTL = time.Duration(ttlSec) * time.Second
	if f.NextDue, err = time.Parse(timeLayout, nextDue); err != nil {
		return nil, fmt.Errorf("parse next_due of %s: %w", f.URL, err)
	}
	if f.DownSince, err = parseTime(downSince); err != nil {
		return nil, fmt.Errorf("parse down_since of %s: %w", f.URL, err)
	}
	if f.LastSuccess, err = parseTime(lastSuccess); err != nil {
		return nil, fmt.Errorf("parse last_success of %s: %w", f.URL, err)
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) (map[string]*model.Feed, error) {
	defer func() { _ = rows.Close() }()

	feeds := make(map[string]*model.Feed)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds[f.URL] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
