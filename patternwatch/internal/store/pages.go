package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Page is a row of watch_pages.
type Page struct {
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
	File    string `json:"file,omitempty"`
	Stealth string `json:"stealth,omitempty"`
	Enabled bool   `json:"enabled"`
}

// UpsertPage inserts or replaces a watched page.
func (s *Store) UpsertPage(ctx context.Context, p Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_pages (id, url, file, stealth, enabled, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, file = excluded.file, stealth = excluded.stealth,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		p.ID, p.URL, p.File, p.Stealth, p.Enabled, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert page %s: %w", p.ID, err)
	}
	return nil
}

// DeletePage removes a watched page.
func (s *Store) DeletePage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watch_pages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete page %s: %w", id, err)
	}
	return nil
}

// Pages returns every watched page ordered by id.
func (s *Store) Pages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, file, stealth, enabled FROM watch_pages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: pages: %w", err)
	}
	defer rows.Close()
	var out []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.URL, &p.File, &p.Stealth, &p.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// pagesVersion changes whenever a page row is written or deleted.
func (s *Store) pagesVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) || ':' || COALESCE(MAX(updated_at), 0) FROM watch_pages`).Scan(&v)
	return v, err
}

// WatchOptions tunes WatchPages.
type WatchOptions struct {
	Interval time.Duration // poll period, default 1s
	Debounce time.Duration // quiet period before reload, 0 = immediate
	Logger   *slog.Logger
}

// WatchPages calls reload with the current page list once, then again
// whenever watch_pages changes, until ctx is cancelled. A failed reload is
// retried on the next poll.
func (s *Store) WatchPages(ctx context.Context, opts WatchOptions, reload func([]Page) error) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	applied := ""
	apply := func(ver string) {
		pages, err := s.Pages(ctx)
		if err == nil {
			err = reload(pages)
		}
		if err != nil {
			log.Error("store: page reload failed", "error", err, "version", ver)
			return
		}
		applied = ver
		log.Info("store: pages reloaded", "pages", len(pages), "version", ver)
	}

	if ver, err := s.pagesVersion(ctx); err != nil {
		log.Warn("store: initial page version failed", "error", err)
	} else {
		apply(ver)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	var debounce <-chan time.Time
	pending := ""

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ver, err := s.pagesVersion(ctx)
			if err != nil {
				log.Warn("store: page version check failed", "error", err)
				continue
			}
			if ver == applied || ver == pending {
				continue
			}
			pending = ver
			if opts.Debounce <= 0 {
				apply(pending)
				pending = ""
				continue
			}
			debounce = time.After(opts.Debounce)
			log.Debug("store: page change detected, debouncing", "version", ver)
		case <-debounce:
			debounce = nil
			if pending != "" {
				apply(pending)
				pending = ""
			}
		}
	}
}
