package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TradeCollector/internal/domain"
)

const newsChunk = 200

const newsConflict = `ON CONFLICT (source_url) DO UPDATE
	SET title = EXCLUDED.title,
	    summary = EXCLUDED.summary,
	    content = EXCLUDED.content,
	    source_name = EXCLUDED.source_name,
	    category = EXCLUDED.category,
	    tags = EXCLUDED.tags,
	    published_at = COALESCE(EXCLUDED.published_at, news_articles.published_at),
	    relevance_score = EXCLUDED.relevance_score,
	    updated_at = EXCLUDED.updated_at`

// NewsRepository persists news articles keyed by source URL.
type NewsRepository struct {
	db  *DB
	now func() time.Time
}

// NewNewsRepository wires a DB handle.
func NewNewsRepository(db *DB) *NewsRepository {
	return &NewsRepository{db: db, now: time.Now}
}

// Upsert inserts or refreshes articles. Articles without a URL are skipped.
func (r *NewsRepository) Upsert(ctx context.Context, articles []domain.NewsArticle) (int, error) {
	articles = dedupeNews(articles)
	if len(articles) == 0 {
		return 0, nil
	}

	now := toMillis(r.now())
	written := 0
	for _, span := range chunks(len(articles), newsChunk) {
		q := r.db.sb.Insert("news_articles").Columns(
			"id", "source_url", "title", "summary", "content", "source_name", "category",
			"tags", "published_at", "relevance_score", "created_at", "updated_at",
		)
		for _, a := range articles[span[0]:span[1]] {
			tags, err := json.Marshal(nonNilTags(a.Tags))
			if err != nil {
				return written, fmt.Errorf("encode tags: %w", err)
			}
			q = q.Values(
				uuid.NewString(), a.SourceURL, a.Title, a.Summary, a.Content, a.SourceName, a.Category,
				string(tags), nullMillis(a.PublishedAt), a.RelevanceScore, now, now,
			)
		}

		query, args, err := q.Suffix(newsConflict).ToSql()
		if err != nil {
			return written, fmt.Errorf("build news upsert: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return written, fmt.Errorf("upsert news articles: %w", err)
		}
		written = span[1]
	}

	return len(articles), nil
}

// Count returns the number of stored articles.
func (r *NewsRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM news_articles").Scan(&n); err != nil {
		return 0, fmt.Errorf("count news articles: %w", err)
	}
	return n, nil
}

// Get loads one article by URL.
func (r *NewsRepository) Get(ctx context.Context, sourceURL string) (domain.NewsArticle, error) {
	query, args, err := r.db.sb.Select(
		"source_url", "title", "summary", "content", "source_name", "category", "tags", "published_at", "relevance_score",
	).From("news_articles").Where("source_url = ?", sourceURL).ToSql()
	if err != nil {
		return domain.NewsArticle{}, fmt.Errorf("build news get: %w", err)
	}

	var (
		a         domain.NewsArticle
		tags      string
		published sql.NullInt64
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&a.SourceURL, &a.Title, &a.Summary, &a.Content, &a.SourceName, &a.Category, &tags, &published, &a.RelevanceScore,
	)
	if err != nil {
		return domain.NewsArticle{}, fmt.Errorf("get news article: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return domain.NewsArticle{}, fmt.Errorf("decode tags: %w", err)
	}
	a.PublishedAt = timePtr(published)
	return a, nil
}

func dedupeNews(articles []domain.NewsArticle) []domain.NewsArticle {
	index := make(map[string]int, len(articles))
	out := make([]domain.NewsArticle, 0, len(articles))
	for _, a := range articles {
		if a.SourceURL == "" {
			continue
		}
		if i, ok := index[a.SourceURL]; ok {
			out[i] = a
			continue
		}
		index[a.SourceURL] = len(out)
		out = append(out, a)
	}
	return out
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
