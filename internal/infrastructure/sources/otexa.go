package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

// Selectors locate listing entries inside an OTEXA page.
type Selectors struct {
	Item    string
	Title   string
	Link    string
	Date    string
	Summary string
}

func (s *Selectors) defaults() {
	if s.Item == "" {
		s.Item = "article, .views-row"
	}
	if s.Title == "" {
		s.Title = "h2, h3, .title"
	}
	if s.Link == "" {
		s.Link = "a[href]"
	}
	if s.Date == "" {
		s.Date = "time, .date"
	}
	if s.Summary == "" {
		s.Summary = "p, .summary"
	}
}

// OTEXAConfig lists the pages to scrape.
type OTEXAConfig struct {
	Pages     []string
	Selectors Selectors
	MaxItems  int
}

// OTEXA scrapes the trade.gov textile office news listings.
type OTEXA struct {
	cfg       OTEXAConfig
	converter *converter.Converter
}

var _ agent.Source = (*OTEXA)(nil)

// NewOTEXA fills default pages and selectors.
func NewOTEXA(cfg OTEXAConfig) *OTEXA {
	if len(cfg.Pages) == 0 {
		cfg.Pages = []string{"https://www.trade.gov/otexa-news"}
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	cfg.Selectors.defaults()
	return &OTEXA{
		cfg: cfg,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Name identifies the source.
func (o *OTEXA) Name() string { return NameOTEXA }

// Fetch downloads every listing page; a failing page does not stop the others.
func (o *OTEXA) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	var (
		payloads []agent.Payload
		errs     []error
	)
	for _, page := range o.cfg.Pages {
		resp, err := doer.Do(ctx, fetch.Request{
			URL:     page,
			Headers: map[string]string{"Accept": "text/html"},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("otexa %s: %w", page, err))
			if errors.Is(err, domain.ErrQuotaExceeded) || ctx.Err() != nil {
				break
			}
			continue
		}
		payloads = append(payloads, agent.Payload{Kind: "html", Origin: page, Body: resp.Body})
	}
	return payloads, errors.Join(errs...)
}

// Normalize extracts listing entries as trade_data news articles.
func (o *OTEXA) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var (
		batch domain.Batch
		errs  []error
	)
	seen := map[string]struct{}{}
	for _, p := range payloads {
		if len(batch.News) >= o.cfg.MaxItems {
			break
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", p.Origin, err))
			continue
		}
		pageURL, err := url.Parse(p.Origin)
		if err != nil {
			errs = append(errs, fmt.Errorf("page url %s: %w", p.Origin, err))
			continue
		}

		doc.Find(o.cfg.Selectors.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
			if len(batch.News) >= o.cfg.MaxItems {
				return false
			}
			article, ok := o.extract(item, pageURL)
			if !ok {
				return true
			}
			if _, dup := seen[article.SourceURL]; dup {
				return true
			}
			seen[article.SourceURL] = struct{}{}
			batch.News = append(batch.News, article)
			return true
		})
	}
	return batch, errors.Join(errs...)
}

func (o *OTEXA) extract(item *goquery.Selection, page *url.URL) (domain.NewsArticle, bool) {
	sel := o.cfg.Selectors

	link := item.Find(sel.Title).Find(sel.Link).First()
	if link.Length() == 0 {
		link = item.Find(sel.Link).First()
	}
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return domain.NewsArticle{}, false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return domain.NewsArticle{}, false
	}
	target := page.ResolveReference(ref).String()

	title := cleanText(item.Find(sel.Title).First().Text())
	if title == "" {
		title = cleanText(link.Text())
	}
	if title == "" {
		return domain.NewsArticle{}, false
	}

	dateText := item.Find(sel.Date).First().AttrOr("datetime", "")
	if dateText == "" {
		dateText = item.Find(sel.Date).First().Text()
	}

	rawHTML, _ := goquery.OuterHtml(item)
	content, err := o.converter.ConvertString(rawHTML, converter.WithDomain(page.Scheme+"://"+page.Host))
	if err != nil {
		content = cleanText(item.Text())
	}

	summary := truncate(cleanText(item.Find(sel.Summary).First().Text()), 500)
	if summary == "" {
		summary = title
	}

	return domain.NewsArticle{
		Title:          title,
		Summary:        summary,
		Content:        strings.TrimSpace(content),
		SourceURL:      target,
		SourceName:     "OTEXA",
		Category:       "trade_data",
		Tags:           []string{"textile", "united-states", "otexa"},
		PublishedAt:    parseDay(dateText),
		RelevanceScore: 0.6,
	}, true
}
