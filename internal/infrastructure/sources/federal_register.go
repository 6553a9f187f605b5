package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

const federalRegisterBaseURL = "https://www.federalregister.gov/api/v1/documents.json"

type federalRegisterQuery struct {
	term    string
	days    int
	types   []string
	perPage int
}

var federalRegisterQueries = []federalRegisterQuery{
	{term: "textile trade apparel import quota tariff", days: 60, types: []string{"RULE", "PRORULE", "NOTICE"}, perPage: 50},
	{term: "Morocco textile apparel trade antidumping", days: 90, perPage: 25},
}

// FederalRegister collects US regulatory documents on textile trade.
type FederalRegister struct {
	baseURL string
	now     func() time.Time
}

var _ agent.Source = (*FederalRegister)(nil)

// NewFederalRegister uses the public API when baseURL is empty.
func NewFederalRegister(baseURL string, clock func() time.Time) *FederalRegister {
	if baseURL == "" {
		baseURL = federalRegisterBaseURL
	}
	if clock == nil {
		clock = time.Now
	}
	return &FederalRegister{baseURL: baseURL, now: clock}
}

// Name identifies the source.
func (f *FederalRegister) Name() string { return NameFederalRegister }

// Fetch runs each search term; failures are collected and the rest still run.
func (f *FederalRegister) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	var (
		payloads []agent.Payload
		errs     []error
	)
	for _, q := range federalRegisterQueries {
		resp, err := doer.Do(ctx, fetch.Request{URL: f.baseURL, Params: f.params(q)})
		if err != nil {
			errs = append(errs, fmt.Errorf("federal register %q: %w", q.term, err))
			if errors.Is(err, domain.ErrQuotaExceeded) || ctx.Err() != nil {
				break
			}
			continue
		}
		payloads = append(payloads, agent.Payload{Kind: "documents", Origin: q.term, Body: resp.Body})
	}
	return payloads, errors.Join(errs...)
}

func (f *FederalRegister) params(q federalRegisterQuery) url.Values {
	since := f.now().UTC().AddDate(0, 0, -q.days).Format(domain.PeriodLayout)
	v := url.Values{
		"conditions[term]":                  {q.term},
		"conditions[publication_date][gte]": {since},
		"per_page":                          {strconv.Itoa(q.perPage)},
		"order":                             {"newest"},
		"fields[]":                          {"title", "abstract", "document_number", "html_url", "publication_date", "type", "agencies"},
	}
	for _, t := range q.types {
		v.Add("conditions[type][]", t)
	}
	return v
}

type federalRegisterResponse struct {
	Results []struct {
		Title           string `json:"title"`
		Abstract        string `json:"abstract"`
		DocumentNumber  string `json:"document_number"`
		HTMLURL         string `json:"html_url"`
		PublicationDate string `json:"publication_date"`
		Type            string `json:"type"`
		Agencies        []struct {
			Name string `json:"name"`
		} `json:"agencies"`
	} `json:"results"`
}

// Normalize maps documents to regulatory news articles; documents without html_url are dropped.
func (f *FederalRegister) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var (
		batch domain.Batch
		errs  []error
	)
	for _, p := range payloads {
		var decoded federalRegisterResponse
		if err := json.Unmarshal(p.Body, &decoded); err != nil {
			errs = append(errs, fmt.Errorf("federal register %q: %w", p.Origin, err))
			continue
		}
		for _, doc := range decoded.Results {
			if doc.HTMLURL == "" {
				continue
			}
			title := cleanText(doc.Title)
			summary := truncate(cleanText(doc.Abstract), 500)
			if summary == "" {
				summary = title
			}

			tags := make([]string, 0, len(doc.Agencies)+4)
			for _, a := range doc.Agencies {
				if a.Name != "" {
					tags = append(tags, a.Name)
				}
			}
			if t := strings.ToLower(strings.TrimSpace(doc.Type)); t != "" {
				tags = append(tags, t)
			}
			tags = append(tags, "textile", "united-states", "regulation")

			batch.News = append(batch.News, domain.NewsArticle{
				Title:          title,
				Summary:        summary,
				Content:        cleanText(doc.Abstract),
				SourceURL:      doc.HTMLURL,
				SourceName:     "Federal Register",
				Category:       "regulatory",
				Tags:           tags,
				PublishedAt:    parseDay(doc.PublicationDate),
				RelevanceScore: 0.7,
			})
		}
	}
	return batch, errors.Join(errs...)
}
