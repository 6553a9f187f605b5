package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

const newsWatcherSystem = "You monitor news about the Moroccan textile and apparel industry. " +
	"Reply with strict JSON only."

const newsWatcherPrompt = `List the most relevant news published in the last %d days about the textile and apparel
sector in Morocco (exports, investments, factories, trade agreements, regulation).
Return {"articles":[{"title":"","summary":"","source_url":"","source_name":"","category":"",
"tags":[],"published_at":"YYYY-MM-DD","relevance_score":0.0}]}.`

var newsCategories = map[string]bool{
	"industry":   true,
	"trade_data": true,
	"regulatory": true,
	"investment": true,
	"market":     true,
}

// NewsWatcher asks an LLM with web search for recent sector news.
type NewsWatcher struct {
	llm      Completer
	lookback int
}

var _ agent.Source = (*NewsWatcher)(nil)

// NewNewsWatcher looks back lookbackDays (default 7).
func NewNewsWatcher(llm Completer, lookbackDays int) *NewsWatcher {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	return &NewsWatcher{llm: llm, lookback: lookbackDays}
}

// Name identifies the source.
func (n *NewsWatcher) Name() string { return NameNewsWatcher }

// Fetch issues one completion request.
func (n *NewsWatcher) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	if n.llm == nil {
		return nil, fmt.Errorf("news watcher: llm client is not configured")
	}
	reply, err := n.llm.Complete(ctx, doer, newsWatcherSystem, fmt.Sprintf(newsWatcherPrompt, n.lookback))
	if err != nil {
		return nil, fmt.Errorf("news watcher: %w", err)
	}
	return []agent.Payload{{Kind: "llm", Origin: "news", Body: []byte(reply)}}, nil
}

type llmArticle struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Content        string   `json:"content"`
	SourceURL      string   `json:"source_url"`
	SourceName     string   `json:"source_name"`
	Category       string   `json:"category"`
	Tags           []string `json:"tags"`
	PublishedAt    string   `json:"published_at"`
	RelevanceScore *float64 `json:"relevance_score"`
}

// Normalize accepts {"articles":[...]} or a bare array; items without source_url are dropped.
func (n *NewsWatcher) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var batch domain.Batch
	for _, p := range payloads {
		items, err := decodeArticles(string(p.Body))
		if err != nil {
			return batch, fmt.Errorf("news watcher: %w", err)
		}
		for _, it := range items {
			if strings.TrimSpace(it.SourceURL) == "" || strings.TrimSpace(it.Title) == "" {
				continue
			}
			category := strings.ToLower(strings.TrimSpace(it.Category))
			if !newsCategories[category] {
				category = "industry"
			}
			score := 0.5
			if it.RelevanceScore != nil {
				score = clamp01(*it.RelevanceScore)
			}
			sourceName := strings.TrimSpace(it.SourceName)
			if sourceName == "" {
				sourceName = "web"
			}
			batch.News = append(batch.News, domain.NewsArticle{
				Title:          cleanText(it.Title),
				Summary:        truncate(cleanText(it.Summary), 500),
				Content:        cleanText(it.Content),
				SourceURL:      strings.TrimSpace(it.SourceURL),
				SourceName:     sourceName,
				Category:       category,
				Tags:           it.Tags,
				PublishedAt:    parseDay(it.PublishedAt),
				RelevanceScore: score,
			})
		}
	}
	return batch, nil
}

func decodeArticles(raw string) ([]llmArticle, error) {
	start := strings.Index(raw, "[")
	obj := strings.Index(raw, "{")
	if start >= 0 && (obj < 0 || start < obj) {
		end := strings.LastIndex(raw, "]")
		if end < start {
			return nil, fmt.Errorf("unterminated article list")
		}
		var items []llmArticle
		if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
			return nil, fmt.Errorf("decode article list: %w", err)
		}
		return items, nil
	}

	var wrapped struct {
		Articles []llmArticle `json:"articles"`
	}
	if err := decodeLLMObject(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Articles, nil
}
