package sources

import (
	"context"
	"fmt"
	"strings"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

const marketResearchSystem = "You are a market analyst covering the Moroccan textile and apparel industry. " +
	"Reply with strict JSON only."

const marketResearchPrompt = `Identify the main textile and apparel companies operating in Morocco and the
recent corporate events affecting them (mergers and acquisitions, partnerships, expansions, regulation,
investments). Return {"companies":[{"name":"","country":"MA","hq_city":"","description":"","website":""}],
"events":[{"event_type":"investment","company_name":"","title":"","description":"","event_date":"YYYY-MM-DD",
"source_url":"","source_name":""}]}.`

var eventTypes = map[string]bool{
	"m_and_a":     true,
	"partnership": true,
	"expansion":   true,
	"regulation":  true,
	"investment":  true,
}

// MarketResearch asks an LLM for the company landscape and corporate events.
type MarketResearch struct {
	llm Completer
}

var _ agent.Source = (*MarketResearch)(nil)

// NewMarketResearch wires the completion client.
func NewMarketResearch(llm Completer) *MarketResearch {
	return &MarketResearch{llm: llm}
}

// Name identifies the source.
func (m *MarketResearch) Name() string { return NameMarketResearch }

// Fetch issues one completion request.
func (m *MarketResearch) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	if m.llm == nil {
		return nil, fmt.Errorf("market research: llm client is not configured")
	}
	reply, err := m.llm.Complete(ctx, doer, marketResearchSystem, marketResearchPrompt)
	if err != nil {
		return nil, fmt.Errorf("market research: %w", err)
	}
	return []agent.Payload{{Kind: "llm", Origin: "market", Body: []byte(reply)}}, nil
}

type marketReply struct {
	Companies []struct {
		Name        string `json:"name"`
		Country     string `json:"country"`
		HQCity      string `json:"hq_city"`
		Description string `json:"description"`
		Website     string `json:"website"`
	} `json:"companies"`
	Events []struct {
		EventType   string `json:"event_type"`
		CompanyName string `json:"company_name"`
		Title       string `json:"title"`
		Description string `json:"description"`
		EventDate   string `json:"event_date"`
		SourceURL   string `json:"source_url"`
		SourceName  string `json:"source_name"`
	} `json:"events"`
}

// Normalize maps the reply to companies and events; unnamed entries are dropped.
func (m *MarketResearch) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var batch domain.Batch
	for _, p := range payloads {
		var reply marketReply
		if err := decodeLLMObject(string(p.Body), &reply); err != nil {
			return batch, fmt.Errorf("market research: %w", err)
		}

		for _, c := range reply.Companies {
			name := cleanText(c.Name)
			if name == "" {
				continue
			}
			batch.Companies = append(batch.Companies, domain.Company{
				Name:        name,
				Country:     strings.ToUpper(strings.TrimSpace(c.Country)),
				HQCity:      cleanText(c.HQCity),
				Description: cleanText(c.Description),
				Website:     strings.TrimSpace(c.Website),
				Source:      NameMarketResearch,
			})
		}

		for _, e := range reply.Events {
			title := cleanText(e.Title)
			if title == "" {
				continue
			}
			kind := strings.ToLower(strings.TrimSpace(e.EventType))
			if !eventTypes[kind] {
				kind = "investment"
			}
			sourceName := strings.TrimSpace(e.SourceName)
			if sourceName == "" {
				sourceName = NameMarketResearch
			}
			batch.Events = append(batch.Events, domain.MarketEvent{
				EventType:   kind,
				CompanyName: cleanText(e.CompanyName),
				Title:       title,
				Description: cleanText(e.Description),
				EventDate:   parseDay(e.EventDate),
				SourceURL:   strings.TrimSpace(e.SourceURL),
				SourceName:  sourceName,
			})
		}
	}
	return batch, nil
}
