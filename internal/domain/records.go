package domain

import (
	"strings"
	"time"
)

// Flow is the direction of a trade movement from the reporter's point of view.
type Flow string

const (
	FlowImport Flow = "import"
	FlowExport Flow = "export"
)

// PeriodLayout is the canonical textual form of TradeRecord.PeriodDate.
const PeriodLayout = "2006-01-02"

// TradeRecord is one observation of a reporter/partner/product flow for a period.
type TradeRecord struct {
	Source        string
	ReporterCode  string
	ReporterName  string
	PartnerCode   string
	PartnerName   string
	HSCode        string
	HSDescription string
	Flow          Flow
	PeriodDate    time.Time
	Frequency     string
	ValueUSD      *float64
	ValueEUR      *float64
	WeightKG      *float64
	Quantity      *float64
}

// Key returns the natural key used for upserts.
func (r TradeRecord) Key() string {
	return strings.Join([]string{
		r.Source,
		r.ReporterCode,
		r.PartnerCode,
		r.HSCode,
		string(r.Flow),
		r.PeriodDate.UTC().Format(PeriodLayout),
		r.Frequency,
	}, "|")
}

// NewsArticle is a regulatory or market news item, unique by SourceURL.
type NewsArticle struct {
	Title          string
	Summary        string
	Content        string
	SourceURL      string
	SourceName     string
	Category       string
	Tags           []string
	PublishedAt    *time.Time
	RelevanceScore float64
}

// Company is a market actor, unique by normalized name and country.
type Company struct {
	Name        string
	Country     string
	HQCity      string
	Description string
	Website     string
	Source      string
}

// NameKey is the case and whitespace insensitive form of Name.
func (c Company) NameKey() string {
	return NormalizeKey(c.Name)
}

// MarketEvent is a dated competitive event (investment, partnership, ...).
type MarketEvent struct {
	EventType   string
	CompanyName string
	Title       string
	Description string
	EventDate   *time.Time
	SourceURL   string
	SourceName  string
}

// TitleKey is the case and whitespace insensitive form of Title.
func (e MarketEvent) TitleKey() string {
	return NormalizeKey(e.Title)
}

// EventDay returns the event date as YYYY-MM-DD, empty when unknown.
func (e MarketEvent) EventDay() string {
	if e.EventDate == nil {
		return ""
	}
	return e.EventDate.UTC().Format(PeriodLayout)
}

// MarketSizeEntry is a derived yearly market size for a segment and geography.
type MarketSizeEntry struct {
	SegmentCode   string
	GeographyCode string
	Year          int
	Flow          Flow
	Value         float64
	Source        string
}

// Batch groups normalized records produced by one agent run.
type Batch struct {
	Trade     []TradeRecord
	News      []NewsArticle
	Companies []Company
	Events    []MarketEvent
}

// Len is the number of records across all kinds.
func (b Batch) Len() int {
	return len(b.Trade) + len(b.News) + len(b.Companies) + len(b.Events)
}

// Append merges other into b.
func (b *Batch) Append(other Batch) {
	b.Trade = append(b.Trade, other.Trade...)
	b.News = append(b.News, other.News...)
	b.Companies = append(b.Companies, other.Companies...)
	b.Events = append(b.Events, other.Events...)
}

// NormalizeKey lower-cases s and collapses runs of whitespace.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
