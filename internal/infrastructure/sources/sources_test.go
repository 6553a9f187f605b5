package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

var fixedNow = func() time.Time { return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) }

func testClient() *fetch.Client {
	return fetch.New(fetch.Config{MaxAttempts: 1, Timeout: 5 * time.Second})
}

const eurostatFixture = `{
  "id": ["indic_et", "sitc06", "time"],
  "size": [2, 1, 2],
  "dimension": {
    "indic_et": {"category": {"index": {"MIO_EXP_VAL": 0, "MIO_IMP_VAL": 1}}},
    "sitc06": {"category": {"index": {"SITC6_8": 0}}},
    "time": {"category": {"index": ["2022", "2023"]}},
    "partner": {"category": {"index": {"MA": 0}, "label": {"MA": "Morocco"}}}
  },
  "value": {"0": 1.5, "1": 2.0, "2": 3.0, "3": null}
}`

func TestEurostatFetchAndNormalize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/ext_lt_maineu", r.URL.Path)
		assert.Equal(t, "MA", r.URL.Query().Get("partner"))
		assert.Equal(t, "EU27_2020", r.URL.Query().Get("geo"))
		assert.Equal(t, "2020", r.URL.Query().Get("sinceTimePeriod"))
		_, _ = w.Write([]byte(eurostatFixture))
	}))
	defer srv.Close()

	src := NewEurostat(EurostatConfig{BaseURL: srv.URL + "/data", Clock: fixedNow})
	payloads, err := src.Fetch(context.Background(), testClient())
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	batch, err := src.Normalize(payloads)
	require.NoError(t, err)
	require.Len(t, batch.Trade, 3)

	first := batch.Trade[0]
	assert.Equal(t, NameEurostat, first.Source)
	assert.Equal(t, domain.FlowExport, first.Flow)
	assert.Equal(t, "SITC6_8", first.HSCode)
	assert.Equal(t, "Other manufactured goods (incl. textiles)", first.HSDescription)
	assert.Equal(t, "Morocco", first.PartnerName)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), first.PeriodDate)
	require.NotNil(t, first.ValueEUR)
	assert.InDelta(t, 1_500_000, *first.ValueEUR, 0.001)
	assert.Nil(t, first.ValueUSD)

	third := batch.Trade[2]
	assert.Equal(t, domain.FlowImport, third.Flow)
	assert.InDelta(t, 3_000_000, *third.ValueEUR, 0.001)
}

func TestEurostatNormalizeRejectsMalformedShape(t *testing.T) {
	t.Parallel()

	src := NewEurostat(EurostatConfig{})
	_, err := src.Normalize([]agent.Payload{{Origin: "x", Body: []byte(`{"id":["a"],"size":[],"value":[]}`)}})
	require.Error(t, err)
}

func TestEurostatDenseValues(t *testing.T) {
	t.Parallel()

	body := `{"id":["indic_et","time"],"size":[1,2],
	"dimension":{"indic_et":{"category":{"index":["MIO_EXP_VAL"]}},"time":{"category":{"index":["2023M01","2023M02"]}}},
	"value":[4, null]}`
	batch, err := NewEurostat(EurostatConfig{}).Normalize([]agent.Payload{{Body: []byte(body)}})
	require.NoError(t, err)
	require.Len(t, batch.Trade, 1)
	assert.Equal(t, "TOTAL", batch.Trade[0].HSCode)
	assert.Equal(t, "M", batch.Trade[0].Frequency)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), batch.Trade[0].PeriodDate)
}

func TestParseEurostatPeriod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		month time.Month
		freq  string
		ok    bool
	}{
		{"2023", time.January, "A", true},
		{"2023M07", time.July, "M", true},
		{"2023-11", time.November, "M", true},
		{"2023Q3", time.July, "Q", true},
		{"2023Q5", 0, "", false},
		{"2023M13", 0, "", false},
		{"soon", 0, "", false},
	}
	for _, tc := range cases {
		got, freq, ok := parseEurostatPeriod(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.month, got.Month(), tc.in)
			assert.Equal(t, tc.freq, freq, tc.in)
		}
	}
}

func TestComtradeRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewComtrade(ComtradeConfig{}).Fetch(context.Background(), testClient())
	require.Error(t, err)
}

func TestComtradeFetchAndNormalize(t *testing.T) {
	t.Parallel()

	var partners []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		q := r.URL.Query()
		assert.Equal(t, "504", q.Get("reporterCode"))
		assert.Equal(t, "M,X", q.Get("flowCode"))
		assert.True(t, strings.HasPrefix(q.Get("cmdCode"), "50,51"))
		partners = append(partners, q.Get("partnerCode"))
		_, _ = w.Write([]byte(`{"data":[
			{"reporterCode":504,"reporterDesc":"Morocco","partnerCode":0,"cmdCode":61,"cmdDescE":"Knitted apparel","flowCode":"X","period":2023,"primaryValue":1200.5,"netWgt":10},
			{"reporterCode":504,"partnerCode":"250","partnerDesc":"France","cmdCode":"62","flowCode":"M","period":"202305","primaryValue":99},
			{"reporterCode":504,"partnerCode":0,"cmdCode":"99","flowCode":"R","period":2023}
		]}`))
	}))
	defer srv.Close()

	src := NewComtrade(ComtradeConfig{BaseURL: srv.URL, APIKey: "secret", Clock: fixedNow})
	payloads, err := src.Fetch(context.Background(), testClient())
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, []string{"0", strings.Join(comtradePartners, ",")}, partners)

	batch, err := src.Normalize(payloads[:1])
	require.NoError(t, err)
	require.Len(t, batch.Trade, 2)

	world := batch.Trade[0]
	assert.Equal(t, "0", world.PartnerCode)
	assert.Equal(t, "World", world.PartnerName)
	assert.Equal(t, "61", world.HSCode)
	assert.Equal(t, "Apparel, knitted or crocheted", world.HSDescription)
	assert.Equal(t, domain.FlowExport, world.Flow)
	assert.InDelta(t, 1200.5, *world.ValueUSD, 0.0001)

	france := batch.Trade[1]
	assert.Equal(t, domain.FlowImport, france.Flow)
	assert.Equal(t, "M", france.Frequency)
	assert.Equal(t, time.May, france.PeriodDate.Month())
}

func TestComtradeStopsAfterQuota(t *testing.T) {
	t.Parallel()

	calls := 0
	doer := doerFunc(func(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
		calls++
		return nil, domain.ErrQuotaExceeded
	})
	_, err := NewComtrade(ComtradeConfig{APIKey: "k"}).Fetch(context.Background(), doer)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, 1, calls)
}

func TestFederalRegisterNormalize(t *testing.T) {
	t.Parallel()

	var terms []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		terms = append(terms, r.URL.Query().Get("conditions[term]"))
		assert.Contains(t, r.URL.Query()["fields[]"], "html_url")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Textile <b>quota</b> rule","abstract":"","html_url":"https://fr.example/doc/1","publication_date":"2025-02-20","type":"Rule","agencies":[{"name":"Commerce Department"}]},
			{"title":"No link","abstract":"dropped"}
		]}`))
	}))
	defer srv.Close()

	src := NewFederalRegister(srv.URL, fixedNow)
	payloads, err := src.Fetch(context.Background(), testClient())
	require.NoError(t, err)
	require.Len(t, terms, 2)

	batch, err := src.Normalize(payloads)
	require.NoError(t, err)
	require.Len(t, batch.News, 2)

	doc := batch.News[0]
	assert.Equal(t, "Textile quota rule", doc.Title)
	assert.Equal(t, doc.Title, doc.Summary)
	assert.Equal(t, "regulatory", doc.Category)
	assert.Equal(t, "Federal Register", doc.SourceName)
	assert.Contains(t, doc.Tags, "Commerce Department")
	assert.Contains(t, doc.Tags, "regulation")
	require.NotNil(t, doc.PublishedAt)
	assert.Equal(t, 20, doc.PublishedAt.Day())
}

const otexaPage = `<html><body>
<div class="views-row">
  <h3><a href="/otexa/news/quota-update">Quota <em>update</em></a></h3>
  <time datetime="2025-03-01">March 1, 2025</time>
  <p>New <b>category</b> limits apply.</p>
</div>
<div class="views-row"><h3>No link here</h3></div>
<div class="views-row">
  <h3><a href="https://www.trade.gov/otexa/news/quota-update">Duplicate</a></h3>
</div>
</body></html>`

func TestOTEXANormalizeResolvesLinks(t *testing.T) {
	t.Parallel()

	src := NewOTEXA(OTEXAConfig{})
	batch, err := src.Normalize([]agent.Payload{{Kind: "html", Origin: "https://www.trade.gov/otexa-news", Body: []byte(otexaPage)}})
	require.NoError(t, err)
	require.Len(t, batch.News, 1)

	item := batch.News[0]
	assert.Equal(t, "https://www.trade.gov/otexa/news/quota-update", item.SourceURL)
	assert.Equal(t, "Quota update", item.Title)
	assert.Equal(t, "New category limits apply.", item.Summary)
	assert.Equal(t, "trade_data", item.Category)
	assert.Contains(t, item.Content, "**category**")
	require.NotNil(t, item.PublishedAt)
	assert.Equal(t, time.March, item.PublishedAt.Month())
}

func TestOTEXAFetchContinuesAfterFailedPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(otexaPage))
	}))
	defer srv.Close()

	src := NewOTEXA(OTEXAConfig{Pages: []string{srv.URL + "/missing", srv.URL + "/news"}})
	payloads, err := src.Fetch(context.Background(), testClient())
	require.Error(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, srv.URL+"/news", payloads[0].Origin)
}

func TestOTEXANormalizeStopsAtMaxItemsAcrossPages(t *testing.T) {
	t.Parallel()

	page := func(slugs ...string) []byte {
		var b strings.Builder
		b.WriteString("<html><body>")
		for _, slug := range slugs {
			fmt.Fprintf(&b, `<div class="views-row"><h3><a href="/otexa/news/%s">%s</a></h3></div>`, slug, slug)
		}
		b.WriteString("</body></html>")
		return b.Bytes()
	}

	src := NewOTEXA(OTEXAConfig{MaxItems: 2})
	batch, err := src.Normalize([]agent.Payload{
		{Kind: "html", Origin: "https://www.trade.gov/a", Body: page("one", "two")},
		{Kind: "html", Origin: "https://www.trade.gov/b", Body: page("three")},
		{Kind: "html", Origin: "https://www.trade.gov/c", Body: page("four")},
	})
	require.NoError(t, err)
	require.Len(t, batch.News, 2)
	assert.Equal(t, "one", batch.News[0].Title)
	assert.Equal(t, "two", batch.News[1].Title)
}

type stubCompleter struct {
	reply string
	err   error
}

func (s stubCompleter) Complete(context.Context, fetch.Doer, string, string) (string, error) {
	return s.reply, s.err
}

func TestNewsWatcherNormalize(t *testing.T) {
	t.Parallel()

	reply := "```json\n" + `{"articles":[
		{"title":"Factory opens","summary":"A new plant","source_url":"https://news.example/a","category":"Investment","relevance_score":1.7},
		{"title":"Missing url","source_url":""}
	]}` + "\n```"
	src := NewNewsWatcher(stubCompleter{reply: reply}, 0)
	payloads, err := src.Fetch(context.Background(), testClient())
	require.NoError(t, err)

	batch, err := src.Normalize(payloads)
	require.NoError(t, err)
	require.Len(t, batch.News, 1)
	assert.Equal(t, "investment", batch.News[0].Category)
	assert.Equal(t, 1.0, batch.News[0].RelevanceScore)
	assert.Equal(t, "web", batch.News[0].SourceName)
}

func TestNewsWatcherAcceptsBareArray(t *testing.T) {
	t.Parallel()

	src := NewNewsWatcher(stubCompleter{}, 7)
	batch, err := src.Normalize([]agent.Payload{{Body: []byte(`Here you go: [{"title":"T","source_url":"https://x.example"}]`)}})
	require.NoError(t, err)
	require.Len(t, batch.News, 1)
	assert.Equal(t, "industry", batch.News[0].Category)
}

func TestNewsWatcherPropagatesCompletionError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream down")
	_, err := NewNewsWatcher(stubCompleter{err: boom}, 7).Fetch(context.Background(), testClient())
	require.ErrorIs(t, err, boom)
}

func TestMarketResearchNormalize(t *testing.T) {
	t.Parallel()

	reply := `Sure. {"companies":[{"name":" Acme Textiles ","country":"ma","hq_city":"Tangier"},{"name":""}],
	"events":[{"event_type":"JV","company_name":"Acme","title":"Acme partners with X","event_date":"2024-11-05"},
	{"event_type":"m_and_a","title":"Acme buys Y"}]}`
	batch, err := NewMarketResearch(stubCompleter{}).Normalize([]agent.Payload{{Body: []byte(reply)}})
	require.NoError(t, err)

	require.Len(t, batch.Companies, 1)
	assert.Equal(t, "Acme Textiles", batch.Companies[0].Name)
	assert.Equal(t, "MA", batch.Companies[0].Country)

	require.Len(t, batch.Events, 2)
	assert.Equal(t, "investment", batch.Events[0].EventType)
	assert.Equal(t, "2024-11-05", batch.Events[0].EventDay())
	assert.Equal(t, "m_and_a", batch.Events[1].EventType)
	assert.Equal(t, "", batch.Events[1].EventDay())
}

func TestMarketResearchRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewMarketResearch(stubCompleter{}).Normalize([]agent.Payload{{Body: []byte("no data today")}})
	require.Error(t, err)
}

func TestCleanTextAndTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a & b c", cleanText("<p>a &amp; <i>b</i>\n\n c</p>"))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "abc", truncate("abc", 3))
}

type doerFunc func(ctx context.Context, req fetch.Request) (*fetch.Response, error)

func (f doerFunc) Do(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	return f(ctx, req)
}
