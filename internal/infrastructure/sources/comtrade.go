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

const comtradeBaseURL = "https://comtradeapi.un.org/data/v1/get/C/A/HS"

// Morocco's M49 code.
const comtradeReporter = "504"

var comtradePartners = []string{"250", "724", "276", "380", "620", "840", "156", "792", "699"}

var hsChapterLabels = map[string]string{
	"50": "Silk",
	"51": "Wool, fine or coarse animal hair",
	"52": "Cotton",
	"53": "Other vegetable textile fibres",
	"54": "Man-made filaments",
	"55": "Man-made staple fibres",
	"56": "Wadding, felt and nonwovens",
	"57": "Carpets and other textile floor coverings",
	"58": "Special woven fabrics",
	"59": "Impregnated, coated or laminated textile fabrics",
	"60": "Knitted or crocheted fabrics",
	"61": "Apparel, knitted or crocheted",
	"62": "Apparel, not knitted or crocheted",
	"63": "Other made up textile articles",
}

// ComtradeConfig holds the subscription key and query window.
type ComtradeConfig struct {
	BaseURL  string
	APIKey   string
	Chapters []string
	Clock    func() time.Time
}

// Comtrade collects Moroccan textile trade by HS chapter from UN Comtrade.
type Comtrade struct {
	cfg ComtradeConfig
}

var _ agent.Source = (*Comtrade)(nil)

// NewComtrade fills defaults for empty fields.
func NewComtrade(cfg ComtradeConfig) *Comtrade {
	if cfg.BaseURL == "" {
		cfg.BaseURL = comtradeBaseURL
	}
	if len(cfg.Chapters) == 0 {
		for ch := 50; ch <= 63; ch++ {
			cfg.Chapters = append(cfg.Chapters, strconv.Itoa(ch))
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Comtrade{cfg: cfg}
}

// Name identifies the source.
func (c *Comtrade) Name() string { return NameComtrade }

type comtradeQuery struct {
	origin   string
	partners []string
	years    int
}

// Fetch runs the world-total query and the main-partner query.
// A quota error stops further queries; other failures are collected.
func (c *Comtrade) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("comtrade: subscription key is not configured")
	}

	queries := []comtradeQuery{
		{origin: "world", partners: []string{"0"}, years: 5},
		{origin: "partners", partners: comtradePartners, years: 4},
	}

	var (
		payloads []agent.Payload
		errs     []error
	)
	for _, q := range queries {
		resp, err := doer.Do(ctx, fetch.Request{
			URL:     c.cfg.BaseURL,
			Params:  c.params(q),
			Headers: map[string]string{"Ocp-Apim-Subscription-Key": c.cfg.APIKey},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("comtrade %s: %w", q.origin, err))
			if errors.Is(err, domain.ErrQuotaExceeded) || ctx.Err() != nil {
				break
			}
			continue
		}
		payloads = append(payloads, agent.Payload{Kind: "comtrade", Origin: q.origin, Body: resp.Body})
	}
	return payloads, errors.Join(errs...)
}

func (c *Comtrade) params(q comtradeQuery) url.Values {
	current := c.cfg.Clock().UTC().Year()
	periods := make([]string, 0, q.years)
	for y := current - q.years; y < current; y++ {
		periods = append(periods, strconv.Itoa(y))
	}
	return url.Values{
		"reporterCode": {comtradeReporter},
		"partnerCode":  {strings.Join(q.partners, ",")},
		"period":       {strings.Join(periods, ",")},
		"cmdCode":      {strings.Join(c.cfg.Chapters, ",")},
		"flowCode":     {"M,X"},
		"includeDesc":  {"true"},
	}
}

type comtradeResponse struct {
	Data []comtradeRow `json:"data"`
}

type comtradeRow struct {
	ReporterCode flexString `json:"reporterCode"`
	ReporterDesc string     `json:"reporterDesc"`
	PartnerCode  flexString `json:"partnerCode"`
	PartnerDesc  string     `json:"partnerDesc"`
	CmdCode      flexString `json:"cmdCode"`
	CmdDesc      string     `json:"cmdDescE"`
	FlowCode     string     `json:"flowCode"`
	Period       flexString `json:"period"`
	PrimaryValue *float64   `json:"primaryValue"`
	NetWgt       *float64   `json:"netWgt"`
	Qty          *float64   `json:"qty"`
}

// Normalize maps Comtrade rows to USD trade records.
func (c *Comtrade) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var (
		batch domain.Batch
		errs  []error
	)
	for _, p := range payloads {
		var decoded comtradeResponse
		if err := json.Unmarshal(p.Body, &decoded); err != nil {
			errs = append(errs, fmt.Errorf("comtrade %s: %w", p.Origin, err))
			continue
		}
		for _, row := range decoded.Data {
			rec, ok := row.record()
			if ok {
				batch.Trade = append(batch.Trade, rec)
			}
		}
	}
	return batch, errors.Join(errs...)
}

func (r comtradeRow) record() (domain.TradeRecord, bool) {
	var flow domain.Flow
	switch strings.ToUpper(r.FlowCode) {
	case "M":
		flow = domain.FlowImport
	case "X":
		flow = domain.FlowExport
	default:
		return domain.TradeRecord{}, false
	}

	period, freq, ok := parseComtradePeriod(string(r.Period))
	if !ok {
		return domain.TradeRecord{}, false
	}

	code := string(r.CmdCode)
	desc := hsChapterLabels[code]
	if desc == "" {
		desc = r.CmdDesc
	}
	partner := string(r.PartnerCode)
	partnerName := r.PartnerDesc
	if partner == "0" && partnerName == "" {
		partnerName = "World"
	}
	reporter := string(r.ReporterCode)
	if reporter == "" {
		reporter = comtradeReporter
	}
	reporterName := r.ReporterDesc
	if reporterName == "" {
		reporterName = "Morocco"
	}

	return domain.TradeRecord{
		Source:        NameComtrade,
		ReporterCode:  reporter,
		ReporterName:  reporterName,
		PartnerCode:   partner,
		PartnerName:   partnerName,
		HSCode:        code,
		HSDescription: desc,
		Flow:          flow,
		PeriodDate:    period,
		Frequency:     freq,
		ValueUSD:      r.PrimaryValue,
		WeightKG:      r.NetWgt,
		Quantity:      r.Qty,
	}, true
}

// parseComtradePeriod accepts YYYY and YYYYMM.
func parseComtradePeriod(s string) (time.Time, string, bool) {
	switch len(s) {
	case 4:
		y, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, "", false
		}
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), "A", true
	case 6:
		y, err1 := strconv.Atoi(s[:4])
		m, err2 := strconv.Atoi(s[4:])
		if err1 != nil || err2 != nil || m < 1 || m > 12 {
			return time.Time{}, "", false
		}
		return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), "M", true
	}
	return time.Time{}, "", false
}
