package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

const eurostatBaseURL = "https://ec.europa.eu/eurostat/api/dissemination/statistics/1.0/data"

var eurostatIndicators = map[string]domain.Flow{
	"MIO_EXP_VAL": domain.FlowExport,
	"MIO_IMP_VAL": domain.FlowImport,
}

var sitcLabels = map[string]string{
	"TOTAL":   "All products",
	"SITC0_1": "Food, drinks and tobacco",
	"SITC2_4": "Raw materials",
	"SITC3":   "Mineral fuels, lubricants and related materials",
	"SITC5":   "Chemicals and related products",
	"SITC6_8": "Other manufactured goods (incl. textiles)",
	"SITC7":   "Machinery and transport equipment",
	"SITC9":   "Commodities not classified elsewhere",
}

// EurostatConfig selects the JSON-stat dataset and filters.
type EurostatConfig struct {
	BaseURL string
	Dataset string
	Partner string
	Geo     string
	Years   int
	Clock   func() time.Time
}

// Eurostat collects EU27 trade with the partner country from the JSON-stat API.
type Eurostat struct {
	cfg EurostatConfig
}

var _ agent.Source = (*Eurostat)(nil)

// NewEurostat fills defaults for empty fields.
func NewEurostat(cfg EurostatConfig) *Eurostat {
	if cfg.BaseURL == "" {
		cfg.BaseURL = eurostatBaseURL
	}
	if cfg.Dataset == "" {
		cfg.Dataset = "ext_lt_maineu"
	}
	if cfg.Partner == "" {
		cfg.Partner = "MA"
	}
	if cfg.Geo == "" {
		cfg.Geo = "EU27_2020"
	}
	if cfg.Years <= 0 {
		cfg.Years = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Eurostat{cfg: cfg}
}

// Name identifies the source.
func (e *Eurostat) Name() string { return NameEurostat }

// Fetch downloads the dataset once.
func (e *Eurostat) Fetch(ctx context.Context, doer fetch.Doer) ([]agent.Payload, error) {
	params := url.Values{
		"freq":            {"A"},
		"partner":         {e.cfg.Partner},
		"geo":             {e.cfg.Geo},
		"sinceTimePeriod": {strconv.Itoa(e.cfg.Clock().UTC().Year() - e.cfg.Years)},
	}
	resp, err := doer.Do(ctx, fetch.Request{
		URL:    strings.TrimRight(e.cfg.BaseURL, "/") + "/" + e.cfg.Dataset,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("eurostat %s: %w", e.cfg.Dataset, err)
	}
	return []agent.Payload{{Kind: "jsonstat", Origin: e.cfg.Dataset, Body: resp.Body}}, nil
}

// Normalize decodes JSON-stat cells into EUR trade records.
func (e *Eurostat) Normalize(payloads []agent.Payload) (domain.Batch, error) {
	var batch domain.Batch
	for _, p := range payloads {
		var doc jsonStat
		if err := json.Unmarshal(p.Body, &doc); err != nil {
			return batch, fmt.Errorf("eurostat %s: %w", p.Origin, err)
		}
		cells, err := doc.cells()
		if err != nil {
			return batch, fmt.Errorf("eurostat %s: %w", p.Origin, err)
		}

		for _, c := range cells {
			flow, ok := eurostatIndicators[c.coords["indic_et"]]
			if !ok {
				continue
			}
			period, freq, ok := parseEurostatPeriod(c.coords["time"])
			if !ok {
				continue
			}
			sitc := c.coords["sitc06"]
			if sitc == "" {
				sitc = "TOTAL"
			}
			label := sitcLabels[sitc]
			if label == "" {
				label = doc.label("sitc06", sitc)
			}

			value := c.value * 1_000_000
			batch.Trade = append(batch.Trade, domain.TradeRecord{
				Source:        NameEurostat,
				ReporterCode:  "EU27",
				ReporterName:  "European Union",
				PartnerCode:   e.cfg.Partner,
				PartnerName:   doc.label("partner", e.cfg.Partner),
				HSCode:        sitc,
				HSDescription: label,
				Flow:          flow,
				PeriodDate:    period,
				Frequency:     freq,
				ValueEUR:      &value,
			})
		}
	}
	return batch, nil
}

// parseEurostatPeriod understands YYYY, YYYYMmm, YYYY-MM and YYYYQq.
func parseEurostatPeriod(s string) (time.Time, string, bool) {
	s = strings.TrimSpace(s)
	var (
		year, month int
		freq        string
		err         error
	)
	switch {
	case len(s) == 4:
		year, err = strconv.Atoi(s)
		month, freq = 1, "A"
	case strings.Contains(s, "M"), strings.Contains(s, "-"):
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == 'M' || r == '-' })
		if len(parts) != 2 {
			return time.Time{}, "", false
		}
		if year, err = strconv.Atoi(parts[0]); err == nil {
			month, err = strconv.Atoi(parts[1])
		}
		freq = "M"
	case strings.Contains(s, "Q"):
		parts := strings.Split(s, "Q")
		if len(parts) != 2 {
			return time.Time{}, "", false
		}
		var q int
		if year, err = strconv.Atoi(parts[0]); err == nil {
			q, err = strconv.Atoi(parts[1])
		}
		if q < 1 || q > 4 {
			return time.Time{}, "", false
		}
		month, freq = (q-1)*3+1, "Q"
	default:
		return time.Time{}, "", false
	}
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, "", false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), freq, true
}

type jsonStat struct {
	ID        []string               `json:"id"`
	Size      []int                  `json:"size"`
	Dimension map[string]jsonStatDim `json:"dimension"`
	Value     jsonStatValues         `json:"value"`
}

type jsonStatDim struct {
	Category struct {
		Index categoryIndex     `json:"index"`
		Label map[string]string `json:"label"`
	} `json:"category"`
}

type jsonStatCell struct {
	coords map[string]string
	value  float64
}

func (d jsonStat) label(dim, code string) string {
	if l := d.Dimension[dim].Category.Label[code]; l != "" {
		return l
	}
	return code
}

// cells unflattens the row-major value index into per-dimension category codes.
func (d jsonStat) cells() ([]jsonStatCell, error) {
	if len(d.ID) != len(d.Size) {
		return nil, fmt.Errorf("jsonstat: %d dimensions but %d sizes", len(d.ID), len(d.Size))
	}

	codes := make([]map[int]string, len(d.ID))
	for i, dim := range d.ID {
		if d.Size[i] <= 0 {
			return nil, fmt.Errorf("jsonstat: dimension %s has size %d", dim, d.Size[i])
		}
		byPos := make(map[int]string, d.Size[i])
		for code, pos := range d.Dimension[dim].Category.Index {
			byPos[pos] = code
		}
		codes[i] = byPos
	}

	flats := make([]int, 0, len(d.Value))
	for flat := range d.Value {
		flats = append(flats, flat)
	}
	sort.Ints(flats)

	out := make([]jsonStatCell, 0, len(flats))
	for _, flat := range flats {
		v := d.Value[flat]
		if v == nil {
			continue
		}
		coords := make(map[string]string, len(d.ID))
		remaining := flat
		for i := len(d.ID) - 1; i >= 0; i-- {
			coords[d.ID[i]] = codes[i][remaining%d.Size[i]]
			remaining /= d.Size[i]
		}
		out = append(out, jsonStatCell{coords: coords, value: *v})
	}
	return out, nil
}

// categoryIndex accepts both the object and the array form of category.index.
type categoryIndex map[string]int

func (c *categoryIndex) UnmarshalJSON(b []byte) error {
	var obj map[string]int
	if err := json.Unmarshal(b, &obj); err == nil {
		*c = obj
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("category index: %w", err)
	}
	m := make(map[string]int, len(arr))
	for i, code := range arr {
		m[code] = i
	}
	*c = m
	return nil
}

// jsonStatValues accepts both the sparse object and the dense array form of value.
type jsonStatValues map[int]*float64

func (v *jsonStatValues) UnmarshalJSON(b []byte) error {
	var obj map[string]*float64
	if err := json.Unmarshal(b, &obj); err == nil {
		out := make(map[int]*float64, len(obj))
		for k, val := range obj {
			i, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("value index %q: %w", k, err)
			}
			out[i] = val
		}
		*v = out
		return nil
	}
	var arr []*float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("values: %w", err)
	}
	out := make(map[int]*float64, len(arr))
	for i, val := range arr {
		out[i] = val
	}
	*v = out
	return nil
}
