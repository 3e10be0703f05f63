package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
)

// candleLookbackDays is the default historical window fetched per query.
const candleLookbackDays = 30

// Market is the market-data adapter backed by a finnhub-style API.
// Quote, candle, and profile lookups run through the result cache; identical
// concurrent fetches for the same (entity, kind) are collapsed with
// singleflight so only one upstream call is in flight per key.
type Market struct {
	apiKey  string
	baseURL string
	client  client
	cache   *Cache
	group   singleflight.Group
	logger  log.Logger
}

// NewMarket creates the market-data adapter. cache may be nil (every call
// goes upstream).
func NewMarket(apiKey, baseURL string, httpClient *http.Client, limiter *rate.Limiter, cache *Cache, logger log.Logger) *Market {
	var doer httpDoer
	if httpClient != nil {
		doer = httpClient
	}
	return &Market{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newClient(doer, DefaultTimeout, limiter),
		cache:   cache,
		logger:  logger,
	}
}

// Kind implements Adapter.
func (*Market) Kind() Kind { return KindMarket }

type marketQuoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

type marketCandleResponse struct {
	Open       []float64 `json:"o"`
	High       []float64 `json:"h"`
	Low        []float64 `json:"l"`
	Close      []float64 `json:"c"`
	Volume     []float64 `json:"v"`
	Timestamps []int64   `json:"t"`
	Status     string    `json:"s"`
}

type marketProfileResponse struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Industry string `json:"finnhubIndustry"`
	WebURL   string `json:"weburl"`
}

// Fetch implements Adapter. It needs a resolved symbol from the planner's
// entity resolution; quote, recent candles, and profile are fetched and
// folded into one MarketData payload. A quote failure fails the whole
// result; candle/profile failures degrade to partial data.
func (m *Market) Fetch(ctx context.Context, spec QuerySpec) Result {
	if m.apiKey == "" {
		return Failure(KindMarket, "market data API key not configured")
	}
	if spec.Symbol == "" {
		return Failure(KindMarket, "no resolved symbol for market lookup")
	}

	symbol := spec.Symbol
	data := MarketData{Symbol: symbol}

	quote, err := fetchCached(ctx, m, symbol, DataQuote, m.fetchQuote)
	if err != nil {
		m.logger.Warn("market quote failed", "symbol", symbol, "error", err)
		return Failure(KindMarket, "quote for %s: %v", symbol, err)
	}
	data.Quote = quote

	if candles, err := fetchCached(ctx, m, symbol, DataCandles, m.fetchCandles); err != nil {
		m.logger.Warn("market candles failed", "symbol", symbol, "error", err)
	} else {
		data.Candles = *candles
	}

	if profile, err := fetchCached(ctx, m, symbol, DataProfile, m.fetchProfile); err != nil {
		m.logger.Warn("market profile failed", "symbol", symbol, "error", err)
	} else {
		data.Profile = profile
	}

	citation := Citation{
		URL:   "https://finnhub.io/quote/" + url.PathEscape(symbol),
		Title: symbol + " market data",
	}
	if data.Profile != nil && data.Profile.WebURL != "" {
		citation = Citation{URL: data.Profile.WebURL, Title: data.Profile.Name}
	}

	return Result{Source: KindMarket, Data: data, Citations: []Citation{citation}}
}

// fetchCached runs the cache-or-fetch protocol for one (entity, kind) pair:
// cache hit wins; otherwise the upstream fetch is collapsed via singleflight
// and the result stored best-effort.
func fetchCached[T any](ctx context.Context, m *Market, entity string, kind DataKind, fetch func(context.Context, string) (T, error)) (*T, error) {
	if m.cache != nil {
		if raw, ok := m.cache.Get(ctx, KindMarket, entity, kind); ok {
			var cached T
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			// Undecodable entry: fall through to a fresh fetch.
			m.logger.Warn("discarding corrupt cache entry", "entity", entity, "kind", kind)
		}
	}

	value, err, _ := m.group.Do(cacheKey(KindMarket, entity, kind), func() (any, error) {
		fresh, err := fetch(ctx, entity)
		if err != nil {
			return nil, err
		}
		if m.cache != nil {
			if raw, marshalErr := json.Marshal(fresh); marshalErr == nil {
				m.cache.Set(ctx, KindMarket, entity, kind, raw)
			}
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}

	typed := value.(T)
	return &typed, nil
}

func (m *Market) fetchQuote(ctx context.Context, symbol string) (Quote, error) {
	req, err := m.newRequest("/quote", url.Values{"symbol": {symbol}})
	if err != nil {
		return Quote{}, err
	}

	var decoded marketQuoteResponse
	if err := m.client.doJSON(ctx, req, &decoded); err != nil {
		return Quote{}, err
	}

	return Quote{
		Current:       decoded.Current,
		Change:        decoded.Change,
		PercentChange: decoded.PercentChange,
		High:          decoded.High,
		Low:           decoded.Low,
		Open:          decoded.Open,
		PrevClose:     decoded.PrevClose,
		At:            time.Unix(decoded.Timestamp, 0).UTC(),
	}, nil
}

func (m *Market) fetchCandles(ctx context.Context, symbol string) ([]Candle, error) {
	now := time.Now()
	from := now.AddDate(0, 0, -candleLookbackDays)

	req, err := m.newRequest("/stock/candle", url.Values{
		"symbol":     {symbol},
		"resolution": {"D"},
		"from":       {strconv.FormatInt(from.Unix(), 10)},
		"to":         {strconv.FormatInt(now.Unix(), 10)},
	})
	if err != nil {
		return nil, err
	}

	var decoded marketCandleResponse
	if err := m.client.doJSON(ctx, req, &decoded); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(decoded.Timestamps))
	for i, ts := range decoded.Timestamps {
		if i >= len(decoded.Open) || i >= len(decoded.High) || i >= len(decoded.Low) ||
			i >= len(decoded.Close) || i >= len(decoded.Volume) {
			break
		}
		candles = append(candles, Candle{
			Open:   decoded.Open[i],
			High:   decoded.High[i],
			Low:    decoded.Low[i],
			Close:  decoded.Close[i],
			Volume: decoded.Volume[i],
			At:     time.Unix(ts, 0).UTC(),
		})
	}
	return candles, nil
}

func (m *Market) fetchProfile(ctx context.Context, symbol string) (MarketProfile, error) {
	req, err := m.newRequest("/stock/profile2", url.Values{"symbol": {symbol}})
	if err != nil {
		return MarketProfile{}, err
	}

	var decoded marketProfileResponse
	if err := m.client.doJSON(ctx, req, &decoded); err != nil {
		return MarketProfile{}, err
	}

	return MarketProfile{
		Name:     decoded.Name,
		Exchange: decoded.Exchange,
		Industry: decoded.Industry,
		WebURL:   decoded.WebURL,
	}, nil
}

// CatalogEntry is one hit from the symbol catalog, used by the planner's
// entity resolution.
type CatalogEntry struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// SearchCatalog queries the symbol catalog for a free-text term. Unlike
// Fetch, this returns an error: entity resolution owns the failure policy.
func (m *Market) SearchCatalog(ctx context.Context, term string) ([]CatalogEntry, error) {
	req, err := m.newRequest("/search", url.Values{"q": {term}})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Result []CatalogEntry `json:"result"`
	}
	if err := m.client.doJSON(ctx, req, &decoded); err != nil {
		return nil, err
	}
	return decoded.Result, nil
}

func (m *Market) newRequest(path string, query url.Values) (*http.Request, error) {
	query.Set("token", m.apiKey)
	req, err := http.NewRequest(http.MethodGet, m.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}
