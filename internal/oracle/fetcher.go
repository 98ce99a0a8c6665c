package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/model"
)

// coinGeckoIDs maps settlement currencies to CoinGecko asset ids.
var coinGeckoIDs = map[string]string{
	model.CurrencyBTC: "bitcoin",
	model.CurrencyETH: "ethereum",
}

// CoinGeckoFetcher reads prices from the CoinGecko simple price API.
type CoinGeckoFetcher struct {
	endpoint string
	client   *http.Client
}

// NewCoinGeckoFetcher creates a fetcher for endpoint, e.g.
// https://api.coingecko.com/api/v3/simple/price.
func NewCoinGeckoFetcher(endpoint string, client *http.Client) *CoinGeckoFetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &CoinGeckoFetcher{endpoint: endpoint, client: client}
}

func (f *CoinGeckoFetcher) FetchPrices(ctx context.Context, currencies []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(currencies))
	for _, c := range currencies {
		if id, ok := coinGeckoIDs[c]; ok {
			ids = append(ids, id)
		}
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: unexpected status %d", resp.StatusCode)
	}

	// {"bitcoin":{"usd":50000.12},"ethereum":{"usd":3000.5}}
	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("coingecko: decode: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(currencies))
	for _, c := range currencies {
		if p, ok := body[coinGeckoIDs[c]]["usd"]; ok {
			prices[c] = p
		}
	}
	return prices, nil
}

// StaticFetcher serves fixed prices. Used in development and tests.
type StaticFetcher map[string]decimal.Decimal

func (f StaticFetcher) FetchPrices(_ context.Context, currencies []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(currencies))
	for _, c := range currencies {
		if p, ok := f[c]; ok {
			prices[c] = p
		}
	}
	return prices, nil
}

// ParseStaticPrices parses "BTC=50000,ETH=3000".
func ParseStaticPrices(s string) (StaticFetcher, error) {
	f := make(StaticFetcher)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		cur, price, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("oracle: bad price %q (want CUR=price)", pair)
		}
		cur = strings.ToUpper(strings.TrimSpace(cur))
		if !model.IsSupportedCurrency(cur) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, cur)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("oracle: bad price for %s: %q", cur, price)
		}
		f[cur] = p
	}
	return f, nil
}
