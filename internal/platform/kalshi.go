package platform

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// kalshiMarketResp mirrors the subset of Kalshi's market listing shape this
// adapter needs.
type kalshiMarketResp struct {
	Markets []kalshiMarket `json:"markets"`
	Cursor  string         `json:"cursor"`
}

type kalshiMarket struct {
	Ticker     string `json:"ticker"`
	Title      string `json:"title"`
	CloseDate  string `json:"close_date"`
	YesBid     int64  `json:"yes_bid"` // cents
	YesAsk     int64  `json:"yes_ask"`
	Volume     int64  `json:"volume"`
}

// Kalshi implements ports.PlatformAdapter for Kalshi-style weather markets:
// per-contract fee, "X° to Y°" range labels, cursor-based pagination.
type Kalshi struct {
	client  *httpClient
	baseURL string
}

// NewKalshi builds a Kalshi adapter. baseURL defaults to the production API
// if empty.
func NewKalshi(baseURL string) *Kalshi {
	if baseURL == "" {
		baseURL = "https://trading-api.kalshi.com/trade-api/v2"
	}
	return &Kalshi{
		baseURL: baseURL,
		client:  newHTTPClient(10*time.Second, rate.Limit(10), 10),
	}
}

func (k *Kalshi) Platform() domain.Platform { return domain.PlatformKalshi }

func (k *Kalshi) ResolutionSource() string { return "historical_observations_api" }

// EntryFee is the Kalshi weather-market fee: 0.07 × ask × (1-ask) per
// contract, charged at entry when held to settlement and again at exit for
// early closes.
func (k *Kalshi) EntryFee(ask float64) float64 {
	return domain.PlatformKalshi.EntryFee(ask)
}

func (k *Kalshi) ParseRange(rawLabel string, unit domain.Unit) (domain.Range, error) {
	return parseToFormat(rawLabel, unit)
}

// FetchMarkets pages exhaustively via Kalshi's cursor field (spec §6:
// "pages with cursors — mandatory").
func (k *Kalshi) FetchMarkets(ctx context.Context, city domain.City, window ports.DateWindow) ([]domain.Market, error) {
	var out []domain.Market
	cursor := ""
	for {
		q := url.Values{}
		q.Set("series_ticker", "HIGHTEMP")
		q.Set("limit", "100")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := fmt.Sprintf("%s/markets?%s", k.baseURL, q.Encode())

		var resp kalshiMarketResp
		if err := k.client.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("platform.Kalshi.FetchMarkets: %w", err)
		}
		for _, m := range resp.Markets {
			market, ok := k.toDomainMarket(m, city)
			if ok {
				out = append(out, market)
			}
		}
		if resp.Cursor == "" || len(resp.Markets) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return out, nil
}

func (k *Kalshi) toDomainMarket(m kalshiMarket, city domain.City) (domain.Market, bool) {
	r, err := k.ParseRange(m.Title, city.Unit)
	if err != nil {
		return domain.Market{}, false
	}
	bid := float64(m.YesBid) / 100
	ask := float64(m.YesAsk) / 100
	return domain.Market{
		Platform:   domain.PlatformKalshi,
		MarketID:   m.Ticker,
		City:       city.Name,
		TargetDate: m.CloseDate,
		Range:      r,
		Unit:       city.Unit,
		BestBid:    bid,
		BestAsk:    ask,
		Spread:     ask - bid,
		Volume:     float64(m.Volume),
		RawLabel:   m.Title,
	}, true
}

func (k *Kalshi) OrderBook(ctx context.Context, marketID string, side domain.Side) (domain.OrderBook, error) {
	var resp struct {
		Orderbook struct {
			Yes [][2]int64 `json:"yes"` // [price_cents, size]
			No  [][2]int64 `json:"no"`
		} `json:"orderbook"`
	}
	endpoint := fmt.Sprintf("%s/markets/%s/orderbook", k.baseURL, url.PathEscape(marketID))
	if err := k.client.getJSON(ctx, endpoint, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("platform.Kalshi.OrderBook: %w", err)
	}
	levels := resp.Orderbook.Yes
	if side == domain.SideNo {
		levels = resp.Orderbook.No
	}
	ob := domain.OrderBook{TokenID: marketID}
	for _, lvl := range levels {
		ob.Bids = append(ob.Bids, domain.BookEntry{Price: float64(lvl[0]) / 100, Size: float64(lvl[1])})
	}
	return ob, nil
}

var _ ports.PlatformAdapter = (*Kalshi)(nil)
