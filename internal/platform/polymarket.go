package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrosas-dev/wxtrader/internal/domain"
	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// gammaMarket mirrors the subset of the Gamma API's market shape this
// adapter needs.
type gammaMarket struct {
	ConditionID string `json:"conditionId"`
	Question    string `json:"question"`
	EndDate     string `json:"endDate"`
	BestBid     string `json:"bestBid"`
	BestAsk     string `json:"bestAsk"`
	Volume      string `json:"volume"`
	Spread      string `json:"spread"`
}

type gammaEventsPage struct {
	Data   []gammaEvent `json:"data"`
	Offset int          `json:"offset"`
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

// Polymarket implements ports.PlatformAdapter for Polymarket-style weather
// markets: zero entry fee, hyphenated "X–Y°F" range labels, cursor/offset
// event pagination via the Gamma API (grounded on
// dante4rt's gamma.GetWeatherEvents).
type Polymarket struct {
	client  *httpClient
	baseURL string
}

// NewPolymarket builds a Polymarket adapter. baseURL defaults to the
// production Gamma API if empty.
func NewPolymarket(baseURL string) *Polymarket {
	if baseURL == "" {
		baseURL = "https://gamma-api.polymarket.com"
	}
	return &Polymarket{
		baseURL: baseURL,
		client:  newHTTPClient(10*time.Second, rate.Limit(18), 10),
	}
}

func (p *Polymarket) Platform() domain.Platform { return domain.PlatformPolymarket }

func (p *Polymarket) ResolutionSource() string { return "nws_climatological_report" }

func (p *Polymarket) EntryFee(ask float64) float64 { return 0 }

func (p *Polymarket) ParseRange(rawLabel string, unit domain.Unit) (domain.Range, error) {
	return parseHyphenated(rawLabel, unit)
}

// FetchMarkets pages through the Gamma events endpoint exhaustively — page
// dropping beyond page 1 is the documented failure mode (spec §4.2, §6).
func (p *Polymarket) FetchMarkets(ctx context.Context, city domain.City, window ports.DateWindow) ([]domain.Market, error) {
	var out []domain.Market
	offset := 0
	const limit = 50
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("tag_slug", "weather")
		q.Set("active", "true")
		q.Set("closed", "false")
		endpoint := fmt.Sprintf("%s/events/pagination?%s", p.baseURL, q.Encode())

		var page gammaEventsPage
		if err := p.client.getJSON(ctx, endpoint, &page); err != nil {
			return nil, fmt.Errorf("platform.Polymarket.FetchMarkets: %w", err)
		}
		if len(page.Data) == 0 {
			break
		}
		for _, ev := range page.Data {
			for _, m := range ev.Markets {
				market, ok := p.toDomainMarket(m, city)
				if ok {
					out = append(out, market)
				}
			}
		}
		if len(page.Data) < limit {
			break
		}
		offset += limit
	}
	return out, nil
}

func (p *Polymarket) toDomainMarket(m gammaMarket, city domain.City) (domain.Market, bool) {
	r, err := p.ParseRange(m.Question, city.Unit)
	if err != nil {
		return domain.Market{}, false
	}
	return domain.Market{
		Platform:   domain.PlatformPolymarket,
		MarketID:   m.ConditionID,
		City:       city.Name,
		TargetDate: m.EndDate,
		Range:      r,
		Unit:       city.Unit,
		BestBid:    domain.ParsePrice(m.BestBid),
		BestAsk:    domain.ParsePrice(m.BestAsk),
		Spread:     domain.ParsePrice(m.Spread),
		Volume:     domain.ParsePrice(m.Volume),
		RawLabel:   m.Question,
	}, true
}

func (p *Polymarket) OrderBook(ctx context.Context, marketID string, side domain.Side) (domain.OrderBook, error) {
	var book struct {
		Bids []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	endpoint := fmt.Sprintf("%s/book?token_id=%s", p.baseURL, url.QueryEscape(marketID+":"+string(side)))
	if err := p.client.getJSON(ctx, endpoint, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("platform.Polymarket.OrderBook: %w", err)
	}
	ob := domain.OrderBook{TokenID: marketID}
	for _, b := range book.Bids {
		ob.Bids = append(ob.Bids, domain.BookEntry{Price: domain.ParsePrice(b.Price), Size: domain.ParsePrice(b.Size)})
	}
	for _, a := range book.Asks {
		ob.Asks = append(ob.Asks, domain.BookEntry{Price: domain.ParsePrice(a.Price), Size: domain.ParsePrice(a.Size)})
	}
	return ob, nil
}

var _ ports.PlatformAdapter = (*Polymarket)(nil)
