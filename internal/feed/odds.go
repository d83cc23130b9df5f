// Package feed ingests external reference data: a bookmaker odds poller
// that keeps display prices fresh and seeds upcoming matches, and a result
// scanner that completes matches and settles their markets. Reference odds
// are display-only; the matching engine never reads them.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betmesh/exchange-core/internal/exchange"
	"github.com/betmesh/exchange-core/internal/metrics"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

var (
	ErrProviderStatus = errors.New("feed: provider returned non-200 status")
	ErrBadPayload     = errors.New("feed: malformed provider payload")
)

// ProviderEvent is one upcoming or live event in the provider's feed.
type ProviderEvent struct {
	ID           string              `json:"id"`
	SportKey     string              `json:"sport_key"`
	HomeTeam     string              `json:"home_team"`
	AwayTeam     string              `json:"away_team"`
	CommenceTime time.Time           `json:"commence_time"`
	Bookmakers   []ProviderBookmaker `json:"bookmakers"`
}

// ProviderBookmaker is one bookmaker's markets for an event.
type ProviderBookmaker struct {
	Key     string           `json:"key"`
	Markets []ProviderMarket `json:"markets"`
}

// ProviderMarket is one bookmaker market, e.g. "h2h".
type ProviderMarket struct {
	Key      string            `json:"key"`
	Outcomes []ProviderOutcome `json:"outcomes"`
}

// ProviderOutcome is one priced selection within a bookmaker market.
type ProviderOutcome struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// OddsPoller periodically fetches the provider's event list, creates
// matches for events not seen before, and refreshes reference odds for
// every market whose runners match the provider's outcome names.
type OddsPoller struct {
	svc      *exchange.Service
	store    store.Store
	client   *http.Client
	baseURL  string
	apiKey   string
	interval time.Duration
}

// NewOddsPoller builds a poller; interval must be positive.
func NewOddsPoller(svc *exchange.Service, st store.Store, baseURL, apiKey string, interval time.Duration) *OddsPoller {
	return &OddsPoller{
		svc:      svc,
		store:    st,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. Provider failures are logged and
// retried on the next tick, never fatal.
func (p *OddsPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("odds poller started", "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("odds poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				metrics.OddsPolls.WithLabelValues("error").Inc()
				slog.Error("odds poll failed", "err", err)
				continue
			}
			metrics.OddsPolls.WithLabelValues("ok").Inc()
		}
	}
}

func (p *OddsPoller) poll(ctx context.Context) error {
	events, err := p.fetchEvents(ctx)
	if err != nil {
		return err
	}
	for i := range events {
		if err := p.ingest(ctx, &events[i]); err != nil {
			slog.Warn("event ingest failed", "event_id", events[i].ID, "err", err)
		}
	}
	return nil
}

func (p *OddsPoller) fetchEvents(ctx context.Context) ([]ProviderEvent, error) {
	u, err := url.Parse(p.baseURL + "/v4/sports/upcoming/odds")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("apiKey", p.apiKey)
	q.Set("markets", "h2h")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrProviderStatus, resp.StatusCode, string(body))
	}

	var events []ProviderEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return events, nil
}

// ingest creates the match if its external id is new, then refreshes the
// reference odds of its markets.
func (p *OddsPoller) ingest(ctx context.Context, ev *ProviderEvent) error {
	if ev.ID == "" || ev.HomeTeam == "" || ev.AwayTeam == "" {
		return ErrBadPayload
	}
	externalID := ev.ID
	match, existing, err := p.svc.CreateMatch(ctx, ev.SportKey, ev.HomeTeam, ev.AwayTeam, ev.CommenceTime, &externalID)
	if err != nil {
		return err
	}
	if !existing {
		slog.Info("match created from feed", "match_id", match.ID, "external_id", externalID,
			"home", ev.HomeTeam, "away", ev.AwayTeam)
	}

	prices := bestPrices(ev)
	if len(prices) == 0 {
		return nil
	}

	markets, err := p.store.MarketsByMatch(ctx, match.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, market := range markets {
		runners, err := p.store.ListRunners(ctx, market.ID)
		if err != nil {
			return err
		}
		for _, runner := range runners {
			price, ok := prices[runner.Name]
			if !ok {
				continue
			}
			odds := &model.ReferenceOdds{
				MarketID:    market.ID,
				SelectionID: runner.ID,
				BackPrice:   price,
				LayPrice:    layFromBack(price),
				UpdatedAt:   now,
			}
			if err := p.store.UpsertReferenceOdds(ctx, odds); err != nil {
				return err
			}
		}
	}
	return nil
}

// bestPrices picks the best (highest) back price per outcome name across
// the event's bookmakers.
func bestPrices(ev *ProviderEvent) map[string]decimal.Decimal {
	best := make(map[string]decimal.Decimal)
	for _, bm := range ev.Bookmakers {
		for _, m := range bm.Markets {
			if m.Key != "h2h" {
				continue
			}
			for _, o := range m.Outcomes {
				if !o.Price.GreaterThan(decimal.NewFromInt(1)) {
					continue
				}
				if cur, ok := best[o.Name]; !ok || o.Price.GreaterThan(cur) {
					best[o.Name] = o.Price
				}
			}
		}
	}
	return best
}

// layFromBack derives a display lay quote one tick above the back price.
func layFromBack(back decimal.Decimal) decimal.Decimal {
	return back.Mul(decimal.NewFromFloat(1.02)).Round(2)
}
