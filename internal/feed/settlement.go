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
	"strconv"
	"time"

	"github.com/betmesh/exchange-core/internal/exchange"
	"github.com/betmesh/exchange-core/internal/model"
	"github.com/betmesh/exchange-core/internal/store"
)

// ProviderScore is one event result in the provider's scores feed.
type ProviderScore struct {
	ID        string      `json:"id"`
	Completed bool        `json:"completed"`
	Scores    []TeamScore `json:"scores"`
}

// TeamScore is one team's final score.
type TeamScore struct {
	Name  string `json:"name"`
	Score string `json:"score"`
}

// Scanner periodically checks the provider for completed results, marks
// matches COMPLETED, and settles their match-winner markets. Matches with
// no provider result stay untouched; an operator can always settle by hand
// through the admin endpoint.
type Scanner struct {
	svc      *exchange.Service
	store    store.Store
	client   *http.Client
	baseURL  string
	apiKey   string
	interval time.Duration
}

// NewScanner builds a settlement scanner; interval must be positive.
func NewScanner(svc *exchange.Service, st store.Store, baseURL, apiKey string, interval time.Duration) *Scanner {
	return &Scanner{
		svc:      svc,
		store:    st,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		interval: interval,
	}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("settlement scanner started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement scanner stopped")
			return
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				slog.Error("settlement scan failed", "err", err)
			}
		}
	}
}

func (s *Scanner) scan(ctx context.Context) error {
	live, err := s.store.ListMatchesByStatus(ctx, model.MatchLive)
	if err != nil {
		return err
	}
	upcoming, err := s.store.ListMatchesByStatus(ctx, model.MatchUpcoming)
	if err != nil {
		return err
	}

	// Promote upcoming matches whose start time has passed.
	now := time.Now().UTC()
	for i := range upcoming {
		m := &upcoming[i]
		if m.StartTime.After(now) {
			continue
		}
		if _, err := s.svc.TransitionMatch(ctx, m.ID, model.MatchLive); err != nil {
			slog.Warn("match promotion failed", "match_id", m.ID, "err", err)
			continue
		}
		live = append(live, *m)
	}

	candidates := make(map[string]*model.Match)
	for i := range live {
		m := &live[i]
		if m.ExternalID != nil {
			candidates[*m.ExternalID] = m
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	scores, err := s.fetchScores(ctx)
	if err != nil {
		return err
	}
	for i := range scores {
		sc := &scores[i]
		match, ok := candidates[sc.ID]
		if !ok || !sc.Completed {
			continue
		}
		if err := s.settleMatch(ctx, match, sc); err != nil {
			slog.Error("match settlement failed", "match_id", match.ID, "err", err)
		}
	}
	return nil
}

func (s *Scanner) fetchScores(ctx context.Context) ([]ProviderScore, error) {
	u, err := url.Parse(s.baseURL + "/v4/sports/upcoming/scores")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("apiKey", s.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrProviderStatus, resp.StatusCode, string(body))
	}

	var scores []ProviderScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return scores, nil
}

// settleMatch completes the match and settles each of its markets against
// the winning team; a drawn result refunds every trade.
func (s *Scanner) settleMatch(ctx context.Context, match *model.Match, sc *ProviderScore) error {
	winnerName, drawn, err := resolveWinner(match, sc)
	if err != nil {
		return err
	}

	if _, err := s.svc.TransitionMatch(ctx, match.ID, model.MatchCompleted); err != nil {
		return err
	}

	markets, err := s.store.MarketsByMatch(ctx, match.ID)
	if err != nil {
		return err
	}
	for _, market := range markets {
		if market.Status == model.MarketSettled {
			continue
		}
		var winners []string
		if !drawn {
			runners, err := s.store.ListRunners(ctx, market.ID)
			if err != nil {
				return err
			}
			for _, r := range runners {
				if r.Name == winnerName {
					winners = []string{r.ID}
					break
				}
			}
			if winners == nil {
				// Not a match-winner market; leave for manual settlement.
				slog.Warn("no runner matches result, skipping market",
					"market_id", market.ID, "winner", winnerName)
				continue
			}
		}
		if _, err := s.svc.SettleMarket(ctx, market.ID, winners); err != nil {
			return err
		}
		slog.Info("market auto-settled", "market_id", market.ID, "winner", winnerName, "drawn", drawn)
	}
	return nil
}

// resolveWinner maps the provider score onto the match's teams. drawn is
// true when both teams scored the same.
func resolveWinner(match *model.Match, sc *ProviderScore) (winner string, drawn bool, err error) {
	if len(sc.Scores) != 2 {
		return "", false, fmt.Errorf("%w: expected 2 scores, got %d", ErrBadPayload, len(sc.Scores))
	}
	points := make(map[string]int, 2)
	for _, ts := range sc.Scores {
		n, convErr := strconv.Atoi(ts.Score)
		if convErr != nil {
			return "", false, fmt.Errorf("%w: score %q", ErrBadPayload, ts.Score)
		}
		points[ts.Name] = n
	}
	home, okH := points[match.HomeTeam]
	away, okA := points[match.AwayTeam]
	if !okH || !okA {
		return "", false, errors.New("feed: score team names do not match event")
	}
	switch {
	case home > away:
		return match.HomeTeam, false, nil
	case away > home:
		return match.AwayTeam, false, nil
	default:
		return "", true, nil
	}
}
