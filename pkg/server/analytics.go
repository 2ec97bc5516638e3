package server

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shortlinker/shortlinker/pkg/database"
)

const (
	// defaultAnalyticsWindow is how far back trend and top queries reach
	// when the request names no window.
	defaultAnalyticsWindow = 30 * 24 * time.Hour

	defaultTopLimit = 10
	maxTopLimit     = 100

	summaryTopLimit = 5
)

type trendsView struct {
	Interval database.Granularity  `json:"interval"`
	From     time.Time             `json:"from"`
	To       time.Time             `json:"to"`
	Points   []database.TrendPoint `json:"points"`
}

func (s *Server) getTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	granularity, err := database.ParseGranularity(q.Get("interval"))
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	from, to, err := s.timeWindow(q)
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	points, err := s.db.ClickTrends(r.Context(), q.Get("code"), granularity, from, to)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, &trendsView{
		Interval: granularity,
		From:     from,
		To:       to,
		Points:   points,
	})
}

type topView struct {
	By    string `json:"by"`
	Items any    `json:"items"`
}

func (s *Server) getTop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q, "limit", defaultTopLimit)
	if err != nil || limit < 1 || limit > maxTopLimit {
		respondValidation(w, r, fmt.Sprintf("limit must be between 1 and %d", maxTopLimit))

		return
	}

	from, to, err := s.timeWindow(q)
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	code := q.Get("code")
	by := q.Get("by")

	var items any

	switch by {
	case "", "links":
		by = "links"
		items, err = s.db.TopLinks(r.Context(), from, to, limit)
	case "referrers":
		items, err = s.db.TopReferrers(r.Context(), code, from, to, limit)
	case "sources":
		items, err = s.db.TopSources(r.Context(), code, from, to, limit)
	case "user_agents":
		items, err = s.db.TopUserAgents(r.Context(), code, from, to, limit)
	case "countries":
		items, err = s.db.TopCountries(r.Context(), code, from, to, limit)
	default:
		respondValidation(w, r, fmt.Sprintf("unknown top dimension %q", by))

		return
	}

	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, &topView{By: by, Items: items})
}

type summaryView struct {
	Code         string               `json:"code,omitempty"`
	Clicks       *clickWindow         `json:"clicks"`
	TopReferrers []database.NameCount `json:"top_referrers"`
	TopSources   []database.NameCount `json:"top_sources"`
}

// getSummary answers the dashboard overview: recent click volume plus
// the busiest referrers and sources, service-wide or for one code.
func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")

	total, err := s.summaryTotal(r, code)
	if err != nil {
		respondError(w, r, err)

		return
	}

	window, err := s.clickWindow(r, code, total)
	if err != nil {
		respondError(w, r, err)

		return
	}

	now := s.clock.Now().UTC()
	from := now.Add(-defaultAnalyticsWindow)

	referrers, err := s.db.TopReferrers(r.Context(), code, from, now, summaryTopLimit)
	if err != nil {
		respondError(w, r, err)

		return
	}

	sources, err := s.db.TopSources(r.Context(), code, from, now, summaryTopLimit)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, &summaryView{
		Code:         code,
		Clicks:       window,
		TopReferrers: referrers,
		TopSources:   sources,
	})
}

func (s *Server) summaryTotal(r *http.Request, code string) (int64, error) {
	if code != "" {
		lnk, err := s.links.Get(r.Context(), code)
		if err != nil {
			return 0, err
		}

		return lnk.ClickCount, nil
	}

	stats, err := s.db.GetLinkStats(r.Context())
	if err != nil {
		return 0, err
	}

	return stats.TotalClicks, nil
}

// timeWindow reads the from/to query pair, defaulting to the last 30
// days. The default window ends at the top of the next hour: buckets
// are half-open, and the running hour should still count.
func (s *Server) timeWindow(q url.Values) (time.Time, time.Time, error) {
	to := s.clock.Now().UTC().Truncate(time.Hour).Add(time.Hour)

	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to must be RFC3339")
		}

		to = t.UTC()
	}

	from := to.Add(-defaultAnalyticsWindow)

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from must be RFC3339")
		}

		from = t.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}

	return from, to, nil
}
