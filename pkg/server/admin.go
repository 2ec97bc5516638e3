package server

import (
	"crypto/rand"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/trace"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/password"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	// maxImportSize bounds an uploaded CSV dump.
	maxImportSize = 32 << 20

	// maxBatchDelete bounds one batch delete request.
	maxBatchDelete = 1000

	authCacheSize = 1024
	authCacheTTL  = time.Minute
)

// authCache remembers recently verified admin tokens so every admin
// request does not pay a full argon2 verification. Entries are keyed by
// a process-local keyed hash of the token and hold the token hash they
// were verified against, so rotating the token invalidates them.
// Failed verifications are never cached.
type authCache struct {
	key     [32]byte
	entries *expirable.LRU[string, string]
}

func newAuthCache() *authCache {
	c := &authCache{
		entries: expirable.NewLRU[string, string](authCacheSize, nil, authCacheTTL),
	}

	if _, err := rand.Read(c.key[:]); err != nil {
		panic(err)
	}

	return c
}

func (c *authCache) digest(token string) string {
	h, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		panic(err)
	}

	_, _ = h.Write([]byte(token))

	return string(h.Sum(nil))
}

func (c *authCache) Valid(token, tokenHash string) bool {
	cached, ok := c.entries.Get(c.digest(token))

	return ok && cached == tokenHash
}

func (c *authCache) Remember(token, tokenHash string) {
	c.entries.Add(c.digest(token), tokenHash)
}

// adminAuth guards the admin subtree. The token rides in either an
// Authorization bearer header or X-Admin-Token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			recordAuthFailure(r.Context(), "missing")
			respondAuthRequired(w, r)

			return
		}

		tokenHash := s.handle.Load().AdminTokenHash
		if tokenHash == "" {
			recordAuthFailure(r.Context(), "unconfigured")
			respondAuthRequired(w, r)

			return
		}

		if !s.authCache.Valid(token, tokenHash) {
			ok, err := password.Verify(tokenHash, token)
			if err != nil {
				zerolog.Ctx(r.Context()).
					Error().
					Err(err).
					Msg("error verifying the admin token")
			}

			if err != nil || !ok {
				recordAuthFailure(r.Context(), "bad-token")

				zerolog.Ctx(r.Context()).
					Warn().
					Str("from-ip", clientIP(r)).
					Msg("rejected admin token")

				respondAuthRequired(w, r)

				return
			}

			s.authCache.Remember(token, tokenHash)
		}

		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}

	return r.Header.Get("X-Admin-Token")
}

// linkView is the admin wire shape of a link. The password hash never
// leaves the process; only the fact that one exists does.
type linkView struct {
	Code              string     `json:"code"`
	Target            string     `json:"target"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PasswordProtected bool       `json:"password_protected"`
	ClickCount        int64      `json:"click_count"`
}

func newLinkView(l *database.ShortLink) *linkView {
	v := &linkView{
		Code:              l.Code,
		Target:            l.Target,
		CreatedAt:         l.CreatedAt.UTC(),
		UpdatedAt:         l.UpdatedAt.UTC(),
		PasswordProtected: l.RequiresPassword(),
		ClickCount:        l.ClickCount,
	}

	if l.ExpiresAt != nil {
		t := l.ExpiresAt.UTC()
		v.ExpiresAt = &t
	}

	return v
}

func newLinkViews(links []*database.ShortLink) []*linkView {
	views := make([]*linkView, 0, len(links))
	for _, l := range links {
		views = append(views, newLinkView(l))
	}

	return views
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := queryInt(q, "page", 1)
	if err != nil || page < 1 {
		respondValidation(w, r, "page must be a positive integer")

		return
	}

	pageSize, err := queryInt(q, "page_size", defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		respondValidation(w, r, fmt.Sprintf("page_size must be between 1 and %d", maxPageSize))

		return
	}

	status, err := parseListStatus(q.Get("status"))
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	createdAfter, err := queryTime(q, "created_after")
	if err != nil {
		respondValidation(w, r, "created_after must be RFC3339")

		return
	}

	createdBefore, err := queryTime(q, "created_before")
	if err != nil {
		respondValidation(w, r, "created_before must be RFC3339")

		return
	}

	links, total, err := s.links.List(r.Context(), database.ListQuery{
		Search:        q.Get("q"),
		CreatedAfter:  createdAfter,
		CreatedBefore: createdBefore,
		Status:        status,
		Sort:          q.Get("sort"),
		Order:         q.Get("order"),
		Limit:         pageSize,
		Offset:        (page - 1) * pageSize,
		Now:           s.clock.Now().UTC(),
	})
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondList(w, r, newLinkViews(links), newPagination(page, pageSize, total))
}

type createLinkRequest struct {
	Code      string `json:"code"`
	Target    string `json:"target"`
	ExpiresAt string `json:"expires_at"`
	Password  string `json:"password"`
	Overwrite bool   `json:"overwrite"`
}

func (s *Server) createLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)

		return
	}

	lnk, err := s.links.Create(r.Context(), link.CreateRequest{
		Code:      req.Code,
		Target:    req.Target,
		ExpiresAt: req.ExpiresAt,
		Password:  req.Password,
		Overwrite: req.Overwrite,
	})
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, newLinkView(lnk))
}

// linkDetail adds the recent click counts to the link shape.
type linkDetail struct {
	*linkView
	Stats *clickWindow `json:"stats"`
}

// clickWindow summarizes recent traffic of one link.
type clickWindow struct {
	Total  int64 `json:"total"`
	Today  int64 `json:"today"`
	Last7d int64 `json:"last_7d"`
	Last30 int64 `json:"last_30d"`
}

func (s *Server) getLink(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	lnk, err := s.links.Get(r.Context(), code)
	if err != nil {
		respondError(w, r, err)

		return
	}

	window, err := s.clickWindow(r, code, lnk.ClickCount)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, &linkDetail{
		linkView: newLinkView(lnk),
		Stats:    window,
	})
}

// clickWindow folds the day-bucket trend into today / 7d / 30d totals.
// The window end is rounded up an hour so the running hour counts.
func (s *Server) clickWindow(r *http.Request, code string, total int64) (*clickWindow, error) {
	now := s.clock.Now().UTC()
	to := now.Truncate(time.Hour).Add(time.Hour)
	from := now.AddDate(0, 0, -30)

	points, err := s.db.ClickTrends(r.Context(), code, database.GranularityDay, from, to)
	if err != nil {
		return nil, err
	}

	window := &clickWindow{Total: total}

	today := now.Format("2006-01-02")
	weekAgo := now.AddDate(0, 0, -7).Format("2006-01-02")

	for _, p := range points {
		window.Last30 += p.Clicks

		if p.Bucket >= weekAgo {
			window.Last7d += p.Clicks
		}

		if p.Bucket == today {
			window.Today = p.Clicks
		}
	}

	return window, nil
}

type updateLinkRequest struct {
	Target    *string `json:"target"`
	ExpiresAt *string `json:"expires_at"`
	Password  *string `json:"password"`
}

func (s *Server) updateLink(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req updateLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)

		return
	}

	lnk, err := s.links.Update(r.Context(), code, link.UpdateRequest{
		Target:    req.Target,
		ExpiresAt: req.ExpiresAt,
		Password:  req.Password,
	})
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, newLinkView(lnk))
}

func (s *Server) deleteLink(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if err := s.links.Delete(r.Context(), code); err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, map[string]string{"code": code})
}

type batchDeleteRequest struct {
	Codes []string `json:"codes"`
}

func (s *Server) batchDeleteLinks(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)

		return
	}

	if len(req.Codes) == 0 {
		respondValidation(w, r, "codes must not be empty")

		return
	}

	if len(req.Codes) > maxBatchDelete {
		respondValidation(w, r, fmt.Sprintf("at most %d codes per request", maxBatchDelete))

		return
	}

	deleted, err := s.links.BatchDelete(r.Context(), req.Codes)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, map[string]int64{"deleted": deleted})
}

// importLinks restores links from a CSV body, either raw or as a
// multipart "file" field.
func (s *Server) importLinks(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"importLinks",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	mode, err := link.ParseImportMode(r.URL.Query().Get("mode"))
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)

	reader := io.Reader(r.Body)

	if strings.HasPrefix(r.Header.Get(contentType), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, r, err)

			return
		}

		defer file.Close()

		reader = file
	}

	rows, err := link.ReadCSV(reader)
	if err != nil {
		respondError(w, r, err)

		return
	}

	result, err := s.links.Import(r.Context(), rows, mode)
	if err != nil && !errors.Is(err, link.ErrImportAborted) {
		respondError(w, r, err)

		return
	}

	if errors.Is(err, link.ErrImportAborted) {
		// The result carries the per-row errors that aborted the run.
		writeEnvelope(w, r, http.StatusBadRequest, envelope{
			Code:    codeValidation,
			Data:    result,
			Message: err.Error(),
		})

		return
	}

	respondData(w, r, result)
}

// exportLinks streams the whole link table as a CSV download.
func (s *Server) exportLinks(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"exportLinks",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	filename := "shortlinker-" + s.clock.Now().UTC().Format("20060102T150405Z") + ".csv"

	h := w.Header()
	h.Set(contentType, contentTypeCSV)
	h.Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	out := csv.NewWriter(w)

	if err := out.Write(link.CSVHeader()); err != nil {
		respondError(w, r, err)

		return
	}

	flusher, _ := w.(http.Flusher)

	var since int

	err := s.links.ExportStream(r.Context(), func(l *database.ShortLink) error {
		if err := out.Write(link.CSVRecord(l)); err != nil {
			return err
		}

		// Push a chunk to the client every thousand rows so a large
		// export streams instead of buffering server-side.
		since++
		if since >= 1000 {
			since = 0

			out.Flush()

			if err := out.Error(); err != nil {
				return err
			}

			if flusher != nil {
				flusher.Flush()
			}
		}

		return nil
	})
	if err != nil {
		// Headers are gone already; all that is left is cutting the
		// stream short and logging why.
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error streaming the export")

		return
	}

	out.Flush()

	if err := out.Error(); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error finishing the export")
	}
}

// statsView is the admin dashboard payload.
type statsView struct {
	Links     linkStatsView   `json:"links"`
	ClickLogs int64           `json:"click_logs"`
	Cache     cache.Stats     `json:"cache"`
	Buffer    bufferStatsView `json:"buffer"`
}

type linkStatsView struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Expired   int64 `json:"expired"`
	Protected int64 `json:"protected"`
	Clicks    int64 `json:"clicks"`
}

type bufferStatsView struct {
	UniqueCodes    int   `json:"unique_codes"`
	PendingDetails int   `json:"pending_details"`
	Dropped        int64 `json:"dropped"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.links.Stats(r.Context())
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, &statsView{
		Links: linkStatsView{
			Total:     stats.Links.TotalLinks,
			Active:    stats.Links.ActiveLinks,
			Expired:   stats.Links.ExpiredLinks,
			Protected: stats.Links.ProtectedLinks,
			Clicks:    stats.Links.TotalClicks,
		},
		ClickLogs: stats.ClickLogs,
		Cache:     stats.Cache,
		Buffer:    s.bufferStats(),
	})
}

func (s *Server) bufferStats() bufferStatsView {
	return bufferStatsView{
		UniqueCodes:    s.buffer.UniqueCodes(),
		PendingDetails: s.buffer.PendingDetails(),
		Dropped:        s.buffer.Dropped(),
	}
}

func parseListStatus(s string) (database.LinkStatus, error) {
	switch database.LinkStatus(s) {
	case database.StatusActive, database.StatusExpired, database.StatusAll:
		return database.LinkStatus(s), nil
	case "":
		return database.StatusAll, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func queryInt(q url.Values, key string, fallback int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return fallback, nil
	}

	return strconv.Atoi(raw)
}

func queryTime(q url.Values, key string) (*time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil //nolint:nilnil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}

	t = t.UTC()

	return &t, nil
}
