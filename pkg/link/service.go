// Package link implements the link lifecycle: create, resolve, update,
// delete, plus bulk import and export. It sits between the HTTP/CLI
// surfaces and the storage and cache layers.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"

	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/helper"
	"github.com/shortlinker/shortlinker/pkg/password"
)

// DefaultRandomCodeLength is used when the configured length is unusable.
const DefaultRandomCodeLength = 6

// Random code generation tries a few codes at the configured length
// before growing it, one character per round, at most four extra.
const (
	codeAttemptsPerLength = 3
	maxLengthGrowth       = 4
)

// ErrNoFreeCode is returned when code generation keeps colliding even
// after growing the length.
var ErrNoFreeCode = errors.New("could not generate a free code")

// Settings carries the runtime-configurable knobs the service reads on
// every call, so a config reload takes effect without a restart.
type Settings struct {
	RandomCodeLength int
	DenyHosts        []string
}

// Service implements link lifecycle operations on top of storage and the
// composite cache.
type Service struct {
	db       *database.DB
	cache    *cache.Cache
	settings func() Settings
	clock    clockwork.Clock
	rand     io.Reader
}

// New returns a Service. A nil settings function falls back to defaults,
// a nil clock to the wall clock.
func New(db *database.DB, c *cache.Cache, settings func() Settings, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{db: db, cache: c, settings: settings, clock: clock}
}

func (s *Service) currentSettings() Settings {
	var set Settings

	if s.settings != nil {
		set = s.settings()
	}

	if set.RandomCodeLength < 1 {
		set.RandomCodeLength = DefaultRandomCodeLength
	}

	return set
}

// CreateRequest describes a new link. An empty Code asks for a random
// one. ExpiresAt accepts RFC3339 or a compact duration such as "1d2h30m";
// empty means the link never expires.
type CreateRequest struct {
	Code      string
	Target    string
	ExpiresAt string
	Password  string
	Overwrite bool
}

// Create validates and stores a new link. An explicit taken code yields
// ErrCodeExists unless Overwrite is set, which updates the existing row
// in place keeping its created_at and click_count.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*database.ShortLink, error) {
	set := s.currentSettings()

	if err := ValidateTarget(req.Target, set.DenyHosts); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	link := &database.ShortLink{
		Target:    req.Target,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.ExpiresAt != "" {
		expires, err := helper.ParseExpiry(now, req.ExpiresAt)
		if err != nil {
			return nil, err
		}

		link.ExpiresAt = &expires
	}

	if req.Password != "" {
		hash, err := password.Hash(req.Password)
		if err != nil {
			return nil, fmt.Errorf("error hashing the password: %w", err)
		}

		link.PasswordHash = hash
	}

	if req.Code != "" {
		return s.createExplicit(ctx, link, req)
	}

	return s.createRandom(ctx, link, set.RandomCodeLength)
}

func (s *Service) createExplicit(
	ctx context.Context,
	link *database.ShortLink,
	req CreateRequest,
) (*database.ShortLink, error) {
	if err := database.ValidateCode(req.Code); err != nil {
		return nil, err
	}

	link.Code = req.Code

	if req.Overwrite {
		if err := s.db.UpsertLink(ctx, link); err != nil {
			return nil, err
		}

		// The upsert keeps the original created_at and click_count, so
		// read the row back before answering and caching.
		stored, err := s.db.GetLink(ctx, link.Code)
		if err != nil {
			return nil, err
		}

		s.cache.Insert(stored)

		return stored, nil
	}

	if err := s.db.CreateLink(ctx, link); err != nil {
		return nil, err
	}

	s.cache.Insert(link)

	return link, nil
}

func (s *Service) createRandom(
	ctx context.Context,
	link *database.ShortLink,
	length int,
) (*database.ShortLink, error) {
	for growth := 0; growth <= maxLengthGrowth; growth++ {
		for attempt := 0; attempt < codeAttemptsPerLength; attempt++ {
			code, err := helper.RandString(length+growth, s.rand)
			if err != nil {
				return nil, fmt.Errorf("error generating a code: %w", err)
			}

			link.Code = code

			err = s.db.CreateLink(ctx, link)
			if err == nil {
				s.cache.Insert(link)

				return link, nil
			}

			if !errors.Is(err, database.ErrCodeExists) {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrNoFreeCode, (maxLengthGrowth+1)*codeAttemptsPerLength)
}

// Resolve is the redirect path: composite cache first, storage only on a
// miss. Expired links answer ErrNotFound and are remembered as missing.
func (s *Service) Resolve(ctx context.Context, code string) (*database.ShortLink, error) {
	if err := database.ValidateCode(code); err != nil {
		return nil, err
	}

	link, outcome := s.cache.Lookup(ctx, code)

	switch outcome {
	case cache.OutcomeFound:
		return link, nil
	case cache.OutcomeNotFound:
		return nil, fmt.Errorf("%w: %q", database.ErrNotFound, code)
	case cache.OutcomeMiss:
	}

	stored, err := s.db.GetLink(ctx, code)
	if err != nil {
		if database.IsNotFoundError(err) {
			if s.cache.BloomCheck(code) {
				s.cache.RecordFalsePositive(ctx)
			}

			s.cache.MarkNotFound(code)
		}

		return nil, err
	}

	if stored.Expired(s.clock.Now()) {
		s.cache.MarkNotFound(code)

		return nil, fmt.Errorf("%w: %q", database.ErrNotFound, code)
	}

	s.cache.Insert(stored)

	return stored, nil
}

// Get is the admin read: straight to storage so dashboards never see a
// stale cached copy.
func (s *Service) Get(ctx context.Context, code string) (*database.ShortLink, error) {
	if err := database.ValidateCode(code); err != nil {
		return nil, err
	}

	return s.db.GetLink(ctx, code)
}

// List pages through links for the admin API.
func (s *Service) List(ctx context.Context, q database.ListQuery) ([]*database.ShortLink, int64, error) {
	return s.db.ListLinks(ctx, q)
}

// UpdateRequest changes only its non-nil fields. ExpiresAt takes RFC3339,
// a compact duration, or "never"/"" to clear the expiry; Password ""
// clears the password.
type UpdateRequest struct {
	Target    *string
	ExpiresAt *string
	Password  *string
}

// Update merges the request into the stored link and refreshes the cache.
func (s *Service) Update(ctx context.Context, code string, req UpdateRequest) (*database.ShortLink, error) {
	if err := database.ValidateCode(code); err != nil {
		return nil, err
	}

	link, err := s.db.GetLink(ctx, code)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	if req.Target != nil {
		set := s.currentSettings()

		if err := ValidateTarget(*req.Target, set.DenyHosts); err != nil {
			return nil, err
		}

		link.Target = *req.Target
	}

	if req.ExpiresAt != nil {
		switch *req.ExpiresAt {
		case "", "never":
			link.ExpiresAt = nil
		default:
			expires, err := helper.ParseExpiry(now, *req.ExpiresAt)
			if err != nil {
				return nil, err
			}

			link.ExpiresAt = &expires
		}
	}

	if req.Password != nil {
		if *req.Password == "" {
			link.PasswordHash = ""
		} else {
			hash, err := password.Hash(*req.Password)
			if err != nil {
				return nil, fmt.Errorf("error hashing the password: %w", err)
			}

			link.PasswordHash = hash
		}
	}

	link.UpdatedAt = now

	if err := s.db.UpdateLink(ctx, link); err != nil {
		return nil, err
	}

	s.cache.Insert(link)

	return link, nil
}

// Delete removes a link and remembers the code as missing so the
// redirect path stops serving it immediately.
func (s *Service) Delete(ctx context.Context, code string) error {
	if err := database.ValidateCode(code); err != nil {
		return err
	}

	if err := s.db.DeleteLink(ctx, code); err != nil {
		return err
	}

	s.cache.MarkNotFound(code)

	return nil
}

// BatchDelete removes many links at once and blocks their codes from the
// cache. It returns how many rows actually went away.
func (s *Service) BatchDelete(ctx context.Context, codes []string) (int64, error) {
	deleted, err := s.db.BatchDeleteLinks(ctx, codes)
	if err != nil {
		return deleted, err
	}

	for _, code := range codes {
		s.cache.MarkNotFound(code)
	}

	return deleted, nil
}

// Stats is the admin dashboard payload.
type Stats struct {
	Links     *database.LinkStats `json:"links"`
	Cache     cache.Stats         `json:"cache"`
	ClickLogs int64               `json:"click_log_rows"`
}

// Stats aggregates link totals, cache gauges and the detail log size.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	links, err := s.db.GetLinkStats(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := s.db.CountClickLogs(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{Links: links, Cache: s.cache.Stats(), ClickLogs: logs}, nil
}
