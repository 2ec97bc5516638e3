package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
)

// changedByAdminAPI is recorded as the actor on config writes made
// through the HTTP admin surface.
const changedByAdminAPI = "admin-api"

const maxHistoryLimit = 500

type configRowView struct {
	Key             string    `json:"key"`
	Value           string    `json:"value"`
	Type            string    `json:"type"`
	DefaultValue    string    `json:"default_value"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	Sensitive       bool      `json:"is_sensitive"`
	RequiresRestart bool      `json:"requires_restart"`
	UpdatedAt       time.Time `json:"updated_at"`
	UpdatedBy       string    `json:"updated_by"`
}

func newConfigRowView(row *database.SystemConfig, reveal bool) *configRowView {
	return &configRowView{
		Key:             row.Key,
		Value:           configValue(row, reveal),
		Type:            row.ValueType,
		DefaultValue:    row.DefaultValue,
		Description:     row.Description,
		Category:        row.Category,
		Sensitive:       row.Sensitive,
		RequiresRestart: row.RequiresRestart,
		UpdatedAt:       row.UpdatedAt.UTC(),
		UpdatedBy:       row.UpdatedBy,
	}
}

// configValue redacts sensitive values unless the caller asked to
// reveal them. The admin token is stored as a hash and stays redacted
// even then; handing out the hash helps nobody.
func configValue(row *database.SystemConfig, reveal bool) string {
	if !row.Sensitive || row.Value == "" {
		return row.Value
	}

	if !reveal || password.IsHash(row.Value) {
		return database.RedactedValue
	}

	return row.Value
}

func revealRequested(r *http.Request) bool {
	return r.URL.Query().Get("reveal") == "true"
}

func (s *Server) listConfig(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetAll(r.Context())
	if err != nil {
		respondError(w, r, err)

		return
	}

	reveal := revealRequested(r)

	views := make([]*configRowView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newConfigRowView(row, reveal))
	}

	respondData(w, r, views)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, newConfigRowView(row, revealRequested(r)))
}

type setConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	res, err := s.store.Set(r.Context(), chi.URLParam(r, "key"), req.Value, changedByAdminAPI)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, redactSetResult(res))
}

func (s *Server) resetConfig(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Reset(r.Context(), chi.URLParam(r, "key"), changedByAdminAPI)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondData(w, r, redactSetResult(res))
}

// redactSetResult masks the before and after values of sensitive keys,
// matching what the history rows record. A regenerated token's
// plaintext still rides through: that field exists to be handed out
// exactly once.
func redactSetResult(res *config.SetResult) *config.SetResult {
	if !res.Sensitive {
		return res
	}

	out := *res
	out.OldValue = database.RedactedValue
	out.NewValue = database.RedactedValue

	return &out
}

// configHistoryView is one audit row. Sensitive values were masked when
// the row was written, so this is a straight copy.
type configHistoryView struct {
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

func (s *Server) getConfigHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query(), "limit", 0)
	if err != nil || limit < 0 || limit > maxHistoryLimit {
		respondValidation(w, r, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))

		return
	}

	rows, err := s.store.History(r.Context(), chi.URLParam(r, "key"), limit)
	if err != nil {
		respondError(w, r, err)

		return
	}

	views := make([]*configHistoryView, 0, len(rows))
	for _, row := range rows {
		views = append(views, &configHistoryView{
			Key:       row.Key,
			OldValue:  row.OldValue,
			NewValue:  row.NewValue,
			ChangedBy: row.ChangedBy,
			ChangedAt: row.ChangedAt.UTC(),
		})
	}

	respondData(w, r, views)
}
