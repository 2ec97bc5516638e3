package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/helper"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

// errBadRequestBody wraps JSON decode failures so they classify as
// validation errors instead of internal ones.
var errBadRequestBody = errors.New("invalid request body")

// Admin responses share one envelope: code 0 plus data on success, a
// non-zero code plus message on failure. The HTTP status mirrors the
// envelope code.
const (
	codeOK         = 0
	codeGeneric    = 1000
	codeValidation = 1001
	codeNotFound   = 1002
	codeConflict   = 1003
	codeAuth       = 1004
	codeBusy       = 1005
	codeStorage    = 1006
)

type envelope struct {
	Code       int         `json:"code"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Message    string      `json:"message,omitempty"`
}

type pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"total_pages"`
}

func newPagination(page, pageSize int, total int64) *pagination {
	pages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		pages++
	}

	return &pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(env); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

func respondData(w http.ResponseWriter, r *http.Request, data any) {
	writeEnvelope(w, r, http.StatusOK, envelope{Code: codeOK, Data: data})
}

func respondAccepted(w http.ResponseWriter, r *http.Request, data any) {
	writeEnvelope(w, r, http.StatusAccepted, envelope{Code: codeOK, Data: data})
}

func respondList(w http.ResponseWriter, r *http.Request, data any, p *pagination) {
	writeEnvelope(w, r, http.StatusOK, envelope{Code: codeOK, Data: data, Pagination: p})
}

// respondValidation answers a 400 with an explicit message, for request
// shapes no sentinel error covers.
func respondValidation(w http.ResponseWriter, r *http.Request, msg string) {
	writeEnvelope(w, r, http.StatusBadRequest, envelope{Code: codeValidation, Message: msg})
}

func respondAuthRequired(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, r, http.StatusUnauthorized, envelope{Code: codeAuth, Message: "authentication required"})
}

// respondUnavailable answers a 503 for endpoints whose backing
// component was not wired into this process.
func respondUnavailable(w http.ResponseWriter, r *http.Request, msg string) {
	writeEnvelope(w, r, http.StatusServiceUnavailable, envelope{Code: codeGeneric, Message: msg})
}

// respondError classifies err into the envelope code and mirrored HTTP
// status. Unclassified errors are logged and answered as 500 without
// leaking the error text.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)

	msg := err.Error()

	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error handling the request")

		msg = "internal error"
	}

	writeEnvelope(w, r, status, envelope{Code: code, Message: msg})
}

//nolint:cyclop
func classifyError(err error) (int, int) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, config.ErrUnknownKey):
		return http.StatusNotFound, codeNotFound

	case errors.Is(err, database.ErrCodeExists),
		errors.Is(err, link.ErrNoFreeCode):
		return http.StatusConflict, codeConflict

	case errors.Is(err, reload.ErrReloadBusy),
		errors.Is(err, backup.ErrBackupBusy):
		return http.StatusConflict, codeBusy

	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, codeValidation

	case errors.Is(err, database.ErrInvalidCode),
		errors.Is(err, link.ErrInvalidTarget),
		errors.Is(err, link.ErrTargetDenied),
		errors.Is(err, link.ErrImportAborted),
		errors.Is(err, helper.ErrExpiryFormat),
		errors.Is(err, helper.ErrExpiryInPast),
		errors.Is(err, config.ErrInvalidValue),
		errors.Is(err, errBadRequestBody):
		return http.StatusBadRequest, codeValidation

	case errors.Is(err, backup.ErrNoDestination):
		return http.StatusBadRequest, codeValidation

	case database.IsTransientError(err):
		return http.StatusServiceUnavailable, codeStorage

	default:
		return http.StatusInternalServerError, codeGeneric
	}
}

// decodeJSON decodes a JSON request body into dst, bounding the body
// size and refusing unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	const maxBodySize = 1 << 20

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}

		return fmt.Errorf("%w: %s", errBadRequestBody, err)
	}

	return nil
}
