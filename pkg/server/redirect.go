package server

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
)

const (
	referrerPolicy = "Referrer-Policy"

	// maxUnlockFormSize bounds the password form body.
	maxUnlockFormSize = 16 << 10
)

const unlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Protected link</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; justify-content: center; margin-top: 15vh; }
main { max-width: 22rem; text-align: center; }
input, button { font-size: 1rem; padding: 0.5rem; margin-top: 0.5rem; width: 100%; box-sizing: border-box; }
.error { color: #b00020; }
</style>
</head>
<body>
<main>
<h1>This link is protected</h1>
{{if .Failed}}<p class="error">Wrong password, try again.</p>{{end}}
<form method="post" action="/{{.Code}}">
<input type="password" name="password" autocomplete="off" autofocus required>
<button type="submit">Unlock</button>
</form>
</main>
</body>
</html>
`

//nolint:gochecknoglobals
var unlockPage = template.Must(template.New("unlock").Parse(unlockPageHTML))

// getRedirect resolves a code and issues the redirect. HEAD requests
// resolve the link but never count as a click.
func (s *Server) getRedirect(countClick bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")

		ctx, cancel := context.WithTimeout(r.Context(), redirectTimeout)
		defer cancel()

		ctx, span := s.tracer.Start(
			ctx,
			"getRedirect",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("link_code", code),
			),
		)
		defer span.End()

		r = r.WithContext(
			zerolog.Ctx(ctx).
				With().
				Str("link-code", code).
				Logger().
				WithContext(ctx))

		lnk, err := s.resolveOr404(w, r, code)
		if lnk == nil || err != nil {
			return
		}

		if lnk.RequiresPassword() {
			recordRedirect(r.Context(), "protected")
			s.renderUnlockPage(w, r, code, http.StatusOK, false)

			return
		}

		s.redirect(w, r, lnk, countClick)
	}
}

// postUnlock checks the password form of a protected link and redirects
// on success.
func (s *Server) postUnlock(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	ctx, cancel := context.WithTimeout(r.Context(), redirectTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(
		ctx,
		"postUnlock",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("link_code", code),
		),
	)
	defer span.End()

	r = r.WithContext(
		zerolog.Ctx(ctx).
			With().
			Str("link-code", code).
			Logger().
			WithContext(ctx))

	r.Body = http.MaxBytesReader(w, r.Body, maxUnlockFormSize)

	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)

		return
	}

	lnk, err := s.resolveOr404(w, r, code)
	if lnk == nil || err != nil {
		return
	}

	if !lnk.RequiresPassword() {
		s.redirect(w, r, lnk, true)

		return
	}

	ok, err := password.Verify(lnk.PasswordHash, r.PostFormValue("password"))
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error verifying the link password")

		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	if !ok {
		recordUnlockFailure(r.Context())

		zerolog.Ctx(r.Context()).
			Warn().
			Str("from-ip", clientIP(r)).
			Msg("wrong password for a protected link")

		s.renderUnlockPage(w, r, code, http.StatusUnauthorized, true)

		return
	}

	s.redirect(w, r, lnk, true)
}

// resolveOr404 looks the code up and writes the 404 or 500 itself. The
// 404 is cacheable for a minute; a stale hit only delays a brand-new
// code, never a live one.
func (s *Server) resolveOr404(w http.ResponseWriter, r *http.Request, code string) (*database.ShortLink, error) {
	lnk, err := s.links.Resolve(r.Context(), code)
	if err == nil {
		return lnk, nil
	}

	if errors.Is(err, database.ErrInvalidCode) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return nil, err
	}

	if errors.Is(err, database.ErrNotFound) {
		recordRedirect(r.Context(), "miss")

		w.Header().Set(cacheControl, cacheControlMiss)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return nil, err
	}

	zerolog.Ctx(r.Context()).
		Error().
		Err(err).
		Msg("error resolving the link")

	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

	return nil, err
}

// redirect writes the 307 and records the click afterwards so the
// response never waits on bookkeeping.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, lnk *database.ShortLink, countClick bool) {
	h := w.Header()
	h.Set(cacheControl, cacheControlNoStore)
	h.Set(referrerPolicy, "unsafe-url")

	http.Redirect(w, r, lnk.Target, http.StatusTemporaryRedirect)

	recordRedirect(r.Context(), "hit")

	if countClick {
		s.recordClick(r, lnk.Code)
	}
}

func (s *Server) recordClick(r *http.Request, code string) {
	s.buffer.Record(code)

	if !s.handle.Load().ClickDetails {
		return
	}

	s.buffer.RecordDetail(click.Detail{
		Code:      code,
		At:        s.clock.Now().UTC(),
		Referrer:  r.Referer(),
		Source:    click.DeriveSource(r.URL.Query().Get("utm_source"), r.Referer()),
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Country:   countryHint(r),
	})
}

func (s *Server) renderUnlockPage(w http.ResponseWriter, r *http.Request, code string, status int, failed bool) {
	w.Header().Set(contentType, contentTypeHTML)
	w.Header().Set(cacheControl, cacheControlNoStore)
	w.WriteHeader(status)

	err := unlockPage.Execute(w, struct {
		Code   string
		Failed bool
	}{Code: code, Failed: failed})
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the unlock page")
	}
}

// clientIP returns the caller address without the port. The RealIP
// middleware has already folded the forwarding headers in.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// countryHint reads the country code an edge proxy attached, if any.
func countryHint(r *http.Request) string {
	if c := r.Header.Get("CF-IPCountry"); c != "" {
		return c
	}

	return r.Header.Get("X-Country-Code")
}
