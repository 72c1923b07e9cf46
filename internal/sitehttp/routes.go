// Package sitehttp registers the public routes: an open greeting and a
// resource guarded by the per-client rate limiter.
package sitehttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/windowgate/internal/httpmw"
)

const (
	bodyHello     = "Hello world! (unprotected endpoint)"
	bodyProtected = "Access granted to protected resource!"

	bodyNotFound         = `{"error":"not found"}`
	bodyMethodNotAllowed = `{"error":"method not allowed"}`
)

type Routes struct {
	// Limit guards /protected, normally (*ratelimit.Limiter).Middleware.
	// /protected is not registered when nil so it can never be served unguarded.
	Limit func(http.Handler) http.Handler
}

func New(limit func(http.Handler) http.Handler) *Routes {
	return &Routes{Limit: limit}
}

// RegisterRoutes attaches / and /protected to the main chi router.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("hello")).Get("/", hello)

	if rt.Limit != nil {
		r.With(httpmw.Scope("protected"), rt.Limit).Get("/protected", protected)
	}
}

func hello(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, bodyHello)
}

func protected(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, bodyProtected)
}

// NotFound answers unmatched paths with a JSON error. Pass it as
// httpserver.Options.NotFound.
func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, bodyNotFound)
	})
}

// MethodNotAllowed answers known paths requested with another method. Every
// route is GET only. Pass it as httpserver.Options.MethodNotAllowed.
func MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, bodyMethodNotAllowed)
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
