// Package middleware provides HTTP middleware components.
package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/wire"
)

// Chain creates a middleware chain from a list of middleware functions.
// Middleware are applied in order, so Chain(A, B, C) will execute as A(B(C(handler))).
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Recovery returns middleware that recovers from panics, logs the stack,
// and answers with a W3C "unknown error" envelope if the response has not
// started yet.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				writeEnvelope(w, http.StatusInternalServerError, wire.ErrorBody{
					Value: wire.ErrorValue{
						Error:   "unknown error",
						Message: "internal server error",
					},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeEnvelope best-effort writes a W3C error body; if the handler already
// started the response this fails silently, which is all we can do.
func writeEnvelope(w http.ResponseWriter, status int, body wire.ErrorBody) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write error envelope")
	}
}
