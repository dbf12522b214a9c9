package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/types"
	"github.com/stevepryde/xenon/internal/wire"
)

const contentTypeJSON = "application/json; charset=utf-8"

// responseBufferPool reuses encode buffers across responses.
var responseBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// writeJSON encodes v into a pooled buffer first so encoding errors are
// caught before any headers go out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := responseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer responseBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"value":{"error":"unknown error","message":"internal encoding error","stacktrace":""}}`))
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// writeWebDriverError sends a router-originated error as a W3C envelope.
func writeWebDriverError(w http.ResponseWriter, wdErr *types.WebDriverError) {
	writeJSON(w, wdErr.Status, wire.ErrorBody{
		Value: wire.ErrorValue{
			Error:      wdErr.Code,
			Message:    wdErr.Message,
			Stacktrace: "",
		},
	})
}

// coerceError maps any router-internal error onto a W3C error. Errors that
// already carry their wire shape pass through; sentinels get the mapping
// from the error taxonomy; anything else becomes an unknown error.
func coerceError(err error) *types.WebDriverError {
	var wdErr *types.WebDriverError
	if errors.As(err, &wdErr) {
		return wdErr
	}

	switch {
	case errors.Is(err, types.ErrFleetFull), errors.Is(err, types.ErrPoolExhausted):
		return types.NewSessionNotCreated("could not create session: all matching browsers are at capacity", err)
	case errors.Is(err, types.ErrNoMatch):
		return types.NewSessionNotCreated("no matching browser available", err)
	case errors.Is(err, types.ErrDriverStartup):
		return types.NewSessionNotCreated("could not create session: webdriver process failed to start", err)
	case errors.Is(err, types.ErrSessionNotFound):
		return types.NewInvalidSessionID("")
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewTimeout("upstream call exceeded its deadline", err)
	default:
		return &types.WebDriverError{
			Code:    types.CodeUnknownError,
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
			Err:     err,
		}
	}
}
