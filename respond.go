package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"psp.com/tutorhub/internal/safefetch"
)

// maxJSONBody bounds JSON request bodies other than bundle imports.
const maxJSONBody = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: kind, Message: msg})
}

// writeInternal logs err and answers with a generic 500.
func writeInternal(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal", "Something went wrong")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// fetchErrorStatus maps fetch failures onto HTTP statuses.
func fetchErrorStatus(kind safefetch.Kind) int {
	switch kind {
	case safefetch.KindUnsafeURL, safefetch.KindUnsafeRedirectTarget,
		safefetch.KindTooManyRedirects, safefetch.KindRedirectLoop, safefetch.KindMissingLocation:
		return http.StatusUnprocessableEntity
	case safefetch.KindTimeout:
		return http.StatusGatewayTimeout
	case safefetch.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case safefetch.KindCancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// writeFetchError answers with the fetch error's safe message only.
func writeFetchError(w http.ResponseWriter, r *http.Request, fe *safefetch.Error) {
	zerolog.Ctx(r.Context()).Warn().
		Err(fe.Unwrap()).
		Str("kind", string(fe.Kind)).
		Str("reason", string(fe.Reason)).
		Str("url", fe.URL).
		Int("status", fe.Status).
		Msg("fetch failed")
	writeJSON(w, fetchErrorStatus(fe.Kind), errorBody{
		Error:   string(fe.Kind),
		Reason:  string(fe.Reason),
		Message: fe.Error(),
	})
}
