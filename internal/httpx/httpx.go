// Package httpx holds the JSON request and response helpers shared by the
// HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"credential-vault/internal/apperr"
	"credential-vault/internal/observability"
)

const MaxJSONBodyBytes = 1 << 20

type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData wraps data in the success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, map[string]any{"data": data})
}

// WriteError maps err onto its kind's status code. Internal failures are
// logged and reported to Sentry; their cause never reaches the client.
func WriteError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, op string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Error(op+"_failed", map[string]any{
			"error":  err.Error(),
			"path":   r.URL.Path,
			"method": r.Method,
		})
		observability.CaptureError(r.Context(), err, map[string]string{"operation": op})
	}

	WriteJSON(w, kind.HTTPStatus(), map[string]any{
		"error": errorBody{Kind: kind, Message: apperr.PublicMessage(err)},
	})
}

// DecodeJSON reads a single JSON object into dst, rejecting unknown fields
// and bodies over MaxJSONBodyBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.KindBadRequest, "request body too large", err)
		}
		return apperr.Wrap(apperr.KindBadRequest, "invalid json body", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.New(apperr.KindBadRequest, "request body must contain a single json object")
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
