package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/autherr"
)

const maxBodyBytes = 1 << 20

// respondJSON writes v as JSON with the given status
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondDomainError maps a service error to its status. Internal errors are
// logged and answered with a generic message.
func respondDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := autherr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	respondWithError(w, status, autherr.Message(err))
}

const (
	mediaURLEncoded = "application/x-www-form-urlencoded"
	mediaMultipart  = "multipart/form-data"
)

func mediaType(r *http.Request) string {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt
}

// isForm reports whether the request body is url-encoded or multipart form data
func isForm(r *http.Request) bool {
	mt := mediaType(r)
	return mt == mediaURLEncoded || mt == mediaMultipart
}

// decodeRequest reads a JSON body, or a form whose keys match the JSON field
// names of v.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if isForm(r) {
		var err error
		if mediaType(r) == mediaMultipart {
			err = r.ParseMultipartForm(maxBodyBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return fmt.Errorf("failed to parse form: %w", err)
		}
		fields := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			fields[k] = r.PostForm.Get(k)
		}
		b, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, v)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}
