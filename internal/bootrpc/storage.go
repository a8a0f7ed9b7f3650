package bootrpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zipper-works/zipper/internal/hmacsig"
	"github.com/zipper-works/zipper/internal/store"
)

const maxStorageBody = 1 << 20

type storageWrite struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// handleStorage serves the applet key-value API. Every call is
// authenticated by the HMAC the generated shim computes over method, path,
// body, and timestamp with the per-boot signing secret.
func (s *Service) handleStorage(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "missing app id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxStorageBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = hmacsig.Verify(
		s.storageSecret,
		r.Method,
		r.URL.Path,
		body,
		r.Header.Get(hmacsig.HeaderHMAC),
		r.Header.Get(hmacsig.HeaderTimestamp),
		time.Now(),
	)
	if err != nil {
		if errors.Is(err, hmacsig.ErrStaleTimestamp) {
			writeError(w, http.StatusForbidden, "stale signature timestamp")
			return
		}
		writeError(w, http.StatusForbidden, "signature mismatch")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.storageGet(w, r, appID)
	case http.MethodPost:
		s.storageSet(w, r, appID, body)
	case http.MethodDelete:
		s.storageDelete(w, r, appID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Service) storageGet(w http.ResponseWriter, r *http.Request, appID string) {
	key := r.URL.Query().Get("key")
	if key == "" {
		values, err := s.store.StorageList(r.Context(), appID)
		if err != nil {
			s.logger.Error().Err(err).Str("app_id", appID).Msg("storage: list")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": rawValues(values)})
		return
	}

	value, err := s.store.StorageGet(r.Context(), appID, key)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		s.logger.Error().Err(err).Str("app_id", appID).Msg("storage: get")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": json.RawMessage(value)})
}

func (s *Service) storageSet(w http.ResponseWriter, r *http.Request, appID string, body []byte) {
	var req storageWrite
	if err := json.Unmarshal(body, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "body must be {key, value}")
		return
	}
	if err := s.store.StorageSet(r.Context(), appID, req.Key, string(req.Value)); err != nil {
		s.logger.Error().Err(err).Str("app_id", appID).Msg("storage: set")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) storageDelete(w http.ResponseWriter, r *http.Request, appID string) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	if err := s.store.StorageDelete(r.Context(), appID, key); err != nil {
		s.logger.Error().Err(err).Str("app_id", appID).Msg("storage: delete")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rawValues re-wraps stored JSON values so they serialize as structures,
// not double-encoded strings.
func rawValues(values map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		out[k] = json.RawMessage(v)
	}
	return out
}
