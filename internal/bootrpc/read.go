package bootrpc

import (
	"net/http"

	"github.com/zipper-works/zipper/internal/store"
)

// handleReadBlob serves the raw bytes of one content-addressed module.
func (s *Service) handleReadBlob(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "missing hash")
		return
	}

	content, err := s.store.GetBlob(r.Context(), hash)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "blob not found")
			return
		}
		s.logger.Error().Err(err).Str("hash", hash).Msg("read_blob")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// handleReadTree serves the tree manifest persisted by a previous boot of
// the deployment.
func (s *Service) handleReadTree(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("deployment_id")
	if raw == "" {
		if claims := claimsFrom(r); claims != nil {
			raw = claims.DeploymentID
		}
	}
	dep, err := ParseDeploymentID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed deployment id")
		return
	}

	if dep.Version == VersionLatest {
		app, err := s.store.GetApp(r.Context(), dep.AppID)
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "tree not found")
				return
			}
			s.logger.Error().Err(err).Str("app_id", dep.AppID).Msg("read_tree: load app")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		dep.Version = ContentVersion(app)
	}

	manifest, err := s.store.GetTree(r.Context(), dep.CacheKey())
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "tree not found")
			return
		}
		s.logger.Error().Err(err).Str("deployment_id", dep.CacheKey()).Msg("read_tree")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(manifest))
}
