package bootrpc

import (
	"context"
	"errors"
	"net/http"

	"github.com/zipper-works/zipper/internal/bundle"
	"github.com/zipper-works/zipper/internal/inputs"
	"github.com/zipper-works/zipper/internal/modfetch"
	"github.com/zipper-works/zipper/internal/specifier"
	"github.com/zipper-works/zipper/internal/store"
)

// handleTS serves editor module introspection: the raw module, its full
// bundle, its type-declaration bundle, or the guessed input shape of its
// handler. The entry module URL arrives in the x query parameter and is
// subject to the same resolution policy as build-time imports.
func (s *Service) handleTS(w http.ResponseWriter, r *http.Request) {
	entry := r.URL.Query().Get("x")
	if entry == "" {
		writeError(w, http.StatusBadRequest, "missing x parameter")
		return
	}

	// A first classification pass identifies internal URLs so the builder
	// can read the owning app's scripts.
	probe := specifier.New(specifier.Options{
		InternalHosts: s.cfg.InternalHosts,
		AllowHTTP:     s.cfg.DevMode,
	})
	res, err := probe.Resolve(entry, specifier.Context{})
	if err != nil {
		s.writeTSError(w, err)
		return
	}

	var app *store.App
	if res.Kind != specifier.KindRemote {
		app, err = s.store.GetAppBySlug(r.Context(), res.Slug)
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "app not found")
				return
			}
			s.logger.Error().Err(err).Str("slug", res.Slug).Msg("ts: load app")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	builder := s.newBuilder(app, nil)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.BuildTimeout)
	defer cancel()

	switch r.PathValue("kind") {
	case "module":
		mod, err := builder.BuildModule(ctx, entry)
		if err != nil {
			s.writeTSError(w, err)
			return
		}
		if types := mod.TypesURL(); types != "" {
			w.Header().Set(modfetch.TypesHeader, types)
		}
		w.Header().Set("Content-Type", mod.ContentType)
		w.WriteHeader(http.StatusOK)
		w.Write(mod.Content)

	case "bundle":
		bnd, err := builder.BuildBundle(ctx, entry)
		if err != nil {
			s.writeTSError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bnd)

	case "types":
		bnd, err := builder.BuildTypes(ctx, entry)
		if err != nil {
			s.writeTSError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bnd)

	case "inputs":
		mod, err := builder.BuildModule(ctx, entry)
		if err != nil {
			s.writeTSError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inputs.Extract(string(mod.Content)))

	default:
		writeError(w, http.StatusNotFound, "unknown introspection kind")
	}
}

func (s *Service) writeTSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, specifier.ErrUnsafeSpecifier):
		writeError(w, http.StatusBadRequest, "unsafe module specifier")
	case errors.Is(err, modfetch.ErrNotFound):
		writeError(w, http.StatusNotFound, "module not found")
	case errors.Is(err, bundle.ErrBuildFailed):
		writeError(w, http.StatusUnprocessableEntity, "bundle build failed")
	default:
		s.logger.Error().Err(err).Msg("ts: introspection failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
