package bootrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/zipper-works/zipper/internal/bundle"
	"github.com/zipper-works/zipper/internal/modfetch"
	"github.com/zipper-works/zipper/internal/shim"
	"github.com/zipper-works/zipper/internal/specifier"
	"github.com/zipper-works/zipper/internal/store"
)

// denoConfig is the isolate configuration handed to the sandbox host
// alongside the bundle body.
type denoConfig struct {
	Entrypoint  string            `json:"entrypoint"`
	EnvVars     map[string]string `json:"envVars"`
	Layers      []string          `json:"layers"`
	Permissions permissions       `json:"permissions"`
}

type permissions struct {
	Net bool `json:"net"`
}

const denoConfigHeader = "x-deno-config"

// handleBoot compiles a deployment into a runnable bundle. Unservable apps
// (missing, or missing connector authorization) still boot: the response is
// a 200 carrying an inert script, so the sandbox host always has a module
// to run. Hard failures are reserved for auth and internal errors.
func (s *Service) handleBoot(w http.ResponseWriter, r *http.Request) {
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

	app, err := s.store.GetApp(r.Context(), dep.AppID)
	if err != nil {
		if store.IsNotFound(err) {
			s.logger.Info().Str("deployment_id", dep.String()).Msg("boot for unknown app, serving inert script")
			s.writeInertBoot(w, dep.AppID, shim.InertMissingApp())
			return
		}
		s.logger.Error().Err(err).Msg("boot: load app")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if dep.Version == VersionLatest {
		dep.Version = ContentVersion(app)
	}

	auths, err := s.store.ConnectorAuths(r.Context(), app.ID, dep.CallerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("boot: load connector auths")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var missing []string
	for _, c := range app.Connectors {
		if !c.RequiresUserAuth {
			continue
		}
		if _, ok := auths[c.Type]; !ok {
			missing = append(missing, c.Type)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		s.logger.Info().Str("deployment_id", dep.String()).Strs("connectors", missing).
			Msg("boot without connector authorization, serving inert script")
		s.writeInertBoot(w, app.Slug, shim.InertMissingConnectors(missing))
		return
	}

	env, err := s.bootEnv(app, dep, auths)
	if err != nil {
		s.logger.Error().Err(err).Str("deployment_id", dep.String()).Msg("boot: build env")
		writeError(w, http.StatusInternalServerError, "secret decrypt failed")
		return
	}

	entry := specifier.InternalURL(s.internalHost(), app.Slug, app.MainFilename)
	info := shim.Info{
		AppID:        app.ID,
		Slug:         app.Slug,
		Version:      dep.Version,
		DeploymentID: dep.String(),
		RPCRoot:      s.cfg.RPCRoot,
	}
	builder := s.newBuilder(app, func(src string) string { return shim.Wrap(src, info) })

	buildCtx, cancel := context.WithTimeout(r.Context(), s.cfg.BuildTimeout)
	defer cancel()

	bnd, err := builder.BuildBundle(buildCtx, entry)
	if err != nil {
		s.logger.Error().Err(err).Str("deployment_id", dep.String()).Msg("boot: bundle build failed")
		writeError(w, http.StatusInternalServerError, "bundle build failed")
		return
	}

	s.persistBundle(r.Context(), dep, bnd)

	body, err := bnd.JSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	cfgHeader, err := json.Marshal(denoConfig{
		Entrypoint:  bnd.Entrypoint,
		EnvVars:     env,
		Layers:      []string{dep.CacheKey()},
		Permissions: permissions{Net: true},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(denoConfigHeader, string(cfgHeader))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// bootEnv assembles the isolate environment: decrypted app secrets,
// connector tokens for the calling user, and the boot plumbing variables
// the shim strips before user code sees the environment. Decrypted values
// exist only for the lifetime of this response.
func (s *Service) bootEnv(app *store.App, dep DeploymentID, auths map[string]store.ConnectorAuth) (map[string]string, error) {
	env := make(map[string]string, len(app.Secrets)+len(auths)+5)

	for _, sec := range app.Secrets {
		val, err := s.keyring.Decrypt(sec.EncryptedValue)
		if err != nil {
			return nil, err
		}
		env[sec.Key] = val
	}

	for connType, auth := range auths {
		tok, err := s.keyring.Decrypt(auth.EncryptedToken)
		if err != nil {
			return nil, err
		}
		env[strings.ToUpper(connType)+"_TOKEN"] = tok
	}

	bootToken, err := s.signer.Sign(dep.String(), s.cfg.RPCRoot)
	if err != nil {
		return nil, err
	}

	env["ZIPPER_SIGNING_SECRET"] = string(s.storageSecret)
	env["ZIPPER_RPC_ROOT"] = s.cfg.RPCRoot
	env["ZIPPER_DEPLOYMENT_ID"] = dep.String()
	env["ZIPPER_CALLER_ID"] = dep.CallerID
	env["ZIPPER_BOOT_TOKEN"] = bootToken
	return env, nil
}

// newBuilder wires a per-request resolver, fetch cache, and bundle builder
// for one app.
func (s *Service) newBuilder(app *store.App, wrap bundle.WrapFunc) *bundle.Builder {
	resolver := specifier.New(specifier.Options{
		InternalHosts: s.cfg.InternalHosts,
		AllowHTTP:     s.cfg.DevMode,
		ScriptExists: func(slug, filename string) bool {
			if app == nil || slug != app.Slug {
				return false
			}
			_, ok := app.Script(filename)
			return ok
		},
	})
	cache := modfetch.New(modfetch.Options{
		Redirects:    resolver.Redirects(),
		FetchTimeout: s.cfg.FetchTimeout,
		Shared:       s.shared,
		Logger:       s.logger,
	})
	return bundle.New(bundle.Options{
		Resolver:  resolver,
		Cache:     cache,
		App:       app,
		WrapEntry: wrap,
		Logger:    s.logger,
	})
}

// persistBundle stores the bundle's modules as content-addressed blobs plus
// a tree manifest, keyed by app@version. Persistence failures do not fail
// the boot; the response already carries the full bundle.
func (s *Service) persistBundle(ctx context.Context, dep DeploymentID, bnd *bundle.Bundle) {
	entries := make(map[string]store.TreeEntry, len(bnd.Modules))
	for spec, mod := range bnd.Modules {
		content := []byte(mod.Content)
		hash := ContentHash(content)
		if err := s.store.PutBlob(ctx, hash, content); err != nil {
			s.logger.Error().Err(err).Str("specifier", spec).Msg("boot: persist blob")
			return
		}
		entries[spec] = store.TreeEntry{Kind: "file", Size: int64(len(content)), Hash: hash}
	}

	manifest, err := json.Marshal(map[string]map[string]store.TreeEntry{"entries": entries})
	if err != nil {
		s.logger.Error().Err(err).Msg("boot: marshal tree manifest")
		return
	}
	if err := s.store.PutTree(ctx, dep.CacheKey(), string(manifest)); err != nil {
		s.logger.Error().Err(err).Str("deployment_id", dep.CacheKey()).Msg("boot: persist tree")
	}
}

// writeInertBoot responds 200 with a single-module bundle wrapping an inert
// script.
func (s *Service) writeInertBoot(w http.ResponseWriter, slug, script string) {
	entry := specifier.InternalURL(s.internalHost(), slug, "main.ts")
	bnd := &bundle.Bundle{
		Entrypoint: entry,
		Modules: map[string]bundle.Module{
			entry: {Content: script, ContentType: "application/typescript"},
		},
	}
	body, err := bnd.JSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	cfgHeader, _ := json.Marshal(denoConfig{
		Entrypoint:  entry,
		EnvVars:     map[string]string{},
		Layers:      []string{},
		Permissions: permissions{Net: true},
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(denoConfigHeader, string(cfgHeader))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
