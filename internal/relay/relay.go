// Package relay is the public request router: it maps an applet hostname
// to a deployment identifier, mints a signed boot credential for it, and
// reverse-proxies the request to the sandbox host that runs the isolate.
// The relay itself never executes applet code and never caches responses.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/bootrpc"
	"github.com/zipper-works/zipper/internal/config"
	"github.com/zipper-works/zipper/internal/store"
	"github.com/zipper-works/zipper/internal/token"
)

// Forwarded request headers consumed by the sandbox host.
const (
	HeaderBootToken    = "x-zipper-boot-token"
	HeaderDeploymentID = "x-zipper-deployment-id"

	// HeaderCallerID carries the authenticated end-user identity set by
	// the fronting auth layer. It selects whose connector credentials a
	// run boots with.
	HeaderCallerID = "x-zipper-user-id"
)

// AppResolver looks applets up by slug. *store.Store satisfies it.
type AppResolver interface {
	GetAppBySlug(ctx context.Context, slug string) (*store.App, error)
}

// Options configures the relay.
type Options struct {
	Config config.Config
	Apps   AppResolver
	// Signer must share its key with the RPC service that verifies the
	// minted credentials.
	Signer *token.Signer
	Logger zerolog.Logger
}

// Relay routes applet requests to the sandbox host.
type Relay struct {
	cfg      config.Config
	apps     AppResolver
	signer   *token.Signer
	logger   zerolog.Logger
	proxy    *httputil.ReverseProxy
	reserved map[string]struct{}
}

// New creates the relay.
func New(opts Options) (*Relay, error) {
	sandboxURL, err := url.Parse(opts.Config.SandboxHostURL)
	if err != nil || sandboxURL.Host == "" {
		return nil, fmt.Errorf("relay: invalid sandbox host url %q", opts.Config.SandboxHostURL)
	}

	reserved := make(map[string]struct{}, len(opts.Config.ReservedSubdomains))
	for _, sub := range opts.Config.ReservedSubdomains {
		reserved[strings.ToLower(sub)] = struct{}{}
	}

	r := &Relay{
		cfg:      opts.Config,
		apps:     opts.Apps,
		signer:   opts.Signer,
		logger:   opts.Logger,
		reserved: reserved,
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(sandboxURL)
			pr.SetXForwarded()
			pr.Out.Host = sandboxURL.Host
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Error().Err(err).Str("path", req.URL.Path).Msg("sandbox host unreachable")
			writeError(w, http.StatusBadGateway, "sandbox host unreachable")
		},
	}
	return r, nil
}

// ServeHTTP implements the routing described in the package comment.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	slug, ok := r.appSlug(req)
	if !ok {
		writeError(w, http.StatusNotFound, "not an applet host")
		return
	}

	app, err := r.apps.GetAppBySlug(req.Context(), slug)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "app not found")
			return
		}
		r.logger.Error().Err(err).Str("slug", slug).Msg("relay: app lookup")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	version, remaining := splitVersionPrefix(req.URL.Path)
	if version == "" {
		version = app.PublishedVersion
	}
	if version == "" {
		// Unpublished apps run an ad hoc deployment of their current
		// content.
		version = fmt.Sprintf("dev-%d", time.Now().Unix())
	}

	dep := bootrpc.DeploymentID{
		AppID:    app.ID,
		Version:  version,
		CallerID: req.Header.Get(HeaderCallerID),
	}

	signed, err := r.signer.Sign(dep.String(), r.cfg.RPCRoot)
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", dep.String()).Msg("relay: sign boot credential")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	req.Header.Set(HeaderBootToken, signed)
	req.Header.Set(HeaderDeploymentID, dep.String())
	req.URL.Path = remaining

	r.proxy.ServeHTTP(w, req)
}

// appSlug extracts the applet slug from the request host. Apex hosts,
// hosts with too few labels, and reserved first labels are not applet
// hosts.
func (r *Relay) appSlug(req *http.Request) (string, bool) {
	host := req.Host
	if r.cfg.DevMode {
		if fwd := req.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	var slug string
	if suffix := "." + strings.ToLower(r.cfg.RunHost); strings.HasSuffix(host, suffix) {
		slug = strings.TrimSuffix(host, suffix)
	} else if parts := strings.Split(host, "."); len(parts) > 2 {
		slug = parts[0]
	}
	if slug == "" || strings.Contains(slug, ".") {
		return "", false
	}
	if _, ok := r.reserved[slug]; ok {
		return "", false
	}
	return slug, true
}

// splitVersionPrefix peels a leading "/@version" segment off the path.
func splitVersionPrefix(path string) (version, remaining string) {
	trimmed := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(trimmed, "@") {
		return "", path
	}
	seg, rest, found := strings.Cut(trimmed, "/")
	version = strings.TrimPrefix(seg, "@")
	if version == "" {
		return "", path
	}
	if !found {
		return version, "/"
	}
	return version, "/" + rest
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}
