// Package specifier normalizes and classifies module import strings and
// rewrites them into fetchable, cache-stable canonical URLs.
//
// Three import forms are supported: relative local files (./x, ../x),
// internal-namespace URLs (https://<internal host>/<slug>/src/<file>), and
// fully-qualified remote URLs. Everything else fails resolution.
package specifier

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies a resolved specifier.
type Kind int

const (
	// KindLocal is a relative import that maps to one of the owning
	// app's scripts.
	KindLocal Kind = iota
	// KindInternal is an explicit internal-namespace URL; its content is
	// read from the datastore, not the network.
	KindInternal
	// KindRemote is any other absolute URL, fetched over the network.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindInternal:
		return "internal"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrUnsafeSpecifier rejects specifiers that fail the SSRF policy or use an
// import form outside the supported set. No fetch happens after it.
var ErrUnsafeSpecifier = errors.New("specifier: unsafe specifier")

// Resolved is the outcome of resolving one import string.
type Resolved struct {
	Kind Kind
	// CanonicalURL is the bundle-stable specifier. For remote modules
	// discovered under a redirected base it is rewritten back onto the
	// original URL's sibling paths; the redirect table maps it to the
	// URL that must actually be fetched.
	CanonicalURL string
	// Slug and Filename identify the datastore script for Local and
	// Internal kinds.
	Slug     string
	Filename string
}

// ScriptChecker reports whether an app has a script with the given
// filename. Used for extension inference on local imports.
type ScriptChecker func(slug, filename string) bool

// Options configures a Resolver.
type Options struct {
	// InternalHosts are the hostnames of the internal namespace.
	InternalHosts []string
	// AllowHTTP permits http:// specifiers (development mode only).
	AllowHTTP bool
	// ScriptExists backs local-import extension inference. Nil disables
	// existence checks (introspection builds outside an app context).
	ScriptExists ScriptChecker
	// Redirects carries fetch-time redirect bookkeeping across the
	// build. Nil allocates a fresh table.
	Redirects *RedirectTable
}

// Resolver resolves import specifiers for one bundle build.
type Resolver struct {
	internalHosts map[string]struct{}
	allowHTTP     bool
	scriptExists  ScriptChecker
	redirects     *RedirectTable
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	hosts := make(map[string]struct{}, len(opts.InternalHosts))
	for _, h := range opts.InternalHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	rt := opts.Redirects
	if rt == nil {
		rt = NewRedirectTable()
	}
	return &Resolver{
		internalHosts: hosts,
		allowHTTP:     opts.AllowHTTP,
		scriptExists:  opts.ScriptExists,
		redirects:     rt,
	}
}

// Redirects exposes the resolver's redirect table so the module fetcher can
// record redirects and map canonical specifiers to fetch URLs.
func (r *Resolver) Redirects() *RedirectTable { return r.redirects }

// InternalURL returns the canonical internal-namespace URL for one script.
func InternalURL(host, slug, filename string) string {
	return fmt.Sprintf("https://%s/%s/src/%s", host, slug, filename)
}

// Context identifies where an import was found.
type Context struct {
	// From is the canonical specifier of the importing module. Empty for
	// the entrypoint.
	From string
}

// Resolve classifies and canonicalizes one import string.
func (r *Resolver) Resolve(spec string, ctx Context) (Resolved, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Resolved{}, fmt.Errorf("%w: empty specifier", ErrUnsafeSpecifier)
	}

	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		return r.resolveRelative(spec, ctx)
	}

	u, err := url.Parse(spec)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Resolved{}, fmt.Errorf("%w: %q is not a relative path or absolute URL", ErrUnsafeSpecifier, spec)
	}
	if r.isInternal(u.Host) {
		return r.resolveInternal(u)
	}
	return r.resolveRemote(u)
}

func (r *Resolver) isInternal(host string) bool {
	_, ok := r.internalHosts[strings.ToLower(host)]
	return ok
}

func (r *Resolver) resolveRelative(spec string, ctx Context) (Resolved, error) {
	if ctx.From == "" {
		return Resolved{}, fmt.Errorf("%w: relative import %q outside a module context", ErrUnsafeSpecifier, spec)
	}
	base, err := url.Parse(ctx.From)
	if err != nil || !base.IsAbs() {
		return Resolved{}, fmt.Errorf("%w: invalid import context %q", ErrUnsafeSpecifier, ctx.From)
	}

	if r.isInternal(base.Host) {
		joined := base.ResolveReference(&url.URL{Path: spec})
		res, err := r.resolveInternal(joined)
		if err != nil {
			return Resolved{}, err
		}
		res.Kind = KindLocal
		return res, nil
	}

	// Relative import under a remote module. Resolve against the URL the
	// module was actually served from, then rewrite the result back onto
	// the original URL's path space so bundles stay stable when upstream
	// redirects to versioned paths.
	canonical := base.ResolveReference(&url.URL{Path: spec}).String()
	if final, ok := r.redirects.FinalFor(ctx.From); ok && final != ctx.From {
		finalBase, err := url.Parse(final)
		if err == nil {
			fetchURL := finalBase.ResolveReference(&url.URL{Path: spec}).String()
			if fetchURL != canonical {
				r.redirects.Record(canonical, fetchURL)
			}
		}
	}

	u, err := url.Parse(canonical)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnsafeSpecifier, canonical)
	}
	return r.resolveRemote(u)
}

func (r *Resolver) resolveInternal(u *url.URL) (Resolved, error) {
	slug, filename, err := splitInternalPath(u.Path)
	if err != nil {
		return Resolved{}, err
	}
	filename, err = r.inferFilename(slug, filename)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{
		Kind:         KindInternal,
		CanonicalURL: InternalURL(strings.ToLower(u.Host), slug, filename),
		Slug:         slug,
		Filename:     filename,
	}, nil
}

func splitInternalPath(path string) (slug, filename string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Accepted forms: /<slug>/src/<file...> and /<slug>/<file>.
	switch {
	case len(parts) >= 3 && parts[1] == "src":
		return parts[0], strings.Join(parts[2:], "/"), nil
	case len(parts) == 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: internal path %q", ErrUnsafeSpecifier, path)
	}
}

// codeExtensions in preference order for bare local imports. Non-code
// assets resolve only by their explicit extension.
var codeExtensions = []string{".ts", ".md", ".json"}

func (r *Resolver) inferFilename(slug, filename string) (string, error) {
	if r.scriptExists == nil {
		if !strings.Contains(filename, ".") {
			filename += ".ts"
		}
		return filename, nil
	}
	if r.scriptExists(slug, filename) {
		return filename, nil
	}
	if !strings.Contains(filename, ".") {
		for _, ext := range codeExtensions {
			if r.scriptExists(slug, filename+ext) {
				return filename + ext, nil
			}
		}
	}
	return "", fmt.Errorf("specifier: no script %q in app %q", filename, slug)
}

// Hosts that serve machine-bundlable Deno output when asked. The rewrite
// also makes upstream advertise type declarations via the
// x-typescript-types response header.
var remoteQueryRewrites = map[string][]string{
	"esm.sh":          {"target=deno"},
	"cdn.esm.sh":      {"target=deno"},
	"cdn.skypack.dev": {"dts="},
}

func (r *Resolver) resolveRemote(u *url.URL) (Resolved, error) {
	if params, ok := remoteQueryRewrites[strings.ToLower(u.Host)]; ok {
		q := u.Query()
		for _, p := range params {
			key, value, _ := strings.Cut(p, "=")
			if !q.Has(key) {
				q.Set(key, value)
			}
		}
		u.RawQuery = q.Encode()
	}

	if err := r.CheckURL(u); err != nil {
		return Resolved{}, err
	}
	return Resolved{Kind: KindRemote, CanonicalURL: u.String()}, nil
}

// CheckURL enforces the SSRF policy: protocol allow-list (https always,
// http only in development mode), no literal IP hosts, no localhost names.
// It runs before any network activity.
func (r *Resolver) CheckURL(u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if !r.allowHTTP {
			return fmt.Errorf("%w: http specifier %q outside development mode", ErrUnsafeSpecifier, u.String())
		}
	default:
		return fmt.Errorf("%w: protocol %q", ErrUnsafeSpecifier, u.Scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return fmt.Errorf("%w: literal IP host %q", ErrUnsafeSpecifier, host)
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: loopback host %q", ErrUnsafeSpecifier, host)
	}
	return nil
}
