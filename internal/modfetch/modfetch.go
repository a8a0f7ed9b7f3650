// Package modfetch fetches remote module bytes for bundle builds.
//
// A Cache is scoped to one build session: concurrent discoveries of the
// same specifier coalesce into a single outbound request, and results are
// memoized for the rest of the build. A longer-lived Shared cache can be
// attached for immutable, version-pinned remote modules only, so mutable
// third-party code is never served stale across builds.
package modfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zipper-works/zipper/internal/specifier"
)

// ErrNotFound indicates the remote host answered with a non-200 status.
var ErrNotFound = errors.New("modfetch: module not found")

// TypesHeader is the response header under which module CDNs advertise a
// type-declarations URL for a fetched module.
const TypesHeader = "X-Typescript-Types"

const maxModuleBytes = 10 << 20 // single module cap

// Module is one fetched (or locally read) module record. Instances are
// immutable once returned from the cache.
type Module struct {
	// Specifier is the canonical, bundle-stable specifier.
	Specifier string
	// ResolvedSpecifier is the URL the content was actually served from
	// (differs from Specifier after redirects).
	ResolvedSpecifier string
	Content           []byte
	ContentType       string
	Headers           http.Header
}

// TypesURL returns the advertised type-declarations URL, if any.
func (m *Module) TypesURL() string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers.Get(TypesHeader)
}

// Options configures a session cache.
type Options struct {
	// Client used for outbound fetches. Nil uses http.DefaultClient.
	Client *http.Client
	// Redirects is the build's redirect table. Required.
	Redirects *specifier.RedirectTable
	// FetchTimeout bounds one outbound fetch. Zero means 10s.
	FetchTimeout time.Duration
	// Shared is an optional cross-session cache for immutable modules.
	Shared *Shared
	Logger zerolog.Logger
}

// Cache memoizes module fetches within one build session.
type Cache struct {
	client    *http.Client
	redirects *specifier.RedirectTable
	timeout   time.Duration
	shared    *Shared
	logger    zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	modules map[string]*Module
}

// New creates a session cache.
func New(opts Options) *Cache {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rt := opts.Redirects
	if rt == nil {
		rt = specifier.NewRedirectTable()
	}
	return &Cache{
		client:    client,
		redirects: rt,
		timeout:   timeout,
		shared:    opts.Shared,
		logger:    opts.Logger,
		modules:   make(map[string]*Module),
	}
}

// Get returns the module for a canonical specifier, fetching it at most
// once per session. The fetch itself is detached from ctx so that work
// already in flight completes and populates the cache even when the
// requesting caller goes away; only the wait is cancellable.
func (c *Cache) Get(ctx context.Context, canonical string) (*Module, error) {
	c.mu.Lock()
	if mod, ok := c.modules[canonical]; ok {
		c.mu.Unlock()
		return mod, nil
	}
	c.mu.Unlock()

	if c.shared != nil {
		if mod, ok := c.shared.get(canonical); ok {
			c.remember(mod)
			return mod, nil
		}
	}

	ch := c.group.DoChan(canonical, func() (any, error) {
		mod, err := c.fetch(canonical)
		if err != nil {
			return nil, err
		}
		c.remember(mod)
		if c.shared != nil && IsImmutable(canonical) {
			c.shared.put(mod)
		}
		return mod, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Module), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) remember(mod *Module) {
	c.mu.Lock()
	c.modules[mod.Specifier] = mod
	c.mu.Unlock()
}

// Put seeds the session cache with a locally produced module (app scripts
// read straight from the datastore).
func (c *Cache) Put(mod *Module) {
	c.remember(mod)
}

func (c *Cache) fetch(canonical string) (*Module, error) {
	fetchURL := c.redirects.FetchURL(canonical)

	// Deliberately not the caller's context: a completed fetch is
	// reusable by the next build even when this caller is gone.
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("modfetch: build request for %s: %w", fetchURL, err)
	}
	req.Header.Set("User-Agent", "zipper-bundler")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modfetch: fetch %s: %w", fetchURL, err)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if finalURL != fetchURL {
		c.redirects.Record(canonical, finalURL)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s answered %d", ErrNotFound, fetchURL, resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("modfetch: read %s: %w", fetchURL, err)
	}
	if len(content) > maxModuleBytes {
		return nil, fmt.Errorf("modfetch: module %s exceeds %d bytes", fetchURL, maxModuleBytes)
	}

	c.logger.Debug().Str("specifier", canonical).Str("final", finalURL).
		Int("bytes", len(content)).Msg("fetched module")

	return &Module{
		Specifier:         canonical,
		ResolvedSpecifier: finalURL,
		Content:           content,
		ContentType:       resp.Header.Get("Content-Type"),
		Headers:           resp.Header.Clone(),
	}, nil
}

// immutablePin matches a pinned semver tag in a module URL
// (e.g. /pkg@4.2.0/, ?v=1.2.3 is not enough).
var immutablePin = regexp.MustCompile(`@v?\d+\.\d+\.\d+`)

// IsImmutable reports whether a specifier pins an exact upstream version
// and is therefore safe to cache across build sessions.
func IsImmutable(spec string) bool {
	return immutablePin.MatchString(spec)
}

// Shared is a bounded cross-session LRU cache holding immutable modules
// only.
type Shared struct {
	modules *lru.Cache[string, *Module]
}

// NewShared creates a shared cache holding at most max modules
// (0 means 256).
func NewShared(max int) *Shared {
	if max <= 0 {
		max = 256
	}
	modules, _ := lru.New[string, *Module](max)
	return &Shared{modules: modules}
}

func (s *Shared) get(spec string) (*Module, bool) {
	return s.modules.Get(spec)
}

func (s *Shared) put(mod *Module) {
	s.modules.ContainsOrAdd(mod.Specifier, mod)
}

// Len reports the number of cached modules.
func (s *Shared) Len() int {
	return s.modules.Len()
}
