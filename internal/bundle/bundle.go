// Package bundle walks a module graph from an entrypoint and serializes it
// into a portable bundle: a mapping from canonical specifier to module
// content, rooted at the entrypoint's canonical specifier.
//
// Sibling branches of the graph are fetched concurrently; each specifier is
// visited at most once per build, so cyclic graphs terminate and shared
// dependencies are fetched exactly once (the fetch cache coalesces
// concurrent discoveries).
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/modfetch"
	"github.com/zipper-works/zipper/internal/specifier"
	"github.com/zipper-works/zipper/internal/store"
)

// ErrBuildFailed wraps failures of a mandatory graph traversal.
var ErrBuildFailed = errors.New("bundle: build failed")

const maxModules = 512

// Module is one serialized bundle entry.
type Module struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// Bundle is the serialized module graph rooted at Entrypoint.
type Bundle struct {
	Entrypoint string            `json:"entrypoint"`
	Modules    map[string]Module `json:"modules"`
}

// JSON serializes the bundle.
func (b *Bundle) JSON() ([]byte, error) {
	return json.Marshal(b)
}

// WrapFunc transforms the entrypoint's source before it enters the bundle
// (the runtime shim, on execution builds).
type WrapFunc func(source string) string

// Options configures a Builder.
type Options struct {
	Resolver *specifier.Resolver
	Cache    *modfetch.Cache
	// App supplies script content for Local/Internal specifiers. Nil for
	// pure-remote introspection builds.
	App *store.App
	// WrapEntry, when set, is applied to the entrypoint module's content
	// (execution builds only; editor tooling builds leave it nil).
	WrapEntry WrapFunc
	Logger    zerolog.Logger
}

// Builder performs module-graph builds for one app/session.
type Builder struct {
	resolver  *specifier.Resolver
	cache     *modfetch.Cache
	app       *store.App
	wrapEntry WrapFunc
	logger    zerolog.Logger
}

// New creates a Builder.
func New(opts Options) *Builder {
	return &Builder{
		resolver:  opts.Resolver,
		cache:     opts.Cache,
		app:       opts.App,
		wrapEntry: opts.WrapEntry,
		logger:    opts.Logger,
	}
}

// BuildModule resolves the entrypoint and returns its single module record
// without traversing imports (direct "view source" responses).
func (b *Builder) BuildModule(ctx context.Context, entry string) (*modfetch.Module, error) {
	res, err := b.resolver.Resolve(entry, specifier.Context{})
	if err != nil {
		return nil, err
	}
	return b.load(ctx, res)
}

// BuildBundle walks the full graph from the entrypoint.
func (b *Builder) BuildBundle(ctx context.Context, entry string) (*Bundle, error) {
	res, err := b.resolver.Resolve(entry, specifier.Context{})
	if err != nil {
		return nil, err
	}

	w := &walker{builder: b, modules: make(map[string]*modfetch.Module)}
	w.visit(ctx, res, true)
	w.wg.Wait()
	if w.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, w.err)
	}

	out := &Bundle{Entrypoint: res.CanonicalURL, Modules: make(map[string]Module, len(w.modules))}
	for spec, mod := range w.modules {
		out.Modules[spec] = Module{Content: string(mod.Content), ContentType: mod.ContentType}
	}
	return out, nil
}

// BuildTypes builds the type-declarations bundle advertised by the
// entrypoint. Type traversal is best-effort: any failure degrades to the
// ordinary Bundle result instead of failing the request.
func (b *Builder) BuildTypes(ctx context.Context, entry string) (*Bundle, error) {
	types, err := b.buildTypes(ctx, entry)
	if err == nil {
		return types, nil
	}
	b.logger.Warn().Str("entry", entry).Err(err).
		Msg("type bundle build failed, falling back to code bundle")
	return b.BuildBundle(ctx, entry)
}

func (b *Builder) buildTypes(ctx context.Context, entry string) (*Bundle, error) {
	mod, err := b.BuildModule(ctx, entry)
	if err != nil {
		return nil, err
	}
	typesURL := mod.TypesURL()
	if typesURL == "" {
		return nil, fmt.Errorf("bundle: %s advertises no type declarations", entry)
	}
	return b.BuildBundle(ctx, typesURL)
}

type walker struct {
	builder *Builder

	mu      sync.Mutex
	modules map[string]*modfetch.Module
	err     error

	wg sync.WaitGroup
}

func (w *walker) visit(ctx context.Context, res specifier.Resolved, isEntry bool) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return
	}
	if _, seen := w.modules[res.CanonicalURL]; seen {
		w.mu.Unlock()
		return
	}
	if len(w.modules) >= maxModules {
		w.err = fmt.Errorf("module graph exceeds %d modules", maxModules)
		w.mu.Unlock()
		return
	}
	// Reserve the slot under the lock so a concurrent discovery of the
	// same specifier does not spawn a second worker.
	w.modules[res.CanonicalURL] = nil
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.process(ctx, res, isEntry)
	}()
}

func (w *walker) process(ctx context.Context, res specifier.Resolved, isEntry bool) {
	mod, err := w.builder.load(ctx, res)
	if err != nil {
		w.fail(err)
		return
	}

	specs := ExtractImports(string(mod.Content))

	if isEntry && w.builder.wrapEntry != nil && res.Kind != specifier.KindRemote {
		wrapped := *mod
		wrapped.Content = []byte(w.builder.wrapEntry(string(mod.Content)))
		mod = &wrapped
	}

	w.mu.Lock()
	w.modules[res.CanonicalURL] = mod
	w.mu.Unlock()

	for _, spec := range specs {
		child, err := w.builder.resolver.Resolve(spec, specifier.Context{From: res.CanonicalURL})
		if err != nil {
			w.fail(fmt.Errorf("resolve %q in %s: %w", spec, res.CanonicalURL, err))
			return
		}
		w.visit(ctx, child, false)
	}
}

func (w *walker) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// load produces the module record for a resolved specifier: app scripts
// for Local/Internal kinds, the fetch cache for Remote.
func (b *Builder) load(ctx context.Context, res specifier.Resolved) (*modfetch.Module, error) {
	switch res.Kind {
	case specifier.KindLocal, specifier.KindInternal:
		if b.app == nil {
			return nil, fmt.Errorf("bundle: internal specifier %s outside an app build", res.CanonicalURL)
		}
		sc, ok := b.app.Script(res.Filename)
		if !ok {
			return nil, fmt.Errorf("%w: no script %q in app %q", modfetch.ErrNotFound, res.Filename, b.app.Slug)
		}
		return &modfetch.Module{
			Specifier:         res.CanonicalURL,
			ResolvedSpecifier: res.CanonicalURL,
			Content:           []byte(sc.Source),
			ContentType:       contentTypeFor(res.Filename),
		}, nil
	default:
		mod, err := b.cache.Get(ctx, res.CanonicalURL)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", res.CanonicalURL, err)
		}
		return mod, nil
	}
}

func contentTypeFor(filename string) string {
	switch ext := strings.ToLower(path.Ext(filename)); ext {
	case ".ts", ".tsx":
		return "application/typescript"
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "text/plain"
	}
}
