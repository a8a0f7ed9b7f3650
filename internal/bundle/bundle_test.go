package bundle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/bundle"
	"github.com/zipper-works/zipper/internal/modfetch"
	"github.com/zipper-works/zipper/internal/specifier"
	"github.com/zipper-works/zipper/internal/store"
)

// hostRewriteTransport routes requests for a stable fake hostname to an
// httptest server, so specifiers in tests look like real remote URLs
// instead of literal-IP loopback addresses (which the SSRF policy bans).
type hostRewriteTransport struct {
	target string // httptest server host:port
}

func (t hostRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(clone)
}

type testEnv struct {
	builder  *bundle.Builder
	resolver *specifier.Resolver
	hits     *atomic.Int64
}

func newTestEnv(t *testing.T, app *store.App, mux http.Handler, wrap bundle.WrapFunc) *testEnv {
	t.Helper()

	hits := &atomic.Int64{}
	var srv *httptest.Server
	if mux != nil {
		counting := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			mux.ServeHTTP(w, r)
		})
		srv = httptest.NewServer(counting)
		t.Cleanup(srv.Close)
	}

	var check specifier.ScriptChecker
	if app != nil {
		check = func(slug, filename string) bool {
			if slug != app.Slug {
				return false
			}
			_, ok := app.Script(filename)
			return ok
		}
	}
	resolver := specifier.New(specifier.Options{
		InternalHosts: []string{"zipper.dev"},
		AllowHTTP:     true,
		ScriptExists:  check,
	})

	client := http.DefaultClient
	if srv != nil {
		client = &http.Client{Transport: hostRewriteTransport{target: strings.TrimPrefix(srv.URL, "http://")}}
	}
	cache := modfetch.New(modfetch.Options{
		Client:    client,
		Redirects: resolver.Redirects(),
		Logger:    zerolog.Nop(),
	})

	return &testEnv{
		builder: bundle.New(bundle.Options{
			Resolver:  resolver,
			Cache:     cache,
			App:       app,
			WrapEntry: wrap,
			Logger:    zerolog.Nop(),
		}),
		resolver: resolver,
		hits:     hits,
	}
}

func demoApp() *store.App {
	return &store.App{
		ID:           "app-1",
		Slug:         "demo",
		MainFilename: "main.ts",
		Scripts: []store.Script{
			{Filename: "main.ts", Source: `import { greet } from "./util.ts";
export function handler({ name }) { return greet(name) }`, IsRunnable: true},
			{Filename: "util.ts", Source: `export function greet(name) { return "Hello " + name }`},
		},
	}
}

func TestBuildBundleLocalGraph(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, demoApp(), nil, nil)

	entry := specifier.InternalURL("zipper.dev", "demo", "main.ts")
	b, err := env.builder.BuildBundle(context.Background(), entry)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if b.Entrypoint != entry {
		t.Fatalf("entrypoint = %q", b.Entrypoint)
	}
	if len(b.Modules) != 2 {
		t.Fatalf("expected 2 modules, got %d: %v", len(b.Modules), keys(b.Modules))
	}
	util := b.Modules["https://zipper.dev/demo/src/util.ts"]
	if !strings.Contains(util.Content, "greet") {
		t.Fatalf("util content = %q", util.Content)
	}
	if util.ContentType != "application/typescript" {
		t.Fatalf("util content type = %q", util.ContentType)
	}
}

func TestBuildBundleSharedDependencyFetchedOnce(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`import "./c.ts"; export const a = 1;`))
	})
	mux.HandleFunc("/b.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`import "./c.ts"; export const b = 1;`))
	})
	mux.HandleFunc("/c.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`export const c = 1;`))
	})

	app := &store.App{
		ID: "app-2", Slug: "demo", MainFilename: "main.ts",
		Scripts: []store.Script{{
			Filename: "main.ts",
			Source: `import "http://modules.test/a.ts";
import "http://modules.test/b.ts";
export function handler() {}`,
		}},
	}
	env := newTestEnv(t, app, mux, nil)

	b, err := env.builder.BuildBundle(context.Background(), specifier.InternalURL("zipper.dev", "demo", "main.ts"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Modules) != 4 {
		t.Fatalf("expected 4 modules, got %d: %v", len(b.Modules), keys(b.Modules))
	}
	if env.hits.Load() != 3 {
		t.Fatalf("expected 3 fetches (a, b, c once), got %d", env.hits.Load())
	}
}

func TestBuildBundleCycleTerminates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/a.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`import "./b.ts"; export const a = 1;`))
	})
	mux.HandleFunc("/b.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`import "./a.ts"; export const b = 1;`))
	})

	app := &store.App{
		ID: "app-3", Slug: "demo", MainFilename: "main.ts",
		Scripts: []store.Script{{
			Filename: "main.ts",
			Source:   `import "http://modules.test/a.ts"; export function handler() {}`,
		}},
	}
	env := newTestEnv(t, app, mux, nil)

	b, err := env.builder.BuildBundle(context.Background(), specifier.InternalURL("zipper.dev", "demo", "main.ts"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Modules) != 3 {
		t.Fatalf("expected 3 modules, got %d: %v", len(b.Modules), keys(b.Modules))
	}
	if env.hits.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", env.hits.Load())
	}
}

func TestBuildBundleRedirectStability(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/pkg/mod.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/pkg@4.2.0/mod.ts", http.StatusFound)
	})
	mux.HandleFunc("/pkg@4.2.0/mod.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`import { u } from "./util.ts"; export const m = u;`))
	})
	mux.HandleFunc("/pkg@4.2.0/util.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`export const u = 1;`))
	})
	// The unversioned sibling also exists; the bundle must key the
	// import under it even though the bytes came from the @4.2.0 path.
	mux.HandleFunc("/pkg/util.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/pkg@4.2.0/util.ts", http.StatusFound)
	})

	app := &store.App{
		ID: "app-4", Slug: "demo", MainFilename: "main.ts",
		Scripts: []store.Script{{
			Filename: "main.ts",
			Source:   `import "http://modules.test/pkg/mod.ts"; export function handler() {}`,
		}},
	}
	env := newTestEnv(t, app, mux, nil)

	b, err := env.builder.BuildBundle(context.Background(), specifier.InternalURL("zipper.dev", "demo", "main.ts"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := b.Modules["http://modules.test/pkg/util.ts"]; !ok {
		t.Fatalf("expected util keyed under original path, got %v", keys(b.Modules))
	}
	if _, ok := b.Modules["http://modules.test/pkg@4.2.0/util.ts"]; ok {
		t.Fatal("util must not be keyed under the redirected path")
	}
}

func TestBuildBundleMissingModuleFailsBuild(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux() // no routes: every fetch 404s

	app := &store.App{
		ID: "app-5", Slug: "demo", MainFilename: "main.ts",
		Scripts: []store.Script{{
			Filename: "main.ts",
			Source:   `import "http://modules.test/absent.ts"; export function handler() {}`,
		}},
	}
	env := newTestEnv(t, app, mux, nil)

	_, err := env.builder.BuildBundle(context.Background(), specifier.InternalURL("zipper.dev", "demo", "main.ts"))
	if !errors.Is(err, bundle.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	if !errors.Is(err, modfetch.ErrNotFound) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestBuildBundleUnsafeImportNoFetch(t *testing.T) {
	t.Parallel()

	app := &store.App{
		ID: "app-6", Slug: "demo", MainFilename: "main.ts",
		Scripts: []store.Script{{
			Filename: "main.ts",
			Source:   `import "https://127.0.0.1/evil.ts"; export function handler() {}`,
		}},
	}
	env := newTestEnv(t, app, http.NewServeMux(), nil)

	_, err := env.builder.BuildBundle(context.Background(), specifier.InternalURL("zipper.dev", "demo", "main.ts"))
	if !errors.Is(err, specifier.ErrUnsafeSpecifier) {
		t.Fatalf("expected ErrUnsafeSpecifier, got %v", err)
	}
	if env.hits.Load() != 0 {
		t.Fatalf("expected zero fetches, got %d", env.hits.Load())
	}
}

func TestBuildModuleReturnsSingleModule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, demoApp(), nil, nil)

	mod, err := env.builder.BuildModule(context.Background(), "https://zipper.dev/demo/src/util.ts")
	if err != nil {
		t.Fatalf("build module: %v", err)
	}
	if !strings.Contains(string(mod.Content), "greet") {
		t.Fatalf("content = %q", mod.Content)
	}
}

func TestWrapEntryAppliedToEntrypointOnly(t *testing.T) {
	t.Parallel()

	wrap := func(source string) string { return "// wrapped\n" + source }
	env := newTestEnv(t, demoApp(), nil, wrap)

	entry := specifier.InternalURL("zipper.dev", "demo", "main.ts")
	b, err := env.builder.BuildBundle(context.Background(), entry)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(b.Modules[entry].Content, "// wrapped") {
		t.Fatal("entrypoint not wrapped")
	}
	util := b.Modules["https://zipper.dev/demo/src/util.ts"]
	if strings.HasPrefix(util.Content, "// wrapped") {
		t.Fatal("non-entry module must not be wrapped")
	}
}

func TestBuildTypesFollowsTypesHeader(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/mod.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(modfetch.TypesHeader, "http://modules.test/mod.d.ts")
		w.Write([]byte(`export const x = 1;`))
	})
	mux.HandleFunc("/mod.d.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`export declare const x: number;`))
	})

	env := newTestEnv(t, nil, mux, nil)

	b, err := env.builder.BuildTypes(context.Background(), "http://modules.test/mod.ts")
	if err != nil {
		t.Fatalf("build types: %v", err)
	}
	if b.Entrypoint != "http://modules.test/mod.d.ts" {
		t.Fatalf("entrypoint = %q", b.Entrypoint)
	}
	if !strings.Contains(b.Modules[b.Entrypoint].Content, "declare") {
		t.Fatal("expected declaration content")
	}
}

func TestBuildTypesFallsBackToBundle(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/mod.ts", func(w http.ResponseWriter, r *http.Request) {
		// Advertises a types URL that 404s.
		w.Header().Set(modfetch.TypesHeader, "http://modules.test/broken.d.ts")
		w.Write([]byte(`export const x = 1;`))
	})

	env := newTestEnv(t, nil, mux, nil)

	b, err := env.builder.BuildTypes(context.Background(), "http://modules.test/mod.ts")
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if b.Entrypoint != "http://modules.test/mod.ts" {
		t.Fatalf("fallback entrypoint = %q", b.Entrypoint)
	}
}

func keys(m map[string]bundle.Module) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
