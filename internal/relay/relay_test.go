package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/config"
	"github.com/zipper-works/zipper/internal/relay"
	"github.com/zipper-works/zipper/internal/store"
	"github.com/zipper-works/zipper/internal/token"
)

var signingKey = []byte("relay-test-key-relay-test-key-32")

type fakeApps struct {
	apps map[string]*store.App
}

func (f *fakeApps) GetAppBySlug(_ context.Context, slug string) (*store.App, error) {
	app, ok := f.apps[slug]
	if !ok {
		return nil, store.NotFoundError{Entity: "app", Key: slug}
	}
	return app, nil
}

type capturedRequest struct {
	Path         string
	Query        string
	BootToken    string
	DeploymentID string
	Body         string
}

type sandboxStub struct {
	mu   sync.Mutex
	last capturedRequest
}

func (s *sandboxStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.last = capturedRequest{
			Path:         r.URL.Path,
			Query:        r.URL.RawQuery,
			BootToken:    r.Header.Get(relay.HeaderBootToken),
			DeploymentID: r.Header.Get(relay.HeaderDeploymentID),
			Body:         string(body),
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`"Hello Ada"`))
	})
}

func (s *sandboxStub) captured() capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newTestRelay(t *testing.T, mutate func(*config.Config)) (*relay.Relay, *sandboxStub, *token.Signer) {
	t.Helper()

	stub := &sandboxStub{}
	sandbox := httptest.NewServer(stub.handler())
	t.Cleanup(sandbox.Close)

	cfg := config.Default()
	cfg.SandboxHostURL = sandbox.URL
	cfg.RPCRoot = "https://rpc.zipper.test"
	if mutate != nil {
		mutate(&cfg)
	}

	apps := &fakeApps{apps: map[string]*store.App{
		"demo":    {ID: "app-demo", Slug: "demo", PublishedVersion: "v7"},
		"scratch": {ID: "app-scratch", Slug: "scratch"},
		"greeter": {ID: "app-greeter", Slug: "greeter", PublishedVersion: "v1"},
	}}

	signer := token.NewSigner(signingKey, time.Minute)
	rl, err := relay.New(relay.Options{
		Config: cfg,
		Apps:   apps,
		Signer: signer,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return rl, stub, signer
}

func serve(rl *relay.Relay, host, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"inputs":{"name":"Ada"}}`))
	req.Host = host
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	rl.ServeHTTP(rec, req)
	return rec
}

func TestForwardsWithSignedCredential(t *testing.T) {
	t.Parallel()

	rl, stub, signer := newTestRelay(t, nil)

	rec := serve(rl, "demo.zipper.run", "/hello?x=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, "Hello Ada") {
		t.Fatalf("body = %q", got)
	}

	captured := stub.captured()
	if captured.Path != "/hello" || captured.Query != "x=1" {
		t.Fatalf("forwarded %q?%q", captured.Path, captured.Query)
	}
	if captured.DeploymentID != "app-demo@v7" {
		t.Fatalf("deployment id = %q", captured.DeploymentID)
	}
	if !strings.Contains(captured.Body, "Ada") {
		t.Fatal("request body not forwarded")
	}

	claims, err := signer.Verify(captured.BootToken)
	if err != nil {
		t.Fatalf("forwarded credential does not verify: %v", err)
	}
	if claims.DeploymentID != "app-demo@v7" {
		t.Fatalf("credential deployment id = %q", claims.DeploymentID)
	}
	if claims.RPCRoot != "https://rpc.zipper.test" {
		t.Fatalf("credential rpc root = %q", claims.RPCRoot)
	}
}

func TestVersionPathPrefix(t *testing.T) {
	t.Parallel()

	rl, stub, _ := newTestRelay(t, nil)

	rec := serve(rl, "demo.zipper.run", "/@v2/run/now", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	captured := stub.captured()
	if captured.DeploymentID != "app-demo@v2" {
		t.Fatalf("deployment id = %q", captured.DeploymentID)
	}
	if captured.Path != "/run/now" {
		t.Fatalf("forwarded path = %q", captured.Path)
	}
}

func TestAdHocVersionForUnpublishedApp(t *testing.T) {
	t.Parallel()

	rl, stub, _ := newTestRelay(t, nil)

	rec := serve(rl, "scratch.zipper.run", "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	dep := stub.captured().DeploymentID
	if !strings.HasPrefix(dep, "app-scratch@dev-") {
		t.Fatalf("deployment id = %q, want dev- version", dep)
	}
}

func TestCallerIdentityJoinsDeployment(t *testing.T) {
	t.Parallel()

	rl, stub, _ := newTestRelay(t, nil)

	h := http.Header{}
	h.Set(relay.HeaderCallerID, "user-9")
	rec := serve(rl, "demo.zipper.run", "/", h)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if dep := stub.captured().DeploymentID; dep != "app-demo@v7@user-9" {
		t.Fatalf("deployment id = %q", dep)
	}
}

func TestRejectsNonAppletHosts(t *testing.T) {
	t.Parallel()

	rl, _, _ := newTestRelay(t, nil)

	cases := []struct {
		name string
		host string
	}{
		{"apex", "zipper.run"},
		{"single label", "localhost"},
		{"reserved www", "www.zipper.run"},
		{"reserved api", "api.zipper.run"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(rl, tc.host, "/", nil)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("host %q status = %d, want 404", tc.host, rec.Code)
			}
			var envelope struct {
				OK    bool   `json:"ok"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatalf("parse body: %v", err)
			}
			if envelope.OK || envelope.Error == "" {
				t.Fatalf("envelope = %+v", envelope)
			}
		})
	}
}

func TestUnknownSlugIs404(t *testing.T) {
	t.Parallel()

	rl, _, _ := newTestRelay(t, nil)
	rec := serve(rl, "nope.zipper.run", "/", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestForwardedHostTrustedOnlyInDevMode(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("X-Forwarded-Host", "greeter.zipper.run")

	// Dev mode: the forwarded host routes.
	rl, stub, _ := newTestRelay(t, func(c *config.Config) { c.DevMode = true })
	rec := serve(rl, "localhost:8585", "/", h)
	if rec.Code != http.StatusOK {
		t.Fatalf("dev mode status = %d", rec.Code)
	}
	if dep := stub.captured().DeploymentID; dep != "app-greeter@v1" {
		t.Fatalf("deployment id = %q", dep)
	}

	// Production: the header is ignored and the raw host rejected.
	rl, _, _ = newTestRelay(t, nil)
	rec = serve(rl, "localhost:8585", "/", h)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("prod status = %d, want 404", rec.Code)
	}
}
