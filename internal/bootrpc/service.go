// Package bootrpc serves the deployment protocol consumed by the sandbox
// host: signed boot calls that compile an app into a bundle plus isolate
// config, content-addressed reads of persisted bundles, telemetry ingestion,
// the HMAC-signed applet storage API, and editor module introspection.
package bootrpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/config"
	"github.com/zipper-works/zipper/internal/modfetch"
	"github.com/zipper-works/zipper/internal/store"
	"github.com/zipper-works/zipper/internal/token"
	"github.com/zipper-works/zipper/internal/vault"
)

// ErrAppNotFound indicates a deployment names an app that does not exist.
// Boot converts it into a 200 with an inert script; it is never exposed as
// an HTTP error.
var ErrAppNotFound = errors.New("bootrpc: app not found")

// ErrMissingConnectorAuth indicates the calling user has not authorized all
// connectors the app requires. Boot converts it into a 200 with an inert
// script naming the connectors.
var ErrMissingConnectorAuth = errors.New("bootrpc: missing connector authorization")

const sharedCacheSize = 512

// Options configures the RPC service.
type Options struct {
	Config  config.Config
	Store   *store.Store
	Keyring *vault.Keyring
	Logger  zerolog.Logger
}

// Service is the Boot/Read RPC service.
type Service struct {
	cfg     config.Config
	store   *store.Store
	keyring *vault.Keyring
	signer  *token.Signer
	shared  *modfetch.Shared
	broker  *Broker
	logger  zerolog.Logger

	// storageSecret is the byte form of the hex signing secret handed to
	// isolates, so both sides HMAC the same bytes.
	storageSecret []byte
}

// New creates the RPC service.
func New(opts Options) *Service {
	return &Service{
		cfg:           opts.Config,
		store:         opts.Store,
		keyring:       opts.Keyring,
		signer:        token.NewSigner(opts.Keyring.BootTokenKey(), opts.Config.TokenTTL),
		shared:        modfetch.NewShared(sharedCacheSize),
		broker:        NewBroker(opts.Logger),
		logger:        opts.Logger,
		storageSecret: []byte(hex.EncodeToString(opts.Keyring.StorageHMACKey())),
	}
}

// Signer exposes the boot credential signer (shared with the request
// router, which mints the credentials this service verifies).
func (s *Service) Signer() *token.Signer { return s.signer }

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/boot", s.requireBootAuth(http.HandlerFunc(s.handleBoot)))
	mux.Handle("GET /read_blob", s.requireBootAuth(http.HandlerFunc(s.handleReadBlob)))
	mux.Handle("GET /read_tree", s.requireBootAuth(http.HandlerFunc(s.handleReadTree)))
	mux.Handle("POST /events", s.requireBootAuth(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("/api/app/{id}/storage", s.handleStorage)
	mux.HandleFunc("GET /api/app/{id}/logs/tail", s.handleLogTail)
	mux.HandleFunc("GET /ts/{kind}", s.handleTS)
	return mux
}

func (s *Service) internalHost() string {
	return s.cfg.InternalHosts[0]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{OK: false, Error: msg})
}
