// Command zipperd runs the Zipper applet platform daemon: the Boot/Read
// RPC service consumed by the sandbox host and the public request router
// that forwards applet traffic to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zipper-works/zipper/internal/bootrpc"
	"github.com/zipper-works/zipper/internal/config"
	"github.com/zipper-works/zipper/internal/relay"
	"github.com/zipper-works/zipper/internal/store"
	"github.com/zipper-works/zipper/internal/vault"
	zipperversion "github.com/zipper-works/zipper/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "zipperd",
		Short:         "Zipper daemon - serves applet boots and routes applet requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.Version = zipperversion.FormatVersion(zipperversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to zipperd config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the RPC service and request router",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the zipperd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(zipperversion.FormatVersion(zipperversion.String()))
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Provision the master key if one does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dataDir, err := config.EnsureDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	cfg.DataDir = dataDir

	masterKey, err := vault.LoadOrCreateKey(logger, cfg.KeyPath())
	if err != nil {
		return err
	}
	keyring, err := vault.NewKeyring(masterKey)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Options{DBPath: config.DBPath(cfg.DataDir)})
	if err != nil {
		return err
	}
	defer st.Close()

	svc := bootrpc.New(bootrpc.Options{
		Config:  cfg,
		Store:   st,
		Keyring: keyring,
		Logger:  logger,
	})
	router, err := relay.New(relay.Options{
		Config: cfg,
		Apps:   st,
		Signer: svc.Signer(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	rpcServer := &http.Server{Addr: cfg.RPCAddr, Handler: svc.Handler()}
	relayServer := &http.Server{Addr: cfg.RelayAddr, Handler: router}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() {
		if err := rpcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	go func() {
		if err := relayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("relay server: %w", err)
		}
	}()

	logger.Info().
		Int("pid", os.Getpid()).
		Str("rpc_addr", cfg.RPCAddr).
		Str("relay_addr", cfg.RelayAddr).
		Str("run_host", cfg.RunHost).
		Msg("zipperd started")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("server error")
		shutdown(logger, rpcServer, relayServer)
		return err
	}

	shutdown(logger, rpcServer, relayServer)
	logger.Info().Msg("zipperd stopped")
	return nil
}

func shutdown(logger zerolog.Logger, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
}

func runKeygen(configPath string) error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dataDir, err := config.EnsureDataDir(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	cfg.DataDir = dataDir

	keyPath := cfg.KeyPath()
	existing, err := vault.LoadKey(logger, keyPath)
	if err != nil {
		return err
	}
	if existing != nil {
		fmt.Printf("Master key already exists: %s\n", keyPath)
		return nil
	}
	if _, err := vault.CreateKey(keyPath); err != nil {
		return err
	}
	fmt.Printf("Master key created: %s\n", keyPath)
	return nil
}

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}
