package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/api"
	"github.com/veridoc/veridoc/bundle"
	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/internal/util"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/signing"
	"github.com/veridoc/veridoc/storage"
	bboltstorage "github.com/veridoc/veridoc/storage/bbolt"
	"github.com/veridoc/veridoc/storage/postgres"
)

var (
	port     int
	dataDir  string
	dsn      string
	tlsCert  string
	tlsKey   string
	leafDays int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		certStore, sigStore, closeStores, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStores()

		docs, err := documents.NewDiskStore(filepath.Join(dataDir, "documents"))
		if err != nil {
			return fmt.Errorf("failed to open document storage: %w", err)
		}

		registry := clients.NewRegistry()
		authority := ca.New(certStore, registry, keys.NewGenerator(),
			ca.WithLeafValidity(time.Duration(leafDays)*24*time.Hour))
		ledger := ca.NewLedger(certStore, registry)
		verifier := ca.NewVerifier(certStore, ledger)
		packager := bundle.NewPackager(certStore)
		engine := signing.NewEngine(docs, certStore, sigStore, verifier)

		a := api.New(api.Config{
			Registry:     registry,
			Certificates: certStore,
			Signatures:   sigStore,
			Documents:    docs,
			Authority:    authority,
			Ledger:       ledger,
			Verifier:     verifier,
			Packager:     packager,
			Engine:       engine,
		})

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openStores opens the configured certificate and signature stores: postgres
// when --dsn is set, a local bbolt file otherwise.
func openStores(ctx context.Context) (storage.CertificateStore, storage.SignatureStore, func(), error) {
	if dsn != "" {
		store, err := postgres.NewStoreFromDSN(ctx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store, store.Signatures(), store.Close, nil
	}

	store, err := bboltstorage.NewStoreFromFile(filepath.Join(dataDir, "veridoc.db"), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open certificate storage: %w", err)
	}
	return store, store.Signatures(), func() { store.Close() }, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (uses embedded bbolt storage when empty)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().IntVar(&leafDays, "cert-days", 365, "Client certificate validity in days")
}
