package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/louisbranch/abstractwallet/internal/ceremony"
	"github.com/louisbranch/abstractwallet/internal/challenge"
	"github.com/louisbranch/abstractwallet/internal/credential"
	"github.com/louisbranch/abstractwallet/internal/storage/sqlite"
	"github.com/louisbranch/abstractwallet/internal/telemetry"
)

// Server hosts the wallet ceremony HTTP surface over a sqlite store.
type Server struct {
	httpAddr   string
	httpServer *http.Server
	store      *sqlite.Store
	ceremonies *ceremony.Service
}

// New assembles a server from environment configuration. The sqlite store,
// ceremony service, and HTTP handler are wired here once and shared for the
// process lifetime.
func New(httpAddr string) (*Server, error) {
	store, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}

	cfg := ceremony.LoadConfigFromEnv()

	registry := credential.NewRegistry(store, store)
	challenges := challenge.NewStore(store).WithTTL(cfg.ChallengeTTL)
	emitter := telemetry.NewEmitter(store)
	ceremonies := ceremony.NewService(cfg, registry, challenges, store, emitter)
	if !ceremonies.HasTokenSecret() {
		_ = store.Close()
		return nil, fmt.Errorf("ceremony token secret is not configured; set ABSTRACTWALLET_CEREMONY_HMAC_KEY")
	}

	handler := NewHandler(ceremonies, cfg.ChallengeTTL, secureCookiesFromEnv())

	return &Server{
		httpAddr: httpAddr,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		store:      store,
		ceremonies: ceremonies,
	}, nil
}

// Serve runs the HTTP listener until the context is canceled or the listener
// fails. Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		_ = s.store.Close()
	}()

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	log.Printf("wallet server listening on %s", listener.Addr())

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-httpErr
		return ctx.Err()
	case err := <-httpErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// openStore opens the sqlite database at the configured path, creating the
// parent directory on first run.
func openStore() (*sqlite.Store, error) {
	path := os.Getenv("ABSTRACTWALLET_DB_PATH")
	if path == "" {
		path = filepath.Join("data", "wallet.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return sqlite.Open(path)
}

func secureCookiesFromEnv() bool {
	return os.Getenv("ABSTRACTWALLET_INSECURE_COOKIES") == ""
}
