package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tabdil/creditledger/internal/db"
	"github.com/tabdil/creditledger/internal/handlers"
	"github.com/tabdil/creditledger/internal/ledger"
	"github.com/tabdil/creditledger/internal/logger"
	"github.com/tabdil/creditledger/internal/repository/postgres"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	ledgerService *ledger.Service
	purgeInterval time.Duration
	log           logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	storage := postgres.NewStorage(pool)

	ledgerService := ledger.NewService(ledger.Config{
		OpTimeout:            c.OpTimeout,
		CacheTTL:             c.CacheTTL,
		InProgressTimeout:    c.InProgressTimeout,
		IdempotencyRetention: c.IdempotencyRetention,
	}, storage, log)

	mux := handlers.NewRouter(ledgerService, log)

	return &ServerApp{
		ListenAddr:    c.ListenAddr,
		Handler:       mux,
		ledgerService: ledgerService,
		purgeInterval: c.PurgeInterval,
		log:           log,
	}, nil
}

// Run starts the http server and the retention purge loop; both stop
// gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go s.runPurgeLoop(srvCtx)

	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.log.Error("HTTP server shutdown timeout exceeded, forcing shutdown")
		}
		s.log.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.log.Info("Starting server", "addr", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

// runPurgeLoop removes expired idempotency records on a fixed interval.
// Ledger entries are kept forever; only retry deduplication has a
// retention window.
func (s *ServerApp) runPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ledgerService.PurgeIdempotencyRecords(ctx); err != nil {
				s.log.Error("idempotency purge failed", "error", err)
			}
		}
	}
}
