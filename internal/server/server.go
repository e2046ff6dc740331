// Package server assembles the daemon from config: storage, leases, the
// session registry and the HTTP listener, plus coordinated shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sketchhub/sketchd/internal/api"
	"github.com/sketchhub/sketchd/internal/blob"
	"github.com/sketchhub/sketchd/internal/config"
	"github.com/sketchhub/sketchd/internal/events"
	"github.com/sketchhub/sketchd/internal/genai"
	"github.com/sketchhub/sketchd/internal/lease"
	"github.com/sketchhub/sketchd/internal/metrics"
	"github.com/sketchhub/sketchd/internal/retry"
	"github.com/sketchhub/sketchd/internal/sandbox"
	"github.com/sketchhub/sketchd/internal/session"
	"github.com/sketchhub/sketchd/internal/store/sqlite"
	"github.com/sketchhub/sketchd/pkg/logging"
)

type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *sqlite.Store
	leases   *lease.Manager
	registry *session.Registry
	http     *http.Server
}

// New wires every component. The sandbox client and generator are real HTTP
// clients; the blob store is S3 when a bucket is configured and in-memory
// otherwise, which keeps local runs working without object storage (archives
// then do not survive a daemon restart).
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	log := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	st, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	var blobs blob.Store
	if cfg.Storage.S3.Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, cfg.Storage.S3)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	} else {
		log.Warn("no s3 bucket configured, using in-memory blob store")
		blobs = blob.NewMemoryStore()
	}

	leases := lease.NewManager(st, cfg.Leases.Cap, config.MustDuration(cfg.Leases.TTL), log)
	collector := metrics.New()
	broker := events.NewBroker()

	registry := session.NewRegistry(session.Deps{
		Store:  st,
		Leases: leases,
		Sandbox: sandbox.NewHTTPClient(
			cfg.Sandbox.BaseURL,
			cfg.Sandbox.Token,
			config.MustDuration(cfg.Sandbox.Timeout),
		),
		Generator: genai.NewAnthropicClient(
			cfg.Generation.BaseURL,
			cfg.Generation.APIKey,
			cfg.Generation.Model,
			cfg.Generation.MaxTokens,
			config.MustDuration(cfg.Generation.Timeout),
		),
		Blobs:   blobs,
		Broker:  broker,
		Metrics: collector,
		Log:     log,
		Settings: session.Settings{
			Hostname:          cfg.Sketches.Hostname,
			EditableFile:      cfg.Sketches.EditableFile,
			ReferenceFiles:    cfg.Sketches.ReferenceFiles,
			PreviewPort:       cfg.Sketches.PreviewPort,
			PreviewCommand:    cfg.Sketches.PreviewCommand,
			WorkDir:           cfg.Sketches.WorkDir,
			HeartbeatInterval: config.MustDuration(cfg.Sketches.HeartbeatInterval),
			Retry: retry.Policy{
				MaxAttempts:       cfg.Sandbox.RetryAttempts,
				InitialDelay:      config.MustDuration(cfg.Sandbox.RetryInitialDelay),
				MaxDelay:          config.MustDuration(cfg.Sandbox.RetryMaxDelay),
				BackoffMultiplier: 2.0,
			},
		},
	})

	app := api.New(log, registry, leases, st, broker, collector)
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Router(),
		ReadTimeout:  config.MustDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.MustDuration(cfg.Server.WriteTimeout),
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		leases:   leases,
		registry: registry,
		http:     httpSrv,
	}, nil
}

// Run serves until ctx is canceled, then shuts down: live sessions are
// expired (clients get an expired frame before their sockets close), the
// listener drains and storage closes.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.log.Info("sketchd listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.registry.Shutdown(shutdownCtx)
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	s.close()
	return nil
}

func (s *Server) close() {
	s.leases.Close()
	if err := s.store.Close(); err != nil {
		s.log.Warn("close state store", "error", err)
	}
}
