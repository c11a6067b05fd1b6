package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/contextgraph"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/router"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph/cypher"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/troe"
	ngsild "github.com/diwise/context-graph/internal/pkg/presentation/api/ngsi-ld"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName string = "context-graph"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	flags := DefaultFlags()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, flags[logFormat])
	defer cleanup()

	flags = parseExternalConfig(ctx, flags)

	cfg, err := loadConfiguration(flags)
	if err != nil {
		logger.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	svc, err := initialize(ctx, flags, cfg)
	if err != nil {
		logger.Error("failed to initialize service", "err", err.Error())
		os.Exit(1)
	}
	defer svc.shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = svc.run(ctx, flags); err != nil {
		logger.Error("service failed", "err", err.Error())
		os.Exit(1)
	}
}

type service struct {
	public  http.Handler
	control http.Handler
	closers []func()
}

// initialize wires the stores, the event publisher and the authorizer into a
// context graph application and mounts it on a router
func initialize(ctx context.Context, flags FlagMap, cfg *contextgraph.Config) (_ *service, err error) {
	svc := &service{}

	defer func() {
		if err != nil {
			svc.shutdown()
		}
	}()

	cache, err := jsonld.NewContextCache(cfg.Contexts.CacheSize)
	if err != nil {
		return nil, err
	}

	for _, c := range cfg.Contexts.Preload {
		document, err := os.ReadFile(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read context %s: %w", c.URL, err)
		}

		if err = cache.Preload(c.URL, document); err != nil {
			return nil, err
		}
	}

	processor, err := jsonld.NewProcessor(cache)
	if err != nil {
		return nil, err
	}

	store, err := svc.graphStore(ctx, cfg.Graph)
	if err != nil {
		return nil, err
	}

	opts := []contextgraph.Option{contextgraph.WithBatchWorkers(cfg.Batch.Workers)}

	history, err := svc.historyStore(ctx, cfg.History)
	if err != nil {
		return nil, err
	}

	if history != nil {
		opts = append(opts, contextgraph.WithHistory(history))
	}

	authorizer, err := newAuthorizer(ctx, flags, cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, contextgraph.WithAuthorizer(authorizer))

	if cfg.Events.Endpoint != "" {
		publisher := events.NewHttpPublisher(cfg.Events.Endpoint)
		if err = publisher.Start(); err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { publisher.Stop() })

		opts = append(opts, contextgraph.WithNotifier(events.NewService(publisher, processor)))
	}

	app := contextgraph.New(processor, store, opts...)

	r := router.New(serviceName)
	ngsild.RegisterHandlers(ctx, r, app, cache)
	svc.public = r

	control := chi.NewRouter()
	control.Handle("/metrics", promhttp.Handler())
	control.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	svc.control = control

	return svc, nil
}

func (svc *service) graphStore(ctx context.Context, cfg contextgraph.StoreConfig) (graph.Store, error) {
	switch cfg.Backend {
	case contextgraph.BackendMemory:
		return graph.NewInMemoryStore(), nil
	case contextgraph.BackendNeo4j:
		store, closer, err := cypher.Connect(ctx, cypher.LoadConfiguration(ctx))
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, closer)
		return store, nil
	}

	return nil, fmt.Errorf("unsupported graph backend %q", cfg.Backend)
}

func (svc *service) historyStore(ctx context.Context, cfg contextgraph.StoreConfig) (temporal.Store, error) {
	switch cfg.Backend {
	case contextgraph.BackendNone:
		return nil, nil
	case contextgraph.BackendMemory:
		return troe.NewInMemoryStore(), nil
	case contextgraph.BackendPostgres:
		store, err := troe.Connect(ctx, troe.LoadConfiguration(ctx))
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, store.Close)
		return store, nil
	}

	return nil, fmt.Errorf("unsupported history backend %q", cfg.Backend)
}

// newAuthorizer loads the policies named by the flags or the configuration file.
// The built in policies are used when neither names a file.
func newAuthorizer(ctx context.Context, flags FlagMap, cfg *contextgraph.Config) (authz.Authorizer, error) {
	policyFile := flags[opaPath]
	if policyFile == "" {
		policyFile = cfg.Authz.PolicyFile
	}

	var policies io.Reader

	if policyFile != "" {
		f, err := os.Open(policyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open authz policies: %w", err)
		}
		defer f.Close()
		policies = f
	}

	return authz.NewAuthorizer(ctx, policies)
}

func (svc *service) run(ctx context.Context, flags FlagMap) error {
	logger := logging.GetFromContext(ctx)

	servers := []*http.Server{
		{Addr: net.JoinHostPort(flags[listenAddress], flags[servicePort]), Handler: svc.public},
	}

	if flags[controlPort] != "" {
		servers = append(servers, &http.Server{
			Addr: net.JoinHostPort(flags[listenAddress], flags[controlPort]), Handler: svc.control,
		})
	}

	errs := make(chan error, len(servers))

	for _, s := range servers {
		go func() {
			logger.Info("starting to listen for connections", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	var err error

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range servers {
		s.Shutdown(shutdownCtx)
	}

	return err
}

func (svc *service) shutdown() {
	for i := len(svc.closers) - 1; i >= 0; i-- {
		svc.closers[i]()
	}
	svc.closers = nil
}
