package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	redisdoc "github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/observability"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/aretw0/lattice/pkg/replica"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
)

// node is one lattice participant: a document, a record namespace and its
// metrics.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	doc      ports.Document
	records  *replica.Manager[*record.Record]
	registry *prometheus.Registry
	closeDoc func() error
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.LogFormat == "json" {
		return logging.NewJSON(level), nil
	}
	return logging.New(level), nil
}

// openDocument connects the document backend selected by cfg.
func openDocument(ctx context.Context, cfg config.DocumentConfig, logger *slog.Logger) (ports.Document, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewDocument(), func() error { return nil }, nil

	case config.DriverRedis:
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}

		opts := []redisdoc.Option{
			redisdoc.WithPrefix(cfg.Redis.Prefix),
			redisdoc.WithLogger(logger),
		}
		if cfg.Redis.Lock {
			opts = append(opts, redisdoc.WithLocker(redisdoc.NewLocker(client, cfg.Redis.Prefix), cfg.Redis.LockTTL))
		}
		doc := redisdoc.NewFromClient(client, opts...)
		return doc, func() error {
			_ = doc.Close()
			return client.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown document driver %q", cfg.Driver)
	}
}

// newRecordManager builds the record namespace described by cfg on doc.
func newRecordManager(doc ports.Document, cfg config.NamespaceConfig, logger *slog.Logger, hooks domain.LifecycleHooks) (*replica.Manager[*record.Record], error) {
	return replica.New(doc, replica.Config[*record.Record]{
		Name: cfg.Name,
		Create: func(_ context.Context, _ string, state domain.Map, _ domain.Value) (*record.Record, error) {
			return record.New(record.WithFields(state)), nil
		},
		SendInterval: cfg.SendInterval,
		GetTimeout:   cfg.GetTimeout,
		RequireData:  cfg.RequireData,
	}, replica.WithLogger(logger), replica.WithHooks(hooks))
}

func openNode(ctx context.Context, cfg *config.Config) (*node, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	doc, closeDoc, err := openDocument(ctx, cfg.Document, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	hooks := observability.Chain(metrics.Hooks(), observability.LogHooks(logger))

	records, err := newRecordManager(doc, cfg.Namespace, logger, hooks)
	if err != nil {
		_ = closeDoc()
		return nil, err
	}

	return &node{
		cfg:      cfg,
		logger:   logger,
		doc:      doc,
		records:  records,
		registry: registry,
		closeDoc: closeDoc,
	}, nil
}

// Close flushes and closes the record manager, then the document.
func (n *node) Close(ctx context.Context) error {
	err := n.records.Close(ctx)
	if cerr := n.closeDoc(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
