package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/checkpoint"
	"github.com/pixlake/changestream/internal/config"
	"github.com/pixlake/changestream/internal/consensus"
	"github.com/pixlake/changestream/internal/ledger/redis"
	"github.com/pixlake/changestream/internal/metrics"
	"github.com/pixlake/changestream/internal/pipeline"
	"github.com/pixlake/changestream/internal/storage"
)

const ledgerFile = "ledger.db"

// backend is the opened checkpoint ledger together with what must be
// released on shutdown.
type backend struct {
	ledger  checkpoint.Ledger
	node    *consensus.Node
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackend opens the configured checkpoint ledger. With join unset the
// raft backend only opens the local replica, which is enough for reads.
func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger, join bool) (*backend, error) {
	if cfg.Replicated() {
		return openReplicated(ctx, cfg, log, join)
	}

	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		client, err := redis.OpenClient(ctx, cfg.Checkpoint.RedisURL)
		if err != nil {
			return nil, err
		}
		return &backend{ledger: client, closers: []func() error{client.Close}}, nil

	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.BoltPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		store, err := storage.New(cfg.Checkpoint.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint storage: %w", err)
		}
		return &backend{ledger: store, closers: []func() error{store.Close}}, nil
	}

	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
}

func openReplicated(ctx context.Context, cfg *config.Config, log zerolog.Logger, join bool) (*backend, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(filepath.Join(cfg.Node.DataDir, ledgerFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint storage: %w", err)
	}
	b := &backend{ledger: store, closers: []func() error{store.Close}}
	if !join {
		return b, nil
	}

	node, err := consensus.NewNode(&consensus.NodeConfig{
		NodeID:    cfg.Node.ID,
		BindAddr:  cfg.Node.BindAddr,
		DataDir:   cfg.Node.DataDir,
		Bootstrap: cfg.Node.Bootstrap,
		PeerAddrs: cfg.Node.PeerAddrs,
	}, store, log)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to start raft node: %w", err)
	}
	b.node = node
	b.ledger = consensus.NewLedger(node, store)
	b.closers = append(b.closers, node.Stop)
	return b, nil
}

// guard runs fn directly, or only while this node leads the raft cluster
// when checkpoints are replicated.
func guard(ctx context.Context, cfg *config.Config, b *backend, interval time.Duration, log zerolog.Logger, onChange func(bool), fn func(context.Context) error) error {
	if !cfg.Replicated() {
		return fn(ctx)
	}
	if b.node == nil {
		return errors.New("raft node is not running")
	}
	gate := consensus.NewLeaderGate(b.node, interval, log)
	gate.OnChange = onChange
	return gate.Run(ctx, fn)
}

// openFeed connects to the configured change feed. The returned close
// function is never nil.
func openFeed(ctx context.Context, cfg *config.Config, log zerolog.Logger) (cdc.Feed, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var aliases cdc.Aliases
	if len(cfg.Source.Aliases) > 0 {
		aliases = cdc.Aliases(cfg.Source.Aliases)
	}

	switch cfg.Source.Kind {
	case config.SourceMongo:
		feed, err := cdc.NewMongoFeed(ctx, &cdc.MongoConfig{
			URI:      cfg.Source.Mongo.URI,
			Database: cfg.Source.Mongo.Database,
		}, log)
		if err != nil {
			return nil, noop, err
		}
		return feed, feed.Close, nil

	case config.SourcePostgres:
		pg := cfg.Source.Postgres
		return cdc.NewPostgresFeed(&cdc.ReplicationConfig{
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SlotName:        pg.SlotName,
			PublicationName: pg.PublicationName,
			Aliases:         aliases,
		}, log), noop, nil

	case config.SourceDebezium:
		dz := cfg.Source.Debezium
		return cdc.NewDebeziumFeed(&cdc.DebeziumConfig{
			Brokers:     dz.Brokers,
			TopicPrefix: dz.TopicPrefix,
			Partition:   dz.Partition,
			Aliases:     aliases,
		}, log), noop, nil
	}

	return nil, noop, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
}

type runnerDeps struct {
	feed        cdc.Feed
	sink        pipeline.Inserter
	checkpoints *checkpoint.Store
	alerts      pipeline.Alerter
	log         zerolog.Logger
	metrics     *metrics.Metrics
	// resumeAfter overrides the stored checkpoint for the first attempt of
	// every collection.
	resumeAfter *cdc.Cursor
}

// buildRunner creates one supervised pipeline per configured collection.
func buildRunner(cfg *config.Config, deps runnerDeps) *pipeline.Runner {
	supervisors := make([]*pipeline.Supervisor, 0, len(cfg.Source.Collections))

	for _, collection := range cfg.Source.Collections {
		log := deps.log.With().Str("collection", collection).Logger()
		supervisors = append(supervisors, pipeline.NewSupervisor(
			collection,
			pipeline.SupervisorConfig{
				MaxRetries: cfg.Supervisor.MaxRetries,
				BaseDelay:  cfg.Supervisor.BaseDelay,
			},
			pipelineFactory(cfg, collection, deps, log),
			deps.alerts,
			log,
			deps.metrics,
		))
	}

	return pipeline.NewRunner(supervisors, deps.log)
}

func pipelineFactory(cfg *config.Config, collection string, deps runnerDeps, log zerolog.Logger) pipeline.Factory {
	// The mapper outlives restarts so versions stay monotonic.
	mapper := pipeline.NewMapper()
	resumeAfter := deps.resumeAfter

	return func(ctx context.Context) (*pipeline.Pipeline, error) {
		source := pipeline.NewSource(deps.feed, deps.checkpoints, collection, resumeAfter, log, deps.metrics)
		resumeAfter = nil

		transformer, err := pipeline.NewTransformer(collection, pipeline.TransformerConfig{
			BatchSize:    cfg.Pipeline.BatchSize,
			FlushTimeout: cfg.Pipeline.FlushTimeout,
		}, mapper, log, deps.metrics)
		if err != nil {
			return nil, err
		}

		writer := pipeline.NewWriter(pipeline.WriterConfig{
			Table:      cfg.TableFor(collection),
			Retries:    cfg.Pipeline.InsertRetries,
			RetryDelay: cfg.Pipeline.InsertRetryDelay,
		}, deps.sink, deps.checkpoints, log, deps.metrics)

		return pipeline.New(source, transformer, writer), nil
	}
}

// leaderChangeAlert reports raft leadership transitions of this node.
func leaderChangeAlert(alerts interface {
	SendSystemAlert(title, message, severity string) error
}, nodeID string, log zerolog.Logger) func(bool) {
	return func(leader bool) {
		title, severity := "Pipeline leadership lost", "warning"
		if leader {
			title, severity = "Pipeline leadership acquired", "good"
		}
		message := fmt.Sprintf("node %s at %s", nodeID, time.Now().UTC().Format(time.RFC3339))
		if err := alerts.SendSystemAlert(title, message, severity); err != nil {
			log.Warn().Err(err).Msg("failed to send leadership alert")
		}
	}
}
